// Package economy implements the evolution-point ledger.
//
// Ledger operations use value semantics: each returns a new ledger and leaves
// the receiver untouched, so a caller can stage several operations and commit
// only when all of them succeed.
package economy

import (
	"viralsandbox/internal/model"
	"viralsandbox/internal/simerr"
)

type Ledger struct {
	Balance int64
	Earned  int64
	Spent   int64
}

// Start returns a ledger seeded with an initial grant counted as earned.
func Start(points int64) (Ledger, error) {
	return Ledger{}.Earn(points)
}

func FromModel(l model.Ledger) Ledger {
	return Ledger{Balance: l.Balance, Earned: l.Earned, Spent: l.Spent}
}

func (l Ledger) Model() model.Ledger {
	return model.Ledger{Balance: l.Balance, Earned: l.Earned, Spent: l.Spent}
}

// Valid reports whether balance equals earned minus spent and is not
// negative.
func (l Ledger) Valid() bool {
	return l.Balance >= 0 && l.Earned >= 0 && l.Spent >= 0 && l.Balance == l.Earned-l.Spent
}

func (l Ledger) CanAfford(amount int64) bool {
	return amount >= 0 && l.Balance >= amount
}

func (l Ledger) Earn(amount int64) (Ledger, error) {
	if amount < 0 {
		return l, simerr.New(simerr.KindInvalidAmount, "", "earn amount %d is negative", amount)
	}
	l.Earned += amount
	l.Balance += amount
	return l, nil
}

func (l Ledger) Spend(amount int64) (Ledger, error) {
	if amount < 0 {
		return l, simerr.New(simerr.KindInvalidAmount, "", "spend amount %d is negative", amount)
	}
	if l.Balance < amount {
		return l, simerr.New(simerr.KindInsufficientPoints, "", "need %d points, have %d", amount, l.Balance)
	}
	l.Spent += amount
	l.Balance -= amount
	return l, nil
}

// Refund undoes up to the lifetime spent total.
func (l Ledger) Refund(amount int64) (Ledger, error) {
	if amount < 0 {
		return l, simerr.New(simerr.KindInvalidAmount, "", "refund amount %d is negative", amount)
	}
	if amount > l.Spent {
		return l, simerr.New(simerr.KindInvalidAmount, "", "refund %d exceeds spent %d", amount, l.Spent)
	}
	l.Spent -= amount
	l.Balance += amount
	return l, nil
}
