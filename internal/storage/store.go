package storage

import (
	"context"

	"viralsandbox/internal/model"
)

// Store defines persistence operations for catalogs, session snapshots and
// per-session round history. Snapshots are stored without their history;
// callers save the two separately and join them on load.
type Store interface {
	Init(ctx context.Context) error
	SaveCatalog(ctx context.Context, doc model.CatalogDocument) error
	GetCatalog(ctx context.Context, name string) (model.CatalogDocument, bool, error)
	SaveSession(ctx context.Context, snap model.SessionSnapshot) error
	GetSession(ctx context.Context, id string) (model.SessionSnapshot, bool, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]model.SessionSummary, error)
	SaveHistory(ctx context.Context, sessionID string, history []model.RoundOutcome) error
	GetHistory(ctx context.Context, sessionID string) ([]model.RoundOutcome, bool, error)
}

// Summarize builds the listing row for snap.
func Summarize(snap model.SessionSnapshot) model.SessionSummary {
	return model.SessionSummary{
		ID:      snap.ID,
		Catalog: snap.Catalog,
		Round:   snap.Round,
		Balance: snap.Ledger.Balance,
		Status:  snap.Status,
	}
}
