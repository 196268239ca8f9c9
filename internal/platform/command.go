package platform

import (
	"context"
	"fmt"

	"viralsandbox/internal/model"
	"viralsandbox/internal/session"
	"viralsandbox/internal/simerr"
)

type CommandKind string

const (
	CommandConfigureGenome CommandKind = "configure_genome"
	CommandInstallGene     CommandKind = "install_gene"
	CommandUninstallGene   CommandKind = "uninstall_gene"
	CommandMoveGene        CommandKind = "move_gene"
	CommandAdvanceRound    CommandKind = "advance_round"
	CommandResetSession    CommandKind = "reset_session"
	CommandGetSnapshot     CommandKind = "get_snapshot"
)

var commandKinds = []CommandKind{
	CommandConfigureGenome,
	CommandInstallGene,
	CommandUninstallGene,
	CommandMoveGene,
	CommandAdvanceRound,
	CommandResetSession,
	CommandGetSnapshot,
}

func CommandKinds() []CommandKind {
	return append([]CommandKind(nil), commandKinds...)
}

func ParseCommandKind(s string) (CommandKind, bool) {
	for _, k := range commandKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Command is one player action. Gene is read by install, uninstall and move,
// Genome by configure, Rounds by advance where zero means one round. Delta
// is the number of places a move shifts the gene, negative toward the front.
type Command struct {
	Kind   CommandKind `json:"kind"`
	Gene   string      `json:"gene,omitempty"`
	Genome string      `json:"genome,omitempty"`
	Rounds int         `json:"rounds,omitempty"`
	Delta  int         `json:"delta,omitempty"`
}

func (c Command) Validate() error {
	switch c.Kind {
	case CommandConfigureGenome:
		if c.Genome == "" {
			return fmt.Errorf("%s requires a genome type", c.Kind)
		}
	case CommandInstallGene, CommandUninstallGene:
		if c.Gene == "" {
			return fmt.Errorf("%s requires a gene id", c.Kind)
		}
	case CommandMoveGene:
		if c.Gene == "" {
			return fmt.Errorf("%s requires a gene id", c.Kind)
		}
		if c.Delta == 0 {
			return simerr.New(simerr.KindInvalidAmount, c.Gene, "move delta must not be zero")
		}
	case CommandAdvanceRound:
		if c.Rounds < 0 {
			return simerr.New(simerr.KindInvalidAmount, "", "rounds %d is negative", c.Rounds)
		}
	case CommandResetSession, CommandGetSnapshot:
	default:
		return simerr.New(simerr.KindUnsupported, string(c.Kind), "unknown command")
	}
	return nil
}

// apply runs cmd and reports whether the session state may have changed.
// A multi-round advance stops at the first failing round; the rounds that
// already ran stay applied.
func apply(ctx context.Context, sess *session.Session, cmd Command) (model.SessionSnapshot, bool, error) {
	switch cmd.Kind {
	case CommandConfigureGenome:
		snap, err := sess.ConfigureGenome(ctx, cmd.Genome)
		return settle(sess, snap, err)
	case CommandInstallGene:
		snap, err := sess.InstallGene(ctx, cmd.Gene)
		return settle(sess, snap, err)
	case CommandUninstallGene:
		snap, err := sess.UninstallGene(ctx, cmd.Gene)
		return settle(sess, snap, err)
	case CommandMoveGene:
		snap, err := sess.MoveGene(ctx, cmd.Gene, cmd.Delta)
		return settle(sess, snap, err)
	case CommandAdvanceRound:
		rounds := cmd.Rounds
		if rounds == 0 {
			rounds = 1
		}
		changed := false
		for i := 0; i < rounds; i++ {
			if err := ctx.Err(); err != nil {
				return sess.Snapshot(), changed, err
			}
			if _, err := sess.AdvanceRound(ctx); err != nil {
				return sess.Snapshot(), changed, err
			}
			changed = true
		}
		return sess.Snapshot(), changed, nil
	case CommandResetSession:
		snap, err := sess.Reset(ctx)
		return settle(sess, snap, err)
	case CommandGetSnapshot:
		return sess.Snapshot(), false, nil
	default:
		return model.SessionSnapshot{}, false, simerr.New(simerr.KindUnsupported, string(cmd.Kind), "unknown command")
	}
}

func settle(sess *session.Session, snap model.SessionSnapshot, err error) (model.SessionSnapshot, bool, error) {
	if err != nil {
		return sess.Snapshot(), false, err
	}
	return snap, true, nil
}
