package scenario

import (
	"context"
	"fmt"
	"strings"

	"viralsandbox/internal/model"
	"viralsandbox/internal/simerr"
)

// Target receives scenario commands. *session.Session satisfies it.
type Target interface {
	ConfigureGenome(ctx context.Context, genomeType string) (model.SessionSnapshot, error)
	InstallGene(ctx context.Context, geneID string) (model.SessionSnapshot, error)
	UninstallGene(ctx context.Context, geneID string) (model.SessionSnapshot, error)
	MoveGene(ctx context.Context, geneID string, delta int) (model.SessionSnapshot, error)
	AdvanceRound(ctx context.Context) (model.SessionSnapshot, error)
	Reset(ctx context.Context) (model.SessionSnapshot, error)
	Snapshot() model.SessionSnapshot
}

type StepResult struct {
	Index   int    `json:"index"`
	Step    string `json:"step"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

type Report struct {
	Scenario string                `json:"scenario"`
	Steps    []StepResult          `json:"steps"`
	Final    model.SessionSnapshot `json:"-"`
}

func (r Report) Passed() bool {
	return r.Failed() == 0
}

func (r Report) Failed() int {
	failed := 0
	for _, s := range r.Steps {
		if !s.Passed {
			failed++
		}
	}
	return failed
}

// Summary renders one line per failed step.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s: %d/%d steps passed", r.Scenario, len(r.Steps)-r.Failed(), len(r.Steps))
	for _, s := range r.Steps {
		if s.Passed {
			continue
		}
		fmt.Fprintf(&b, "\n  step %d (%s): %s", s.Index+1, s.Step, s.Message)
	}
	return b.String()
}

// Run executes every step in order and records a result per step. A failed
// step does not stop the run; rejected commands leave the target unchanged.
// The returned error is reserved for context cancellation.
func Run(ctx context.Context, target Target, sc *Scenario) (Report, error) {
	if sc == nil {
		return Report{}, fmt.Errorf("scenario is required")
	}
	report := Report{Scenario: sc.Name, Steps: make([]StepResult, 0, len(sc.Steps))}
	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			report.Final = target.Snapshot()
			return report, err
		}
		result := StepResult{Index: i, Step: step.String()}
		if step.command() {
			result.Message = checkCommand(step, execute(ctx, target, step))
		} else {
			result.Message = checkAssertion(step, target.Snapshot())
		}
		result.Passed = result.Message == ""
		report.Steps = append(report.Steps, result)
	}
	report.Final = target.Snapshot()
	return report, nil
}

func execute(ctx context.Context, target Target, step Step) error {
	var err error
	switch step.Kind {
	case StepGenome:
		_, err = target.ConfigureGenome(ctx, step.Genome)
	case StepInstall:
		_, err = target.InstallGene(ctx, step.Gene)
	case StepUninstall:
		_, err = target.UninstallGene(ctx, step.Gene)
	case StepMove:
		_, err = target.MoveGene(ctx, step.Gene, step.Delta)
	case StepAdvance:
		for i := 0; i < step.Rounds && err == nil; i++ {
			_, err = target.AdvanceRound(ctx)
		}
	case StepReset:
		_, err = target.Reset(ctx)
	default:
		err = fmt.Errorf("unknown command step %s", step.Kind)
	}
	return err
}

func checkCommand(step Step, err error) string {
	if step.ExpectError == "" {
		if err != nil {
			return err.Error()
		}
		return ""
	}
	if err == nil {
		return fmt.Sprintf("expected %s, command succeeded", step.ExpectError)
	}
	if got := simerr.KindOf(err); got != step.ExpectError {
		return fmt.Sprintf("expected %s, got %s: %v", step.ExpectError, got, err)
	}
	return ""
}

func checkAssertion(step Step, snap model.SessionSnapshot) string {
	switch step.Kind {
	case StepExpectPopulation:
		count, ok := snap.Population.Counts[step.Entity]
		if !ok {
			return fmt.Sprintf("unknown entity %s", step.Entity)
		}
		if !compare(step.Op, float64(count), step.Value) {
			return fmt.Sprintf("population of %s is %d", step.Entity, count)
		}
	case StepExpectMilestone:
		got, ok := snap.Progress[step.Milestone]
		if !ok {
			return fmt.Sprintf("unknown milestone %s", step.Milestone)
		}
		if got != step.State {
			return fmt.Sprintf("milestone %s is %s", step.Milestone, got)
		}
	case StepExpectBalance:
		if float64(snap.Ledger.Balance) != step.Value {
			return fmt.Sprintf("balance is %d", snap.Ledger.Balance)
		}
	case StepExpectRound:
		if float64(snap.Round) != step.Value {
			return fmt.Sprintf("round is %d", snap.Round)
		}
	case StepExpectStatus:
		if snap.Status != step.Status {
			return fmt.Sprintf("status is %s", snap.Status)
		}
	default:
		return fmt.Sprintf("unknown assertion step %s", step.Kind)
	}
	return ""
}

func compare(op string, value, threshold float64) bool {
	switch op {
	case OpAtLeast:
		return model.AtLeast.Holds(value, threshold)
	case OpAtMost:
		return model.AtMost.Holds(value, threshold)
	case OpEqual:
		return value == threshold
	default:
		return false
	}
}
