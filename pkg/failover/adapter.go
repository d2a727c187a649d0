package failover

import (
	"context"

	"github.com/dsrlabs/bastion/pkg/types"
)

// StepAdapter performs one failover step type. Apply moves traffic or
// state toward the target site; Revert undoes a completed Apply.
// Reversible reports whether Revert is inverse-complete: NOTIFICATION
// and HEALTH_CHECK never are, DNS_UPDATE and SERVICE_RESTART depend on
// what the adapter actually talks to.
type StepAdapter interface {
	Apply(ctx context.Context, step types.FailoverStep) error
	Revert(ctx context.Context, step types.FailoverStep) error
	Reversible() bool
}

// FuncAdapter builds a StepAdapter from functions. A nil RevertFn marks
// the step irreversible.
type FuncAdapter struct {
	ApplyFn  func(ctx context.Context, step types.FailoverStep) error
	RevertFn func(ctx context.Context, step types.FailoverStep) error
}

func (f *FuncAdapter) Apply(ctx context.Context, step types.FailoverStep) error {
	if f.ApplyFn == nil {
		return nil
	}
	return f.ApplyFn(ctx, step)
}

func (f *FuncAdapter) Revert(ctx context.Context, step types.FailoverStep) error {
	if f.RevertFn == nil {
		return nil
	}
	return f.RevertFn(ctx, step)
}

func (f *FuncAdapter) Reversible() bool {
	return f.RevertFn != nil
}

// Verifier checks that the target site actually serves after the steps
// ran: site health, database reachability, service responses and load
// balancer routing. Wired by the DR orchestrator.
type Verifier interface {
	VerifyTarget(ctx context.Context, sequence *types.FailoverSequence) error
}
