package session

import "context"

// Hook is the per-step lifecycle contract. Hooks run once per executed
// step; the communicator's hook is the canonical example, where failing to
// run it stalls the step's transmissions.
type Hook interface {
	BeforeStep(ctx context.Context) error
	AfterStep(ctx context.Context) error
}

// HookFuncs adapts two functions into a Hook. Either may be nil.
type HookFuncs struct {
	Before func(ctx context.Context) error
	After  func(ctx context.Context) error
}

// BeforeStep implements Hook.
func (h HookFuncs) BeforeStep(ctx context.Context) error {
	if h.Before == nil {
		return nil
	}
	return h.Before(ctx)
}

// AfterStep implements Hook.
func (h HookFuncs) AfterStep(ctx context.Context) error {
	if h.After == nil {
		return nil
	}
	return h.After(ctx)
}
