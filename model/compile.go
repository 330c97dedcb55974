package model

import (
	"context"

	"go.uber.org/zap"

	"github.com/fedflow/fedflow/config"
	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/types"
)

// CompileOptions steers one compilation pass. The zero value means mean
// reduction, noise backend defaults, and no replica synchronization.
type CompileOptions struct {
	Optimize config.OptimizeConfig
	Sync     config.SyncConfig
}

// Compile turns the registered functions into executable ops, one pass per
// task in registration order. Compilation is single-threaded and happens
// exactly once; afterwards the graph is frozen.
//
// Per task: the input fn runs under the TRAIN and EVAL scopes, the loss fn
// under the train sample's pre-step deps, each optimizer binding is
// minimized into a sub-op, the sub-ops are grouped with the global step
// increment sequenced strictly after, and the eval fn (if any) becomes the
// eval op.
func (m *Model) Compile(ctx context.Context, opts CompileOptions) error {
	if m.compiled {
		return types.NewError(types.ErrDuplicateRegistration, "model already compiled")
	}

	for _, task := range m.taskOrder {
		if err := m.compileTask(ctx, task, opts); err != nil {
			return err
		}
	}

	m.compiled = true
	return nil
}

func (m *Model) compileTask(ctx context.Context, task string, opts CompileOptions) error {
	trainScope := types.TaskScope{Mode: types.ModeTrain, Task: task}
	evalScope := types.TaskScope{Mode: types.ModeEval, Task: task}
	trainCtx := types.WithTaskScope(ctx, trainScope)
	evalCtx := types.WithTaskScope(ctx, evalScope)

	inputFn, ok := m.inputFns[task]
	if !ok {
		return types.NewError(types.ErrScopeNotFound, "task has no input fn").WithTask(task)
	}
	trainSample, err := m.runInputFn(trainCtx, inputFn, trainScope)
	if err != nil {
		return err
	}
	m.samples[trainScope] = trainSample

	// The input fn always runs under both scopes; a task may expose eval
	// data without registering an eval fn.
	evalSample, err := m.runInputFn(evalCtx, inputFn, evalScope)
	if err != nil {
		return err
	}
	if evalSample != nil {
		m.samples[evalScope] = evalSample
	}

	lossFn, hasLoss := m.lossFns[task]
	if hasLoss {
		loss, err := lossFn(trainCtx, trainSample)
		if err != nil {
			return err
		}
		m.losses[trainScope] = graph.Sequence(trainSample.BeforeStepOps(), loss)

		optFn, hasOpt := m.optFns[task]
		if !hasOpt {
			return types.NewError(types.ErrMissingOptimizer,
				"task has a loss but no optimizer fn").WithTask(task)
		}
		bindings, err := optFn(trainCtx)
		if err != nil {
			return err
		}

		if opts.Sync.Enabled() {
			bindings, err = m.wrapSyncReplicas(bindings, trainScope, opts)
			if err != nil {
				return err
			}
		}

		var subOps []*graph.Node
		for _, b := range bindings {
			// The raw loss goes to minimize so that identity checks
			// against sent values still hold; the pre-step deps are
			// sequenced into the final train op below.
			subOp, err := m.minimize(trainCtx, task, loss, b, opts)
			if err != nil {
				return err
			}
			if subOp == nil {
				continue
			}
			subOps = append(subOps, subOp)
		}

		if m.finalize != nil {
			trailing, err := m.finalize(trainCtx, task)
			if err != nil {
				return err
			}
			for _, op := range trailing {
				m.AddTrainOp(trainScope, op)
			}
		}

		// The loss leads the group so the step computes it even when every
		// binding was skipped and no apply op reaches it.
		stepBody := graph.Sequence(trainSample.BeforeStepOps(),
			graph.Group("train/"+task, append([]*graph.Node{loss}, subOps...)...))
		m.AddTrainOp(trainScope, m.sess.StepIncrementOp(task, stepBody))

		m.logger.Info("compiled train scope",
			zap.String("task", task),
			zap.Int("bindings", len(bindings)),
			zap.Int("apply_ops", len(subOps)))
	}

	if evalFn, hasEval := m.evalFns[task]; hasEval && evalSample != nil {
		node, err := evalFn(evalCtx, evalSample)
		if err != nil {
			return err
		}
		m.AddEvalOp(evalScope, graph.Sequence(evalSample.BeforeStepOps(), node))
		m.logger.Info("compiled eval scope", zap.String("task", task))
	}

	return nil
}

// runInputFn invokes fn under scope and type-checks the result. A nil
// result is only acceptable for the EVAL scope.
func (m *Model) runInputFn(ctx context.Context, fn InputFn, scope types.TaskScope) (Sample, error) {
	raw, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		if scope.Mode == types.ModeEval {
			return nil, nil
		}
		return nil, types.NewError(types.ErrBadSample,
			"input fn returned nil").WithTask(scope.Task).WithMode(scope.Mode)
	}
	sample, ok := raw.(Sample)
	if !ok {
		return nil, types.Errorf(types.ErrBadSample,
			"input fn returned %T, want model.Sample", raw).
			WithTask(scope.Task).WithMode(scope.Mode)
	}
	return sample, nil
}

// wrapSyncReplicas wraps every binding's optimizer in the synchronous
// replica aggregator and registers its stall-warning hook for the scope.
func (m *Model) wrapSyncReplicas(bindings []Binding, scope types.TaskScope, opts CompileOptions) ([]Binding, error) {
	wrapped := make([]Binding, len(bindings))
	for i, b := range bindings {
		sync, err := graph.NewSyncReplicas(b.Optimizer, opts.Sync.ReplicasToAggregate, m.logger)
		if err != nil {
			return nil, err
		}
		m.sess.AddScopedHooks(scope, sync.SessionHook())
		wrapped[i] = Binding{Optimizer: sync, Vars: b.Vars, VarScope: b.VarScope}
	}
	return wrapped, nil
}
