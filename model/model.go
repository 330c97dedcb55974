package model

import (
	"context"

	"go.uber.org/zap"

	"github.com/fedflow/fedflow/config"
	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/internal/metrics"
	"github.com/fedflow/fedflow/session"
	"github.com/fedflow/fedflow/types"
)

// InputFn produces the task's sample. It runs once per compiled scope; the
// TaskScope is available from ctx. The returned value must implement
// Sample.
type InputFn func(ctx context.Context) (any, error)

// LossFn builds the task's loss node from the compiled sample.
type LossFn func(ctx context.Context, sample Sample) (*graph.Node, error)

// EvalFn builds the task's evaluation node from the eval-scope sample.
type EvalFn func(ctx context.Context, sample Sample) (*graph.Node, error)

// Binding pairs an optimizer with the variable subset it updates. VarScope
// additionally selects which peer-received values this binding answers
// gradients for; empty matches all of them.
type Binding struct {
	Optimizer graph.Optimizer
	Vars      []*graph.Variable
	VarScope  string
}

// OptimizerFn returns the task's optimizer bindings in apply order. The
// variable subsets must be disjoint across bindings.
type OptimizerFn func(ctx context.Context) ([]Binding, error)

// minimizeFn builds the apply sub-op for one binding. A nil node with a
// nil error means the binding was skipped.
type minimizeFn func(ctx context.Context, task string, loss *graph.Node, b Binding, opts CompileOptions) (*graph.Node, error)

// finalizeFn runs after all of a task's bindings were minimized and may
// contribute trailing train ops.
type finalizeFn func(ctx context.Context, task string) ([]*graph.Node, error)

// Model owns the per-task registries and their compiled artifacts. All
// construction and compilation is single-threaded; after Compile the
// graph is frozen and steps may be run.
type Model struct {
	logger    *zap.Logger
	collector *metrics.Collector
	sess      *session.Session

	taskOrder []string
	inputFns  map[string]InputFn
	lossFns   map[string]LossFn
	optFns    map[string]OptimizerFn
	evalFns   map[string]EvalFn

	samples   map[types.TaskScope]Sample
	losses    map[types.TaskScope]*graph.Node
	trainOps  map[types.TaskScope][]*graph.Node
	evalOps   map[types.TaskScope][]*graph.Node
	metricsBy map[types.TaskScope]map[string]*graph.Node

	metricState []*graph.Variable
	extra       map[string]any

	compiled bool

	// minimize and finalize are the variation points the federated model
	// overrides; the base model runs a purely local gradient step.
	minimize minimizeFn
	finalize finalizeFn
}

// New returns a local (non-federated) model bound to sess. logger may be
// nil; collector may be nil to disable metrics.
func New(sess *session.Session, logger *zap.Logger, collector *metrics.Collector) *Model {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Model{
		logger:    logger.With(zap.String("component", "model")),
		collector: collector,
		sess:      sess,
		inputFns:  make(map[string]InputFn),
		lossFns:   make(map[string]LossFn),
		optFns:    make(map[string]OptimizerFn),
		evalFns:   make(map[string]EvalFn),
		samples:   make(map[types.TaskScope]Sample),
		losses:    make(map[types.TaskScope]*graph.Node),
		trainOps:  make(map[types.TaskScope][]*graph.Node),
		evalOps:   make(map[types.TaskScope][]*graph.Node),
		metricsBy: make(map[types.TaskScope]map[string]*graph.Node),
		extra:     make(map[string]any),
	}
	m.minimize = m.localMinimize
	return m
}

// Session returns the session this model compiles into.
func (m *Model) Session() *session.Session { return m.sess }

func (m *Model) noteTask(task string) {
	for _, t := range m.taskOrder {
		if t == task {
			return
		}
	}
	m.taskOrder = append(m.taskOrder, task)
}

func (m *Model) checkMutable(what, task string) error {
	if m.compiled {
		return types.Errorf(types.ErrDuplicateRegistration,
			"%s registered after compilation", what).WithTask(task)
	}
	return nil
}

// InputFn registers the input function for task. At most one per task.
func (m *Model) InputFn(task string, fn InputFn) error {
	if err := m.checkMutable("input fn", task); err != nil {
		return err
	}
	if _, dup := m.inputFns[task]; dup {
		return types.NewError(types.ErrDuplicateRegistration,
			"input fn already registered").WithTask(task)
	}
	m.inputFns[task] = fn
	m.noteTask(task)
	return nil
}

// LossFn registers the loss function for task. At most one per task.
func (m *Model) LossFn(task string, fn LossFn) error {
	if err := m.checkMutable("loss fn", task); err != nil {
		return err
	}
	if _, dup := m.lossFns[task]; dup {
		return types.NewError(types.ErrDuplicateRegistration,
			"loss fn already registered").WithTask(task)
	}
	m.lossFns[task] = fn
	m.noteTask(task)
	return nil
}

// OptimizerFn registers the optimizer function for task. At most one per
// task; a task with a loss but no optimizer fn fails at compile time.
func (m *Model) OptimizerFn(task string, fn OptimizerFn) error {
	if err := m.checkMutable("optimizer fn", task); err != nil {
		return err
	}
	if _, dup := m.optFns[task]; dup {
		return types.NewError(types.ErrDuplicateRegistration,
			"optimizer fn already registered").WithTask(task)
	}
	m.optFns[task] = fn
	m.noteTask(task)
	return nil
}

// EvalFn registers the evaluation function for task. At most one per task.
func (m *Model) EvalFn(task string, fn EvalFn) error {
	if err := m.checkMutable("eval fn", task); err != nil {
		return err
	}
	if _, dup := m.evalFns[task]; dup {
		return types.NewError(types.ErrDuplicateRegistration,
			"eval fn already registered").WithTask(task)
	}
	m.evalFns[task] = fn
	m.noteTask(task)
	return nil
}

// AddMetric registers a named metric node under (mode, task). Variables
// holding the metric's running state may be attached; the metric
// initializer op resets them.
func (m *Model) AddMetric(name string, node *graph.Node, mode types.Mode, task string, state ...*graph.Variable) error {
	scope := types.TaskScope{Mode: mode, Task: task}
	byName := m.metricsBy[scope]
	if byName == nil {
		byName = make(map[string]*graph.Node)
		m.metricsBy[scope] = byName
	}
	if _, dup := byName[name]; dup {
		return types.Errorf(types.ErrDuplicateRegistration,
			"metric %q already registered", name).WithTask(task).WithMode(mode)
	}
	byName[name] = node
	m.metricState = append(m.metricState, state...)
	return nil
}

// AddTrainOp appends an op to run with the scope's train step.
func (m *Model) AddTrainOp(scope types.TaskScope, op *graph.Node) {
	m.trainOps[scope] = append(m.trainOps[scope], op)
}

// AddEvalOp appends an op to run with the scope's evaluation pass.
func (m *Model) AddEvalOp(scope types.TaskScope, op *graph.Node) {
	m.evalOps[scope] = append(m.evalOps[scope], op)
}

// AddExtraData stores an auxiliary value under key. Keys are write-once.
func (m *Model) AddExtraData(key string, value any) error {
	if _, dup := m.extra[key]; dup {
		return types.Errorf(types.ErrDuplicateKey, "extra data %q already set", key)
	}
	m.extra[key] = value
	return nil
}

// ExtraData returns the auxiliary value under key.
func (m *Model) ExtraData(key string) (any, bool) {
	v, ok := m.extra[key]
	return v, ok
}

// Input returns the compiled sample for scope.
func (m *Model) Input(scope types.TaskScope) (Sample, error) {
	s, ok := m.samples[scope]
	if !ok {
		return nil, types.Errorf(types.ErrScopeNotFound,
			"no compiled input for scope %s", scope).WithTask(scope.Task).WithMode(scope.Mode)
	}
	return s, nil
}

// Loss returns the compiled training loss for task, sequenced after the
// sample's pre-step ops.
func (m *Model) Loss(task string) (*graph.Node, error) {
	scope := types.TaskScope{Mode: types.ModeTrain, Task: task}
	l, ok := m.losses[scope]
	if !ok {
		return nil, types.Errorf(types.ErrScopeNotFound,
			"no compiled loss for scope %s", scope).WithTask(task).WithMode(types.ModeTrain)
	}
	return l, nil
}

// TrainOps returns the ordered ops that make up one training step of task.
func (m *Model) TrainOps(task string) ([]*graph.Node, error) {
	scope := types.TaskScope{Mode: types.ModeTrain, Task: task}
	ops, ok := m.trainOps[scope]
	if !ok {
		return nil, types.Errorf(types.ErrScopeNotFound,
			"no compiled train ops for scope %s", scope).WithTask(task).WithMode(types.ModeTrain)
	}
	return ops, nil
}

// EvalOps returns the ordered ops of one evaluation pass of task.
func (m *Model) EvalOps(task string) ([]*graph.Node, error) {
	scope := types.TaskScope{Mode: types.ModeEval, Task: task}
	ops, ok := m.evalOps[scope]
	if !ok {
		return nil, types.Errorf(types.ErrScopeNotFound,
			"no compiled eval ops for scope %s", scope).WithTask(task).WithMode(types.ModeEval)
	}
	return ops, nil
}

// Metrics returns the metric nodes registered under scope.
func (m *Model) Metrics(scope types.TaskScope) (map[string]*graph.Node, error) {
	byName, ok := m.metricsBy[scope]
	if !ok {
		return nil, types.Errorf(types.ErrScopeNotFound,
			"no metrics for scope %s", scope).WithTask(scope.Task).WithMode(scope.Mode)
	}
	return byName, nil
}

// MetricVariablesInitializer returns an op that resets every registered
// metric state variable to zeros.
func (m *Model) MetricVariablesInitializer() *graph.Node {
	state := m.metricState
	return graph.NewEffect("metrics/init", nil, func(ctx context.Context, _ []graph.Tensor) (graph.Tensor, error) {
		for _, v := range state {
			v.Set(graph.ZerosLike(v.Value()))
		}
		return graph.Tensor{}, nil
	})
}

// reduceLoss collapses a possibly non-scalar loss per configuration. An
// unusable reduction falls back to mean with a warning.
func (m *Model) reduceLoss(loss *graph.Node, cfg config.OptimizeConfig) *graph.Node {
	if cfg.CustomReduce != nil {
		if fn, ok := cfg.CustomReduce.(func(*graph.Node) *graph.Node); ok {
			return fn(loss)
		}
		m.logger.Warn("custom reduction has unexpected type, falling back to mean")
		return graph.Mean(loss)
	}
	switch cfg.Reduction {
	case config.ReduceSum:
		return graph.Sum(loss)
	case config.ReduceMean, "":
		return graph.Mean(loss)
	default:
		m.logger.Warn("unknown reduction, falling back to mean",
			zap.String("reduction", cfg.Reduction))
		return graph.Mean(loss)
	}
}

// skipOrFail converts a gradient-structure error into a warned, skipped
// binding. Any other error propagates.
func (m *Model) skipOrFail(task string, opt graph.Optimizer, err error) (*graph.Node, error) {
	if types.IsGradientStructure(err) {
		m.logger.Warn("skipping optimizer binding",
			zap.String("task", task),
			zap.String("optimizer", opt.Name()),
			zap.Error(err))
		m.collector.RecordSkippedBinding(task)
		return nil, nil
	}
	return nil, err
}

// localMinimize is the degenerate, no-exchange gradient step: reduce the
// loss, differentiate it over the binding's variables, apply.
func (m *Model) localMinimize(ctx context.Context, task string, loss *graph.Node, b Binding, opts CompileOptions) (*graph.Node, error) {
	reduced := m.reduceLoss(loss, opts.Optimize)
	targets := readNodes(b.Vars)
	grads, err := b.Optimizer.ComputeGradients(reduced, targets, nil)
	if err != nil {
		return m.skipOrFail(task, b.Optimizer, err)
	}
	kept, keptVars := dropUndefined(grads, b.Vars, m.strictWarner(task, opts))
	op, err := b.Optimizer.ApplyGradients(kept, keptVars)
	if err != nil {
		return m.skipOrFail(task, b.Optimizer, err)
	}
	return op, nil
}

// strictWarner returns the callback invoked for variables that receive no
// gradient from any source, or nil when strict diagnostics are off.
func (m *Model) strictWarner(task string, opts CompileOptions) func(*graph.Variable) {
	if !opts.Optimize.StrictGradients {
		return nil
	}
	return func(v *graph.Variable) {
		m.logger.Warn("variable receives no gradient",
			zap.String("task", task),
			zap.String("variable", v.Name()))
	}
}

// readNodes returns the canonical read node of each variable, aligned with
// vars.
func readNodes(vars []*graph.Variable) []*graph.Node {
	nodes := make([]*graph.Node, len(vars))
	for i, v := range vars {
		nodes[i] = v.Read()
	}
	return nodes
}

// dropUndefined filters out variables whose gradient is nil, reporting
// each one to warn when non-nil.
func dropUndefined(grads []*graph.Node, vars []*graph.Variable, warn func(*graph.Variable)) ([]*graph.Node, []*graph.Variable) {
	kept := make([]*graph.Node, 0, len(grads))
	keptVars := make([]*graph.Variable, 0, len(vars))
	for i, g := range grads {
		if g == nil {
			if warn != nil {
				warn(vars[i])
			}
			continue
		}
		kept = append(kept, g)
		keptVars = append(keptVars, vars[i])
	}
	return kept, keptVars
}
