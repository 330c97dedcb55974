package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/types"
)

func trainScope(task string) types.TaskScope {
	return types.TaskScope{Mode: types.ModeTrain, Task: task}
}

func TestSession_StepIncrement(t *testing.T) {
	s := New(nil, nil)
	op := s.StepIncrementOp("t1_step")

	require.NoError(t, s.Run(context.Background(), trainScope("t1"), op))
	assert.Equal(t, int64(1), s.GlobalStep())

	require.NoError(t, s.Run(context.Background(), trainScope("t1"), op))
	assert.Equal(t, int64(2), s.GlobalStep())
}

func TestSession_StepIncrementOrderedAfterSubOps(t *testing.T) {
	s := New(nil, nil)
	var order []string
	sub := graph.NewEffect("apply", nil, func(ctx context.Context, in []graph.Tensor) (graph.Tensor, error) {
		order = append(order, "apply")
		return graph.Tensor{}, nil
	})
	op := s.StepIncrementOp("step", sub)

	require.NoError(t, s.Run(context.Background(), trainScope(""), op))
	assert.Equal(t, []string{"apply"}, order)
	assert.Equal(t, int64(1), s.GlobalStep())
}

func TestSession_HookOrdering(t *testing.T) {
	s := New(nil, nil)
	var order []string
	s.AddHook(HookFuncs{
		Before: func(ctx context.Context) error { order = append(order, "before"); return nil },
		After:  func(ctx context.Context) error { order = append(order, "after"); return nil },
	})
	op := graph.NewEffect("body", nil, func(ctx context.Context, in []graph.Tensor) (graph.Tensor, error) {
		order = append(order, "body")
		return graph.Tensor{}, nil
	})

	require.NoError(t, s.Run(context.Background(), trainScope("t"), op))
	assert.Equal(t, []string{"before", "body", "after"}, order)
}

func TestSession_ScopedHooksOnlyRunForTheirScope(t *testing.T) {
	s := New(nil, nil)
	runs := 0
	s.AddScopedHooks(trainScope("t1"), HookFuncs{
		Before: func(ctx context.Context) error { runs++; return nil },
	})

	require.NoError(t, s.Run(context.Background(), trainScope("t1")))
	require.NoError(t, s.Run(context.Background(), trainScope("t2")))
	assert.Equal(t, 1, runs)
}

func TestSession_HookErrorStopsStep(t *testing.T) {
	s := New(nil, nil)
	s.AddHook(HookFuncs{
		Before: func(ctx context.Context) error { return errors.New("transport down") },
	})
	ran := false
	op := graph.NewEffect("body", nil, func(ctx context.Context, in []graph.Tensor) (graph.Tensor, error) {
		ran = true
		return graph.Tensor{}, nil
	})

	require.Error(t, s.Run(context.Background(), trainScope(""), op))
	assert.False(t, ran, "ops must not run after a failed before-hook")
}

func TestStageRunner_SkipsCompletedStages(t *testing.T) {
	s := New(nil, nil)
	r := NewStageRunner(s, nil, nil)

	runs := 0
	stage := func(ctx context.Context, sess *Session) error { runs++; return nil }

	require.NoError(t, r.RunStage(context.Background(), "restore", stage))
	require.NoError(t, r.RunStage(context.Background(), "restore", stage))
	assert.Equal(t, 1, runs, "completed stage must be skipped")

	r.Reset("restore")
	require.NoError(t, r.RunStage(context.Background(), "restore", stage))
	assert.Equal(t, 2, runs)
}

func TestStageRunner_FailedStageIsRetriable(t *testing.T) {
	s := New(nil, nil)
	r := NewStageRunner(s, nil, nil)

	calls := 0
	stage := func(ctx context.Context, sess *Session) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}

	require.Error(t, r.RunStage(context.Background(), "train", stage))
	require.NoError(t, r.RunStage(context.Background(), "train", stage))
	require.NoError(t, r.RunStage(context.Background(), "train", stage))
	assert.Equal(t, 2, calls, "a failed stage retries, a completed one does not")
}
