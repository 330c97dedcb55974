package model

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fedflow/fedflow/comm"
	"github.com/fedflow/fedflow/config"
	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/session"
	"github.com/fedflow/fedflow/testutil"
	"github.com/fedflow/fedflow/types"
)

func emptyInput(ctx context.Context) (any, error) {
	return NewTensorSample(), nil
}

func newFederal(t *testing.T, role types.Role, c comm.Communicator) *FederalModel {
	t.Helper()
	fm, err := NewFederalModel(config.FederalConfig{Role: role}, c, graph.NewTape(),
		session.New(nil, nil), zap.NewNop(), nil)
	require.NoError(t, err)
	return fm
}

// countingComm counts outbound messages per channel name.
type countingComm struct {
	comm.Communicator
	mu   sync.Mutex
	sent map[string]int
}

func newCountingComm(inner comm.Communicator) *countingComm {
	return &countingComm{Communicator: inner, sent: make(map[string]int)}
}

func (c *countingComm) Send(ctx context.Context, name string, t graph.Tensor) error {
	c.mu.Lock()
	c.sent[name]++
	c.mu.Unlock()
	return c.Communicator.Send(ctx, name, t)
}

func (c *countingComm) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[name]
}

func TestFederalInvalidRole(t *testing.T) {
	lc, _ := comm.Pair(nil, nil)
	_, err := NewFederalModel(config.FederalConfig{}, lc, graph.NewTape(),
		session.New(nil, nil), nil, nil)
	assert.Equal(t, types.ErrInvalidRole, types.GetErrorCode(err))
}

func TestFederalDuplicateChannel(t *testing.T) {
	lc, _ := comm.Pair(nil, nil)
	fm := newFederal(t, types.RoleLeader, lc)
	ctx := context.Background()

	v := graph.Const(graph.Scalar(1))
	require.NoError(t, fm.Send(ctx, "emb", v, false, types.ModeTrain, "ctr"))
	err := fm.Send(ctx, "emb", v, false, types.ModeTrain, "ctr")
	assert.Equal(t, types.ErrDuplicateChannel, types.GetErrorCode(err))

	// The paired gradient channel is reserved together with the send.
	require.NoError(t, fm.Send(ctx, "act", v, true, types.ModeTrain, "ctr"))
	_, err = fm.Recv(ctx, "act_grad", graph.Float32, false, "ctr")
	assert.Equal(t, types.ErrDuplicateChannel, types.GetErrorCode(err))

	// Same name under a different task is fine.
	require.NoError(t, fm.Send(ctx, "emb", v, false, types.ModeTrain, "cvr"))
}

// TestFederalSplitStep runs one full split-backprop step over an in-memory
// pair: the follower sends its boundary activation, the leader computes a
// loss over it and replies with the boundary gradient, and both sides
// apply their local updates within the same step.
func TestFederalSplitStep(t *testing.T) {
	lc, fc := comm.Pair(zap.NewNop(), nil)
	leader := newFederal(t, types.RoleLeader, lc)
	follower := newFederal(t, types.RoleFollower, fc)
	ctx := testutil.TestContext(t)

	// Follower: activation emb = 3*w_f, no local loss of its own. The
	// loss fn returns the sent value, so its gradient comes entirely
	// from the leader's reply.
	wf := graph.NewVariable("w_f", graph.Scalar(2))
	require.NoError(t, follower.InputFn("ctr", emptyInput))
	require.NoError(t, follower.LossFn("ctr", func(ctx context.Context, sample Sample) (*graph.Node, error) {
		emb := graph.Scale(wf.Read(), 3)
		if err := follower.Send(ctx, "emb", emb, true, types.ModeTrain, "ctr"); err != nil {
			return nil, err
		}
		return emb, nil
	}))
	require.NoError(t, follower.OptimizerFn("ctr", func(ctx context.Context) ([]Binding, error) {
		return []Binding{{Optimizer: graph.NewSGD(graph.NewTape(), 0.1), Vars: []*graph.Variable{wf}}}, nil
	}))
	require.NoError(t, follower.Compile(ctx, CompileOptions{}))

	// Leader: loss = emb * w_l.
	wl := graph.NewVariable("w_l", graph.Scalar(5))
	require.NoError(t, leader.InputFn("ctr", emptyInput))
	require.NoError(t, leader.LossFn("ctr", func(ctx context.Context, sample Sample) (*graph.Node, error) {
		v, err := leader.Recv(ctx, "emb", graph.Float32, true, "ctr")
		if err != nil {
			return nil, err
		}
		return graph.Mul(v, wl.Read()), nil
	}))
	require.NoError(t, leader.OptimizerFn("ctr", func(ctx context.Context) ([]Binding, error) {
		return []Binding{{Optimizer: graph.NewSGD(graph.NewTape(), 0.1), Vars: []*graph.Variable{wl}}}, nil
	}))
	require.NoError(t, leader.Compile(ctx, CompileOptions{}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ops, err := leader.TrainOps("ctr")
		if err != nil {
			return err
		}
		return leader.Session().Run(gctx, trainScope("ctr"), ops...)
	})
	g.Go(func() error {
		ops, err := follower.TrainOps("ctr")
		if err != nil {
			return err
		}
		return follower.Session().Run(gctx, trainScope("ctr"), ops...)
	})
	require.NoError(t, g.Wait())

	// Leader: d(emb*w_l)/d w_l = emb = 6, so w_l = 5 - 0.1*6.
	assert.InDelta(t, 4.4, wl.Value().Data[0], 1e-5)
	// Follower: upstream d loss/d emb = w_l = 5, chain through emb =
	// 3*w_f gives 15, so w_f = 2 - 0.1*15.
	assert.InDelta(t, 0.5, wf.Value().Data[0], 1e-5)

	assert.Equal(t, int64(1), leader.Session().GlobalStep())
	assert.Equal(t, int64(1), follower.Session().GlobalStep())
}

// TestFederalZeroGradReply covers the reply promise when the leader's loss
// never touches the received value: the peer still gets exactly one reply,
// zero-filled.
func TestFederalZeroGradReply(t *testing.T) {
	lc, fc := comm.Pair(nil, nil)
	counting := newCountingComm(lc)
	leader := newFederal(t, types.RoleLeader, counting)
	ctx := context.Background()

	wl := graph.NewVariable("w_l", graph.Scalar(5))
	require.NoError(t, leader.InputFn("ctr", emptyInput))
	require.NoError(t, leader.LossFn("ctr", func(ctx context.Context, sample Sample) (*graph.Node, error) {
		if _, err := leader.Recv(ctx, "emb", graph.Float32, true, "ctr"); err != nil {
			return nil, err
		}
		return graph.Square(wl.Read()), nil
	}))
	require.NoError(t, leader.OptimizerFn("ctr", func(ctx context.Context) ([]Binding, error) {
		return []Binding{{Optimizer: graph.NewSGD(graph.NewTape(), 0.1), Vars: []*graph.Variable{wl}}}, nil
	}))
	require.NoError(t, leader.Compile(ctx, CompileOptions{}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ops, err := leader.TrainOps("ctr")
		if err != nil {
			return err
		}
		return leader.Session().Run(gctx, trainScope("ctr"), ops...)
	})

	var reply graph.Tensor
	g.Go(func() error {
		emb, _ := graph.FromSlice([]float32{1, 2, 3}, 3)
		if err := fc.Send(gctx, "emb", emb); err != nil {
			return err
		}
		var err error
		reply, err = fc.Recv(gctx, "emb_grad", graph.Float32)
		return err
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, []int{3}, reply.Shape)
	assert.Equal(t, []float32{0, 0, 0}, reply.Data)
	assert.Equal(t, 1, counting.count("emb_grad"))
	// The local update is unaffected: w_l = 5 - 0.1*10.
	assert.InDelta(t, 4.0, wl.Value().Data[0], 1e-5)
}

// TestFederalScopeRouting pins recv records to the binding whose variable
// scope matches the one active at registration; later wildcard bindings do
// not answer the same channel again.
func TestFederalScopeRouting(t *testing.T) {
	lc, fc := comm.Pair(nil, nil)
	counting := newCountingComm(lc)
	leader := newFederal(t, types.RoleLeader, counting)
	ctx := context.Background()

	deep := graph.NewVariable("deep/w", graph.Scalar(2))
	wide := graph.NewVariable("wide/w", graph.Scalar(3))
	require.NoError(t, leader.InputFn("ctr", emptyInput))
	require.NoError(t, leader.LossFn("ctr", func(ctx context.Context, sample Sample) (*graph.Node, error) {
		v, err := leader.Recv(types.WithVarScope(ctx, "deep"), "emb", graph.Float32, true, "ctr")
		if err != nil {
			return nil, err
		}
		return graph.Mul(v, graph.Mul(deep.Read(), wide.Read())), nil
	}))
	require.NoError(t, leader.OptimizerFn("ctr", func(ctx context.Context) ([]Binding, error) {
		return []Binding{
			{Optimizer: graph.NewSGD(graph.NewTape(), 0.1), Vars: []*graph.Variable{deep}, VarScope: "deep"},
			{Optimizer: graph.NewSGD(graph.NewTape(), 0.1), Vars: []*graph.Variable{wide}},
		}, nil
	}))
	require.NoError(t, leader.Compile(ctx, CompileOptions{}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ops, err := leader.TrainOps("ctr")
		if err != nil {
			return err
		}
		return leader.Session().Run(gctx, trainScope("ctr"), ops...)
	})
	var reply graph.Tensor
	g.Go(func() error {
		if err := fc.Send(gctx, "emb", graph.Scalar(4)); err != nil {
			return err
		}
		var err error
		reply, err = fc.Recv(gctx, "emb_grad", graph.Float32)
		return err
	})
	require.NoError(t, g.Wait())

	// d(v*deep*wide)/dv = deep*wide = 6, answered once.
	assert.InDelta(t, 6.0, reply.Data[0], 1e-5)
	assert.Equal(t, 1, counting.count("emb_grad"))
	// Both bindings applied their local updates.
	assert.InDelta(t, 2-0.1*4*3, deep.Value().Data[0], 1e-5)
	assert.InDelta(t, 3-0.1*4*2, wide.Value().Data[0], 1e-5)
}

// TestFederalUnclaimedRecvRepliesZeros covers recv records no binding's
// scope matches: compilation still answers them, with zeros.
func TestFederalUnclaimedRecvRepliesZeros(t *testing.T) {
	lc, fc := comm.Pair(nil, nil)
	counting := newCountingComm(lc)
	leader := newFederal(t, types.RoleLeader, counting)
	ctx := context.Background()

	wl := graph.NewVariable("w_l", graph.Scalar(2))
	require.NoError(t, leader.InputFn("ctr", emptyInput))
	require.NoError(t, leader.LossFn("ctr", func(ctx context.Context, sample Sample) (*graph.Node, error) {
		v, err := leader.Recv(types.WithVarScope(ctx, "orphan"), "emb", graph.Float32, true, "ctr")
		if err != nil {
			return nil, err
		}
		return graph.Mul(v, wl.Read()), nil
	}))
	require.NoError(t, leader.OptimizerFn("ctr", func(ctx context.Context) ([]Binding, error) {
		return []Binding{
			{Optimizer: graph.NewSGD(graph.NewTape(), 0.1), Vars: []*graph.Variable{wl}, VarScope: "deep"},
		}, nil
	}))
	require.NoError(t, leader.Compile(ctx, CompileOptions{}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ops, err := leader.TrainOps("ctr")
		if err != nil {
			return err
		}
		return leader.Session().Run(gctx, trainScope("ctr"), ops...)
	})
	var reply graph.Tensor
	g.Go(func() error {
		if err := fc.Send(gctx, "emb", graph.Scalar(7)); err != nil {
			return err
		}
		var err error
		reply, err = fc.Recv(gctx, "emb_grad", graph.Float32)
		return err
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, []float32{0}, reply.Data)
	assert.Equal(t, 1, counting.count("emb_grad"))
}

// brokenOptimizer fails every gradient computation with a structure error.
type brokenOptimizer struct{}

func (brokenOptimizer) Name() string { return "broken" }

func (brokenOptimizer) ComputeGradients(loss *graph.Node, targets []*graph.Node, upstream *graph.Node) ([]*graph.Node, error) {
	return nil, types.NewError(types.ErrGradientStructure, "degenerate gradient request")
}

func (brokenOptimizer) ApplyGradients(grads []*graph.Node, vars []*graph.Variable) (*graph.Node, error) {
	return graph.Group("noop"), nil
}

// TestFederalComputeFailureSkipsBinding covers a structure error raised
// while computing a binding's gradients: compilation continues, the failing
// binding is skipped, its claimed records are answered with zeros, and the
// remaining bindings apply normally.
func TestFederalComputeFailureSkipsBinding(t *testing.T) {
	lc, fc := comm.Pair(nil, nil)
	counting := newCountingComm(lc)
	leader := newFederal(t, types.RoleLeader, counting)
	ctx := context.Background()

	wl := graph.NewVariable("w_l", graph.Scalar(5))
	require.NoError(t, leader.InputFn("ctr", emptyInput))
	require.NoError(t, leader.LossFn("ctr", func(ctx context.Context, sample Sample) (*graph.Node, error) {
		v, err := leader.Recv(types.WithVarScope(ctx, "deep"), "emb", graph.Float32, true, "ctr")
		if err != nil {
			return nil, err
		}
		return graph.Mul(v, wl.Read()), nil
	}))
	require.NoError(t, leader.OptimizerFn("ctr", func(ctx context.Context) ([]Binding, error) {
		return []Binding{
			{Optimizer: brokenOptimizer{}, VarScope: "deep"},
			{Optimizer: graph.NewSGD(graph.NewTape(), 0.1), Vars: []*graph.Variable{wl}},
		}, nil
	}))
	require.NoError(t, leader.Compile(ctx, CompileOptions{}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ops, err := leader.TrainOps("ctr")
		if err != nil {
			return err
		}
		return leader.Session().Run(gctx, trainScope("ctr"), ops...)
	})
	var reply graph.Tensor
	g.Go(func() error {
		if err := fc.Send(gctx, "emb", graph.Scalar(4)); err != nil {
			return err
		}
		var err error
		reply, err = fc.Recv(gctx, "emb_grad", graph.Float32)
		return err
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, []float32{0}, reply.Data)
	assert.Equal(t, 1, counting.count("emb_grad"))
	// The wildcard binding still applied: w_l = 5 - 0.1*4.
	assert.InDelta(t, 4.6, wl.Value().Data[0], 1e-5)
}

func TestFederalLedgers(t *testing.T) {
	lc, _ := comm.Pair(nil, nil)
	fm := newFederal(t, types.RoleLeader, lc)
	ctx := context.Background()

	v := graph.Const(graph.Scalar(1))
	require.NoError(t, fm.Send(ctx, "a", v, true, types.ModeTrain, "ctr"))
	require.NoError(t, fm.Send(ctx, "b", v, false, types.ModeTrain, "ctr"))
	_, err := fm.Recv(types.WithVarScope(ctx, "deep"), "c", graph.Float32, true, "ctr")
	require.NoError(t, err)

	sends := fm.SendRecords("ctr")
	require.Len(t, sends, 1)
	assert.Equal(t, "a", sends[0].Name)
	require.NotNil(t, sends[0].PendingGrad)

	recvs := fm.RecvRecords("ctr")
	require.Len(t, recvs, 1)
	assert.Equal(t, "c", recvs[0].Name)
	assert.Equal(t, "deep", recvs[0].Scope)
}
