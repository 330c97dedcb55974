package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalT(t *testing.T, n *Node, epoch uint64) Tensor {
	t.Helper()
	v, err := n.Eval(context.Background(), epoch)
	require.NoError(t, err)
	return v
}

func TestEval_Arithmetic(t *testing.T) {
	a, _ := FromSlice([]float32{1, 2, 3}, 3)
	b, _ := FromSlice([]float32{4, 5, 6}, 3)

	sum := Add(Const(a), Const(b))
	assert.Equal(t, []float32{5, 7, 9}, evalT(t, sum, 1).Data)

	sq := Square(Const(a))
	assert.Equal(t, []float32{1, 4, 9}, evalT(t, sq, 1).Data)

	m := Mean(Const(b))
	assert.Equal(t, float32(5), evalT(t, m, 1).Data[0])
}

func TestEval_MemoizedPerEpoch(t *testing.T) {
	runs := 0
	src := NewSource("counter", func(ctx context.Context) (Tensor, error) {
		runs++
		return Scalar(float32(runs)), nil
	})
	// Two consumers share one source.
	total := Add(src, src)

	assert.Equal(t, float32(2), evalT(t, total, 1).Data[0])
	assert.Equal(t, 1, runs, "source must run once per epoch")

	assert.Equal(t, float32(4), evalT(t, total, 2).Data[0])
	assert.Equal(t, 2, runs, "a new epoch re-runs the source")
}

func TestSequence_OrdersPreStepOpsFirst(t *testing.T) {
	var order []string
	pre := NewEffect("materialize", nil, func(ctx context.Context, in []Tensor) (Tensor, error) {
		order = append(order, "pre")
		return Tensor{}, nil
	})
	loss := NewSource("loss", func(ctx context.Context) (Tensor, error) {
		order = append(order, "loss")
		return Scalar(1), nil
	})

	seq := Sequence([]*Node{pre}, loss)
	evalT(t, seq, 1)
	assert.Equal(t, []string{"pre", "loss"}, order)
}

func TestSequence_EmptyPreReturnsSameNode(t *testing.T) {
	n := Const(Scalar(1))
	assert.Same(t, n, Sequence(nil, n))
}

func TestGroup_EvaluatesAllDeps(t *testing.T) {
	var ran []string
	mk := func(name string) *Node {
		return NewEffect(name, nil, func(ctx context.Context, in []Tensor) (Tensor, error) {
			ran = append(ran, name)
			return Tensor{}, nil
		})
	}
	g := Group("train_op", mk("a"), mk("b"))
	evalT(t, g, 1)
	assert.ElementsMatch(t, []string{"a", "b"}, ran)
}

func TestVariableRead_IsCanonical(t *testing.T) {
	v := NewVariable("w", Fill(1, 2))
	assert.Same(t, v.Read(), v.Read())

	got := evalT(t, v.Read(), 1)
	assert.Equal(t, []float32{1, 1}, got.Data)

	// A new epoch observes mutation.
	v.Set(Fill(3, 2))
	assert.Equal(t, []float32{3, 3}, evalT(t, v.Read(), 2).Data)
}

func TestBroadcastAndLikes(t *testing.T) {
	ref, _ := FromSlice([]float32{9, 9, 9}, 3)
	ones := OnesLike(Const(ref))
	assert.Equal(t, []float32{1, 1, 1}, evalT(t, ones, 1).Data)

	zeros := ZerosLikeNode(Const(ref))
	assert.Equal(t, []float32{0, 0, 0}, evalT(t, zeros, 1).Data)

	b := Broadcast(Const(Scalar(4)), Const(ref))
	assert.Equal(t, []float32{4, 4, 4}, evalT(t, b, 1).Data)
}

func TestVarSet(t *testing.T) {
	s := NewVarSet()
	w, err := s.New("w", "dense", Fill(0, 2))
	require.NoError(t, err)
	_, err = s.New("b", "dense", Scalar(0))
	require.NoError(t, err)
	_, err = s.New("e", "sparse", Fill(0, 4))
	require.NoError(t, err)

	_, err = s.New("w", "dense", Fill(0, 2))
	require.Error(t, err, "duplicate variable names are rejected")

	assert.Len(t, s.All(), 3)
	assert.Len(t, s.InScope("dense"), 2)
	got, ok := s.Get("w")
	require.True(t, ok)
	assert.Same(t, w, got)
}
