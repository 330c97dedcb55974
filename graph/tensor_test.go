package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedflow/fedflow/types"
)

func TestFromSlice(t *testing.T) {
	x, err := FromSlice([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, x.Shape)
	assert.Equal(t, 4, x.Size())

	_, err = FromSlice([]float32{1, 2, 3}, 2, 2)
	require.Error(t, err)
	assert.Equal(t, types.ErrShapeMismatch, types.GetErrorCode(err))
}

func TestElementwiseOps(t *testing.T) {
	a, _ := FromSlice([]float32{1, 2, 3}, 3)
	b, _ := FromSlice([]float32{4, 5, 6}, 3)

	sum, err := AddTensors(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 7, 9}, sum.Data)

	diff, err := SubTensors(b, a)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3, 3}, diff.Data)

	prod, err := MulTensors(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 10, 18}, prod.Data)

	_, err = AddTensors(a, Scalar(1))
	require.Error(t, err)
	assert.Equal(t, types.ErrShapeMismatch, types.GetErrorCode(err))
}

func TestReductions(t *testing.T) {
	a, _ := FromSlice([]float32{1, 2, 3, 6}, 4)
	assert.Equal(t, float32(12), SumTensor(a).Data[0])
	assert.Equal(t, float32(3), MeanTensor(a).Data[0])
	assert.True(t, SumTensor(a).IsScalar())
}

func TestScaleAndFill(t *testing.T) {
	a, _ := FromSlice([]float32{1, -2}, 2)
	assert.Equal(t, []float32{0.5, -1}, ScaleTensor(a, 0.5).Data)

	f := Fill(7, 2, 2)
	assert.Equal(t, []float32{7, 7, 7, 7}, f.Data)
}

func TestCloneIsDeep(t *testing.T) {
	a, _ := FromSlice([]float32{1, 2}, 2)
	c := a.Clone()
	c.Data[0] = 99
	assert.Equal(t, float32(1), a.Data[0])
}
