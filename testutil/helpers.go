// Package testutil provides shared test helpers and assertions.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedflow/fedflow/graph"
)

// TestContext returns a context cancelled when the test ends, bounded at
// 30 seconds so a stuck exchange fails instead of hanging the run.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertTensorEqual checks shape equality and elementwise closeness.
func AssertTensorEqual(t *testing.T, expected, actual graph.Tensor, delta float64) {
	t.Helper()
	require.Equal(t, expected.Shape, actual.Shape, "tensor shapes differ")
	require.Len(t, actual.Data, len(expected.Data))
	for i := range expected.Data {
		assert.InDelta(t, expected.Data[i], actual.Data[i], delta, "element %d", i)
	}
}

// AssertEventuallyTrue polls condition until it holds or timeout elapses.
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
