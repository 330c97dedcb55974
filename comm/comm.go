package comm

import (
	"context"
	"sync"

	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/session"
	"github.com/fedflow/fedflow/types"
)

// Message direction labels for metrics.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Communicator is the cross-party channel consumed by the federated model.
// Send and Recv address named channels; within one name, tensors arrive in
// the order they were sent. The hook must run once per executed step.
type Communicator interface {
	// Role returns the fixed role this endpoint plays.
	Role() types.Role

	// Send transmits t on the named channel.
	Send(ctx context.Context, name string, t graph.Tensor) error

	// Recv blocks until a tensor arrives on the named channel.
	Recv(ctx context.Context, name string, dt graph.DType) (graph.Tensor, error)

	// Hook returns the per-step lifecycle hook driving the transport.
	Hook() session.Hook

	// Close tears the channel down; pending receives fail.
	Close() error
}

// mailbox holds per-name FIFO queues of received tensors.
type mailbox struct {
	mu     sync.Mutex
	queues map[string]chan graph.Tensor
	closed chan struct{}
	once   sync.Once
}

const mailboxDepth = 1024

func newMailbox() *mailbox {
	return &mailbox{
		queues: make(map[string]chan graph.Tensor),
		closed: make(chan struct{}),
	}
}

func (m *mailbox) queue(name string) chan graph.Tensor {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = make(chan graph.Tensor, mailboxDepth)
		m.queues[name] = q
	}
	return q
}

func (m *mailbox) put(ctx context.Context, name string, t graph.Tensor) error {
	select {
	case m.queue(name) <- t:
		return nil
	case <-m.closed:
		return types.NewError(types.ErrCommClosed, "communicator closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mailbox) take(ctx context.Context, name string) (graph.Tensor, error) {
	select {
	case t := <-m.queue(name):
		return t, nil
	case <-m.closed:
		// Drain anything that raced with the close.
		select {
		case t := <-m.queue(name):
			return t, nil
		default:
		}
		return graph.Tensor{}, types.Errorf(types.ErrCommClosed,
			"communicator closed while receiving %q", name)
	case <-ctx.Done():
		return graph.Tensor{}, ctx.Err()
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.closed) })
}

func (m *mailbox) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
