package comm

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/internal/metrics"
	"github.com/fedflow/fedflow/session"
	"github.com/fedflow/fedflow/types"
)

// MemComm is one endpoint of an in-process communicator pair. It is the
// transport used by tests and single-process two-party runs.
type MemComm struct {
	role      types.Role
	inbox     *mailbox
	peerInbox *mailbox
	logger    *zap.Logger
	collector *metrics.Collector
	steps     atomic.Int64
}

var _ Communicator = (*MemComm)(nil)

// Pair creates a connected leader/follower endpoint pair. logger and
// collector may be nil.
func Pair(logger *zap.Logger, collector *metrics.Collector) (leader, follower *MemComm) {
	if logger == nil {
		logger = zap.NewNop()
	}
	leaderInbox, followerInbox := newMailbox(), newMailbox()
	leader = &MemComm{
		role:      types.RoleLeader,
		inbox:     leaderInbox,
		peerInbox: followerInbox,
		logger:    logger.With(zap.String("component", "mem_comm"), zap.String("role", "leader")),
		collector: collector,
	}
	follower = &MemComm{
		role:      types.RoleFollower,
		inbox:     followerInbox,
		peerInbox: leaderInbox,
		logger:    logger.With(zap.String("component", "mem_comm"), zap.String("role", "follower")),
		collector: collector,
	}
	return leader, follower
}

// Role implements Communicator.
func (c *MemComm) Role() types.Role { return c.role }

// Send implements Communicator.
func (c *MemComm) Send(ctx context.Context, name string, t graph.Tensor) error {
	if c.inbox.isClosed() {
		return types.NewError(types.ErrCommClosed, "communicator closed")
	}
	if err := c.peerInbox.put(ctx, name, t.Clone()); err != nil {
		return err
	}
	c.collector.RecordMessage(DirectionSent, 4*t.Size())
	return nil
}

// Recv implements Communicator.
func (c *MemComm) Recv(ctx context.Context, name string, dt graph.DType) (graph.Tensor, error) {
	t, err := c.inbox.take(ctx, name)
	if err != nil {
		return graph.Tensor{}, err
	}
	c.collector.RecordMessage(DirectionReceived, 4*t.Size())
	return t, nil
}

// Hook implements Communicator. The in-memory transport needs no pumping;
// the hook guards against stepping a closed pair and counts steps.
func (c *MemComm) Hook() session.Hook {
	return session.HookFuncs{
		Before: func(ctx context.Context) error {
			if c.inbox.isClosed() {
				return types.NewError(types.ErrCommClosed, "communicator closed")
			}
			return nil
		},
		After: func(ctx context.Context) error {
			c.steps.Add(1)
			return nil
		},
	}
}

// Steps returns how many steps the hook has observed.
func (c *MemComm) Steps() int64 { return c.steps.Load() }

// Close implements Communicator. Closing either endpoint fails pending
// receives on both sides.
func (c *MemComm) Close() error {
	c.inbox.close()
	c.peerInbox.close()
	return nil
}
