package model

import (
	"context"

	"go.uber.org/zap"

	"github.com/fedflow/fedflow/comm"
	"github.com/fedflow/fedflow/config"
	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/internal/metrics"
	"github.com/fedflow/fedflow/session"
	"github.com/fedflow/fedflow/types"
)

// SendRecord tracks one boundary value sent to the peer with a gradient
// demanded back. PendingGrad is the recv node for the paired reply
// channel; minimize uses it as the upstream gradient of Value.
type SendRecord struct {
	Name        string
	Value       *graph.Node
	PendingGrad *graph.Node
}

// RecvRecord tracks one boundary value received from the peer with a
// gradient owed back. Scope is the variable scope active at registration;
// bindings match it to decide which of them answers.
type RecvRecord struct {
	Name  string
	Scope string
	Value *graph.Node
}

// FederalModel extends Model with the cross-party exchange: sends append
// transfer ops, require-grad channels are paired with `<name>_grad`
// replies, and minimize routes received upstream gradients into both the
// local update and the replies owed to the peer.
type FederalModel struct {
	*Model

	role   types.Role
	comm   comm.Communicator
	engine graph.Engine

	// Exchange ledgers, per task, frozen at compile time.
	sendRecords map[string][]SendRecord
	recvRecords map[string][]RecvRecord
	claimed     map[*graph.Node]bool
	channels    map[string]map[string]struct{}
}

// NewFederalModel returns a federated model speaking through c. The
// configured role must be valid; the communicator's liveness hook is
// registered with the session.
func NewFederalModel(cfg config.FederalConfig, c comm.Communicator, engine graph.Engine,
	sess *session.Session, logger *zap.Logger, collector *metrics.Collector) (*FederalModel, error) {
	if !cfg.Role.Valid() {
		return nil, types.Errorf(types.ErrInvalidRole,
			"role %q is neither leader nor follower", cfg.Role)
	}
	fm := &FederalModel{
		Model:       New(sess, logger, collector),
		role:        cfg.Role,
		comm:        c,
		engine:      engine,
		sendRecords: make(map[string][]SendRecord),
		recvRecords: make(map[string][]RecvRecord),
		claimed:     make(map[*graph.Node]bool),
		channels:    make(map[string]map[string]struct{}),
	}
	fm.Model.logger = fm.Model.logger.With(zap.String("role", string(cfg.Role)))
	fm.Model.minimize = fm.federalMinimize
	fm.Model.finalize = fm.finalizeTask
	sess.AddHook(c.Hook())
	return fm, nil
}

// Role returns this party's role.
func (fm *FederalModel) Role() types.Role { return fm.role }

// SendRecords returns the task's send ledger.
func (fm *FederalModel) SendRecords(task string) []SendRecord {
	return fm.sendRecords[task]
}

// RecvRecords returns the task's recv ledger.
func (fm *FederalModel) RecvRecords(task string) []RecvRecord {
	return fm.recvRecords[task]
}

// claimChannel reserves (task, name); a channel name is usable once per
// task.
func (fm *FederalModel) claimChannel(task, name string) error {
	names := fm.channels[task]
	if names == nil {
		names = make(map[string]struct{})
		fm.channels[task] = names
	}
	if _, dup := names[name]; dup {
		return types.Errorf(types.ErrDuplicateChannel,
			"channel %q already in use", name).WithTask(task)
	}
	names[name] = struct{}{}
	return nil
}

// Send registers a boundary value transfer to the peer under name. The
// transfer op joins the (mode, task) scope's op list. With requireGrad the
// paired `<name>_grad` channel is immediately reserved and its recv node
// recorded as the value's pending upstream gradient.
func (fm *FederalModel) Send(ctx context.Context, name string, value *graph.Node,
	requireGrad bool, mode types.Mode, task string) error {
	if err := fm.checkMutable("send channel", task); err != nil {
		return err
	}
	if err := fm.claimChannel(task, name); err != nil {
		return err
	}

	scope := types.TaskScope{Mode: mode, Task: task}
	op := fm.sendOp(name, value, false)
	if mode == types.ModeEval {
		fm.AddEvalOp(scope, op)
	} else {
		fm.AddTrainOp(scope, op)
	}

	if requireGrad {
		gradName := name + "_grad"
		if err := fm.claimChannel(task, gradName); err != nil {
			return err
		}
		fm.sendRecords[task] = append(fm.sendRecords[task], SendRecord{
			Name:        name,
			Value:       value,
			PendingGrad: fm.recvNode(gradName, graph.Float32),
		})
	}

	fm.logger.Debug("registered send channel",
		zap.String("task", task), zap.String("name", name),
		zap.Bool("require_grad", requireGrad))
	return nil
}

// Recv registers a boundary value arriving from the peer under name and
// returns its node. With requireGrad this party owes the peer exactly one
// gradient on `<name>_grad` per step; the active variable scope (threaded
// through ctx) decides which optimizer binding answers.
func (fm *FederalModel) Recv(ctx context.Context, name string, dt graph.DType,
	requireGrad bool, task string) (*graph.Node, error) {
	if err := fm.checkMutable("recv channel", task); err != nil {
		return nil, err
	}
	if err := fm.claimChannel(task, name); err != nil {
		return nil, err
	}

	n := fm.recvNode(name, dt)
	if requireGrad {
		if err := fm.claimChannel(task, name+"_grad"); err != nil {
			return nil, err
		}
		varScope, _ := types.VarScopeFrom(ctx)
		fm.recvRecords[task] = append(fm.recvRecords[task], RecvRecord{
			Name:  name,
			Scope: varScope,
			Value: n,
		})
	}

	fm.logger.Debug("registered recv channel",
		zap.String("task", task), zap.String("name", name),
		zap.Bool("require_grad", requireGrad))
	return n, nil
}

// sendOp builds the effect node that ships its input to the peer. zero
// marks a zero-filled gradient reply for the metrics collector.
func (fm *FederalModel) sendOp(name string, value *graph.Node, zero bool) *graph.Node {
	c, collector := fm.comm, fm.collector
	return graph.NewEffect("send/"+name, []*graph.Node{value},
		func(ctx context.Context, in []graph.Tensor) (graph.Tensor, error) {
			if zero {
				collector.RecordZeroGradReply()
			}
			return graph.Tensor{}, c.Send(ctx, name, in[0])
		})
}

// recvNode builds the source node that blocks on the peer's value.
func (fm *FederalModel) recvNode(name string, dt graph.DType) *graph.Node {
	c := fm.comm
	return graph.NewSource("recv/"+name,
		func(ctx context.Context) (graph.Tensor, error) {
			return c.Recv(ctx, name, dt)
		})
}

// finalizeTask answers every require-grad recv record no binding claimed
// with a zero-filled gradient, keeping the one-reply-per-channel promise
// regardless of binding coverage.
func (fm *FederalModel) finalizeTask(ctx context.Context, task string) ([]*graph.Node, error) {
	var ops []*graph.Node
	for _, r := range fm.recvRecords[task] {
		if fm.claimed[r.Value] {
			continue
		}
		fm.claimed[r.Value] = true
		fm.logger.Warn("recv channel unclaimed by any binding, replying zeros",
			zap.String("task", task), zap.String("name", r.Name))
		ops = append(ops, fm.sendOp(r.Name+"_grad", graph.ZerosLikeNode(r.Value), true))
	}
	return ops, nil
}
