package model

import (
	"context"

	"github.com/fedflow/fedflow/config"
	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/types"
)

// federalMinimize builds the apply sub-op for one binding with the peer
// exchange woven in:
//
//  1. Loss sources: the reduced local loss seeded with ones, plus every
//     sent value paired with its pending peer gradient. A loss that was
//     itself sent contributes only through its pending gradient.
//  2. Gradients of all sources over the binding's recv values and
//     variables, per-source with optional noise, or jointly through the
//     engine on the direct backend.
//  3. One gradient reply per claimed recv record, zero-filled when the
//     source graph does not reach it.
//  4. Local gradients applied through the binding's optimizer.
func (fm *FederalModel) federalMinimize(ctx context.Context, task string, loss *graph.Node, b Binding, opts CompileOptions) (*graph.Node, error) {
	trainScope := types.TaskScope{Mode: types.ModeTrain, Task: task}
	losses, upstream := fm.assembleLossSources(task, loss, opts)

	recvs := fm.claimRecvRecords(task, b.VarScope)
	varReads := readNodes(b.Vars)
	targets := make([]*graph.Node, 0, len(recvs)+len(varReads))
	for _, r := range recvs {
		targets = append(targets, r.Value)
	}
	targets = append(targets, varReads...)

	grads, err := fm.sourceGradients(losses, targets, upstream, b, opts)
	if err != nil {
		// A binding skipped here still answers every record it claimed.
		for _, r := range recvs {
			fm.AddTrainOp(trainScope, fm.sendOp(r.Name+"_grad", graph.ZerosLikeNode(r.Value), true))
		}
		return fm.skipOrFail(task, b.Optimizer, err)
	}

	// Replies go into the scope's op list rather than the apply sub-op so
	// that a skipped binding still answers the peer.
	for i, r := range recvs {
		g := grads[i]
		zero := g == nil
		if zero {
			g = graph.ZerosLikeNode(r.Value)
		}
		fm.AddTrainOp(trainScope, fm.sendOp(r.Name+"_grad", g, zero))
	}

	local := grads[len(recvs):]
	kept, keptVars := dropUndefined(local, b.Vars, fm.strictWarner(task, opts))
	op, err := b.Optimizer.ApplyGradients(kept, keptVars)
	if err != nil {
		return fm.skipOrFail(task, b.Optimizer, err)
	}
	return op, nil
}

// sourceGradients differentiates every loss source over targets: per source
// with optional noise, accumulated through safeAdd, or in one joint engine
// pass on the direct backend.
func (fm *FederalModel) sourceGradients(losses, targets, upstream []*graph.Node, b Binding, opts CompileOptions) ([]*graph.Node, error) {
	if opts.Optimize.Backend == config.BackendDirect {
		// The engine coalesces per-source adjoints internally, the same
		// merge safeAdd performs on the per-source path.
		return fm.engine.Gradients(losses, targets, upstream)
	}

	noise := graph.NoiseConfig{
		Stddev: opts.Optimize.NoiseStddev,
		Seed:   opts.Optimize.NoiseSeed,
	}
	nc, noiseCapable := b.Optimizer.(graph.NoiseCapable)
	var grads []*graph.Node
	for i := range losses {
		var (
			g   []*graph.Node
			err error
		)
		if noiseCapable && noise.Enabled() {
			g, err = nc.ComputeGradientsNoised(losses[i], targets, upstream[i], noise)
		} else {
			g, err = b.Optimizer.ComputeGradients(losses[i], targets, upstream[i])
		}
		if err != nil {
			return nil, err
		}
		grads = safeAdd(grads, g)
	}
	return grads, nil
}

// assembleLossSources pairs each gradient source with its upstream seed.
// The reduced local loss carries a nil upstream (the ones seed) unless the
// loss node itself was sent, in which case its gradient arrives from the
// peer like any other sent value's.
func (fm *FederalModel) assembleLossSources(task string, loss *graph.Node, opts CompileOptions) (losses, upstream []*graph.Node) {
	sent := fm.sendRecords[task]
	lossWasSent := false
	for _, r := range sent {
		if r.Value == loss {
			lossWasSent = true
			break
		}
	}
	if !lossWasSent {
		losses = append(losses, fm.reduceLoss(loss, opts.Optimize))
		upstream = append(upstream, nil)
	}
	for _, r := range sent {
		losses = append(losses, r.Value)
		upstream = append(upstream, r.PendingGrad)
	}
	return losses, upstream
}

// claimRecvRecords hands the binding every not-yet-claimed recv record
// whose origin scope it matches. An empty binding scope matches all
// records; each record is answered by exactly one binding.
func (fm *FederalModel) claimRecvRecords(task, varScope string) []RecvRecord {
	var recvs []RecvRecord
	for _, r := range fm.recvRecords[task] {
		if fm.claimed[r.Value] {
			continue
		}
		if varScope != "" && r.Scope != varScope {
			continue
		}
		fm.claimed[r.Value] = true
		recvs = append(recvs, r)
	}
	return recvs
}

// safeAdd merges per-source gradient lists elementwise, coalescing nils:
// nil+g is g, g1+g2 is their sum node.
func safeAdd(acc, g []*graph.Node) []*graph.Node {
	if acc == nil {
		return append([]*graph.Node(nil), g...)
	}
	for i := range acc {
		switch {
		case acc[i] == nil:
			acc[i] = g[i]
		case g[i] == nil:
		default:
			acc[i] = graph.Add(acc[i], g[i])
		}
	}
	return acc
}
