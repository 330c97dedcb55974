package graph

import (
	"sort"

	"github.com/fedflow/fedflow/types"
)

// Tape is the bundled reverse-mode differentiation engine. It walks the
// symbolic graph backward from each loss source and builds gradient nodes,
// so upstream gradients that are only known at execution time (peer
// receives) participate through ordinary node evaluation.
type Tape struct{}

// NewTape creates a reference engine.
func NewTape() *Tape {
	return &Tape{}
}

var _ Engine = (*Tape)(nil)

// Gradients implements Engine.
func (t *Tape) Gradients(losses []*Node, targets []*Node, upstream []*Node) ([]*Node, error) {
	if len(upstream) != len(losses) {
		return nil, types.Errorf(types.ErrGradientStructure,
			"%d losses paired with %d upstream gradients", len(losses), len(upstream))
	}

	adj := make(map[*Node]*Node)
	accumulate := func(n, g *Node) {
		if prev, ok := adj[n]; ok {
			adj[n] = Add(prev, g)
		} else {
			adj[n] = g
		}
	}

	reach := make(map[*Node]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if reach[n] {
			return
		}
		reach[n] = true
		for _, in := range n.inputs {
			visit(in)
		}
	}

	for i, loss := range losses {
		if loss == nil {
			continue
		}
		seed := upstream[i]
		if seed == nil {
			seed = OnesLike(loss)
		}
		accumulate(loss, seed)
		visit(loss)
	}

	// Creation order is a topological order: inputs always predate their
	// consumers. Walking ids downward is a valid reverse pass.
	order := make([]*Node, 0, len(reach))
	for n := range reach {
		order = append(order, n)
	}
	sort.Slice(order, func(i, j int) bool { return order[i].id > order[j].id })

	for _, n := range order {
		g, ok := adj[n]
		if !ok {
			continue
		}
		switch n.kind {
		case KindAdd:
			accumulate(n.inputs[0], g)
			accumulate(n.inputs[1], g)
		case KindSub:
			accumulate(n.inputs[0], g)
			accumulate(n.inputs[1], Scale(g, -1))
		case KindMul:
			accumulate(n.inputs[0], Mul(g, n.inputs[1]))
			accumulate(n.inputs[1], Mul(g, n.inputs[0]))
		case KindScale:
			accumulate(n.inputs[0], Scale(g, n.alpha))
		case KindSquare:
			accumulate(n.inputs[0], Mul(g, Scale(n.inputs[0], 2)))
		case KindSum:
			accumulate(n.inputs[0], spread(g, n.inputs[0], false))
		case KindMean:
			accumulate(n.inputs[0], spread(g, n.inputs[0], true))
		case KindSpread:
			// The filled scalar fans out over the reference shape; its
			// gradient gathers back. The shape reference gets none.
			if n.divide {
				accumulate(n.inputs[0], Mean(g))
			} else {
				accumulate(n.inputs[0], Sum(g))
			}
		case KindIdent:
			accumulate(n.inputs[0], g)
		case KindConst, KindVar, KindSource, KindEffect, KindOpaque:
			// Gradient boundaries: adjoints stop here.
		}
	}

	out := make([]*Node, len(targets))
	for i, target := range targets {
		if target == nil {
			continue
		}
		out[i] = adj[target]
	}
	return out, nil
}
