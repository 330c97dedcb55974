package graph

// Engine is the differentiation backend consumed by the training core.
//
// Gradients computes, for every target, the gradient of the combined loss
// sources with respect to it, applying the joint chain rule over all
// sources in one pass. losses and upstream must have equal length; a nil
// upstream entry means "seed with ones" (the usual gradient of a scalar
// loss with respect to itself), while a non-nil entry substitutes an
// externally supplied upstream gradient, such as one received from a peer.
//
// The result is aligned with targets. A nil element means the target does
// not influence any loss source; callers decide whether that is legitimate
// (a variable outside the subgraph) or a wiring bug.
type Engine interface {
	Gradients(losses []*Node, targets []*Node, upstream []*Node) ([]*Node, error)
}
