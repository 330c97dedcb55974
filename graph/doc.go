// Package graph provides the small dataflow layer the training core is
// expressed in: tensors, symbolic nodes, variables, and optimizers.
//
// Nodes are built once, during the single-threaded compile phase, and the
// resulting graph is frozen: execution only reads it. Within one session
// step every node is evaluated at most once (per-step memoization), which
// is what turns shared subexpressions and control dependencies into the
// ordering guarantees the training core relies on.
//
// The automatic-differentiation backend is abstracted behind the Engine
// interface. Tape is the bundled reference implementation: a reverse-mode
// pass over the node kinds defined here that builds gradient nodes, so
// externally supplied upstream gradients (for example values received from
// a peer) flow through at execution time rather than graph-build time.
package graph
