// Package session owns the run-time side of a compiled model: the training
// session with its explicit global step counter and hook registry, and the
// resumable stage runner the outer training procedure is written against.
//
// There is deliberately no ambient state here. The session is constructed
// once, handed by reference to whatever needs it, and torn down by the
// caller.
package session
