// Package model is the training core: it compiles per-task registries of
// input, loss, optimizer, and evaluation functions into executable train
// and eval ops, and, in the federated variant, pairs boundary-value sends
// with gradient replies so that backpropagation crosses party boundaries.
//
// A Model is built single-threaded, compiled exactly once per (mode, task)
// scope, and frozen afterwards; registration after compilation fails.
package model
