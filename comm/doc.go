// Package comm provides the role-aware point-to-point channel the federated
// core exchanges tensors over.
//
// Two implementations ship with the framework: an in-memory pair for tests
// and single-process runs, and a WebSocket communicator for real two-party
// deployments. Both expose the same contract: named send/recv channels with
// per-name FIFO ordering, and a per-step lifecycle hook that must run once
// per training step.
//
// Liveness is this layer's problem, not the training core's: a peer that
// never answers stalls Recv until the context is cancelled or the
// configured receive timeout fires.
package comm
