// Package types defines the shared vocabulary of the framework: training
// modes, task scopes, party roles, the error taxonomy, and the context
// accessors used to thread scope information through compilation.
//
// Task scope and role are always passed explicitly via context.Context
// rather than looked up from process-wide state, so every component can be
// tested in isolation.
package types
