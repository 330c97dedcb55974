package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTaskScope contextKey = "task_scope"
	keyRole      contextKey = "role"
	keyVarScope  contextKey = "var_scope"
)

// WithTaskScope adds the task scope to context.
func WithTaskScope(ctx context.Context, scope TaskScope) context.Context {
	return context.WithValue(ctx, keyTaskScope, scope)
}

// TaskScopeFrom extracts the task scope from context.
func TaskScopeFrom(ctx context.Context) (TaskScope, bool) {
	v, ok := ctx.Value(keyTaskScope).(TaskScope)
	return v, ok
}

// WithRole adds the federated role to context.
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, keyRole, role)
}

// RoleFrom extracts the federated role from context.
func RoleFrom(ctx context.Context) (Role, bool) {
	v, ok := ctx.Value(keyRole).(Role)
	return v, ok && v != ""
}

// WithVarScope adds the current variable scope to context. Received values
// registered under a variable scope are later matched against the optimizer
// binding responsible for that scope.
func WithVarScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, keyVarScope, scope)
}

// VarScopeFrom extracts the current variable scope from context.
func VarScopeFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyVarScope).(string)
	return v, ok && v != ""
}
