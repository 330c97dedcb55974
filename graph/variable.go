package graph

import (
	"sync"

	"github.com/fedflow/fedflow/types"
)

// Variable is a named, mutable tensor owned by one party. Variables are
// created before compile; only optimizer apply steps mutate them afterward.
type Variable struct {
	name  string
	scope string

	mu    sync.RWMutex
	value Tensor
	read  *Node
}

// NewVariable creates a variable with an initial value.
func NewVariable(name string, init Tensor) *Variable {
	return &Variable{name: name, value: init.Clone()}
}

// InScope tags the variable with a variable scope and returns it. The scope
// is the stable identifier optimizer bindings and received values are
// matched on.
func (v *Variable) InScope(scope string) *Variable {
	v.scope = scope
	return v
}

// Name returns the variable name.
func (v *Variable) Name() string { return v.name }

// Scope returns the variable scope the variable was created under.
func (v *Variable) Scope() string { return v.scope }

// Value returns a copy of the current value.
func (v *Variable) Value() Tensor {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value.Clone()
}

// Set replaces the current value.
func (v *Variable) Set(t Tensor) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.value = t.Clone()
}

// Read returns the variable's canonical read node. All reads of a variable
// share one node so gradient accumulation lands in one place.
func (v *Variable) Read() *Node {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.read == nil {
		n := newNode(KindVar, v.name)
		n.variable = v
		v.read = n
	}
	return v.read
}

// applyDelta subtracts delta from the value in place.
func (v *Variable) applyDelta(delta Tensor) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.value.SameShape(delta) {
		return types.Errorf(types.ErrShapeMismatch,
			"gradient shape %v does not match variable %q shape %v",
			delta.Shape, v.name, v.value.Shape)
	}
	for i := range v.value.Data {
		v.value.Data[i] -= delta.Data[i]
	}
	return nil
}

// VarSet is a registry of variables, usually one per model.
type VarSet struct {
	mu     sync.RWMutex
	order  []*Variable
	byName map[string]*Variable
}

// NewVarSet creates an empty variable registry.
func NewVarSet() *VarSet {
	return &VarSet{byName: make(map[string]*Variable)}
}

// New creates and registers a variable in one call.
func (s *VarSet) New(name, scope string, init Tensor) (*Variable, error) {
	v := NewVariable(name, init).InScope(scope)
	if err := s.Add(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Add registers a variable; duplicate names are rejected.
func (s *VarSet) Add(v *Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[v.Name()]; ok {
		return types.Errorf(types.ErrDuplicateKey, "variable %q already registered", v.Name())
	}
	s.byName[v.Name()] = v
	s.order = append(s.order, v)
	return nil
}

// Get looks a variable up by name.
func (s *VarSet) Get(name string) (*Variable, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.byName[name]
	return v, ok
}

// All returns every registered variable in registration order.
func (s *VarSet) All() []*Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Variable{}, s.order...)
}

// InScope returns the registered variables carrying the given scope, in
// registration order.
func (s *VarSet) InScope(scope string) []*Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Variable
	for _, v := range s.order {
		if v.Scope() == scope {
			out = append(out, v)
		}
	}
	return out
}
