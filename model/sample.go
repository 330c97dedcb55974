package model

import "github.com/fedflow/fedflow/graph"

// Sample is what an input function must produce. Its pre-step ops run
// strictly before the loss of the same step; a batch-advancing reader puts
// its dequeue op here.
type Sample interface {
	BeforeStepOps() []*graph.Node
}

// TensorSample is the stock Sample: a named bag of feature nodes plus the
// ops that advance the underlying reader.
type TensorSample struct {
	features map[string]*graph.Node
	pre      []*graph.Node
}

// NewTensorSample returns an empty sample.
func NewTensorSample() *TensorSample {
	return &TensorSample{features: make(map[string]*graph.Node)}
}

// Put stores a feature node under name, replacing any previous one.
func (s *TensorSample) Put(name string, n *graph.Node) *TensorSample {
	s.features[name] = n
	return s
}

// Get returns the feature node under name, or nil.
func (s *TensorSample) Get(name string) *graph.Node {
	return s.features[name]
}

// OnBeforeStep appends ops that must run before each step's loss.
func (s *TensorSample) OnBeforeStep(ops ...*graph.Node) *TensorSample {
	s.pre = append(s.pre, ops...)
	return s
}

// BeforeStepOps implements Sample.
func (s *TensorSample) BeforeStepOps() []*graph.Node {
	return s.pre
}
