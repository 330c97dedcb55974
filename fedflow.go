// Package fedflow provides a top-level convenience entry point for
// creating a federated model with minimal boilerplate.
//
// Usage:
//
//	import "github.com/fedflow/fedflow"
//
//	leader, follower := comm.Pair(logger, nil)
//	fm, err := fedflow.New(fedflow.WithRole(types.RoleLeader), fedflow.WithCommunicator(leader))
//
// This is a thin wrapper around [model.NewFederalModel] with sensible
// defaults for the engine and the session. Use the model package directly
// when you need to share a session or collector across models.
package fedflow

import (
	"go.uber.org/zap"

	"github.com/fedflow/fedflow/comm"
	"github.com/fedflow/fedflow/config"
	"github.com/fedflow/fedflow/graph"
	"github.com/fedflow/fedflow/internal/metrics"
	"github.com/fedflow/fedflow/model"
	"github.com/fedflow/fedflow/session"
	"github.com/fedflow/fedflow/types"
)

// Version of the fedflow module.
const Version = "0.1.0"

type setup struct {
	federal   config.FederalConfig
	comm      comm.Communicator
	engine    graph.Engine
	sess      *session.Session
	logger    *zap.Logger
	collector *metrics.Collector
}

// Option configures the model created by [New].
type Option func(*setup)

// WithRole sets this party's role. Required.
func WithRole(role types.Role) Option {
	return func(s *setup) { s.federal.Role = role }
}

// WithFederalConfig sets the full federal section at once.
func WithFederalConfig(cfg config.FederalConfig) Option {
	return func(s *setup) { s.federal = cfg }
}

// WithCommunicator sets the peer transport. Required.
func WithCommunicator(c comm.Communicator) Option {
	return func(s *setup) { s.comm = c }
}

// WithEngine overrides the default reverse-mode engine.
func WithEngine(e graph.Engine) Option {
	return func(s *setup) { s.engine = e }
}

// WithSession binds the model to an existing session.
func WithSession(sess *session.Session) Option {
	return func(s *setup) { s.sess = sess }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *setup) { s.logger = logger }
}

// WithCollector attaches a metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(s *setup) { s.collector = c }
}

// New creates a [model.FederalModel] with minimal configuration. At
// minimum a valid role and a communicator must be given.
func New(opts ...Option) (*model.FederalModel, error) {
	s := &setup{engine: graph.NewTape(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.sess == nil {
		s.sess = session.New(s.logger, s.collector)
	}
	return model.NewFederalModel(s.federal, s.comm, s.engine, s.sess, s.logger, s.collector)
}
