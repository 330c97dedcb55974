// Package config provides unified configuration loading for the framework:
// defaults, then a YAML file, then environment-variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("FEDFLOW").
//	    Load()
package config

import (
	"time"

	"github.com/fedflow/fedflow/types"
)

// Reduction strategies for multi-element losses.
const (
	ReduceMean = "mean"
	ReduceSum  = "sum"
)

// Aggregation backends for combining gradients from multiple loss sources.
const (
	BackendNoise  = "noise"
	BackendDirect = "direct"
)

// Config is the complete configuration of a training party.
type Config struct {
	// Federal identifies this party and its peer.
	Federal FederalConfig `yaml:"federal" env:"FEDERAL"`

	// Optimize controls loss reduction and gradient aggregation.
	Optimize OptimizeConfig `yaml:"optimize" env:"OPTIMIZE"`

	// Sync configures synchronous-replica gradient aggregation.
	Sync SyncConfig `yaml:"sync" env:"SYNC"`

	// Transport configures the wire communicator.
	Transport TransportConfig `yaml:"transport" env:"TRANSPORT"`

	// Log configures logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// FederalConfig describes this party's role and addressing.
type FederalConfig struct {
	// Role is "leader" or "follower".
	Role types.Role `yaml:"role" env:"ROLE"`
	// PeerAddr is the peer's network address.
	PeerAddr string `yaml:"peer_addr" env:"PEER_ADDR"`
	// LocalAddr is the address this party listens on.
	LocalAddr string `yaml:"local_addr" env:"LOCAL_ADDR"`
	// WorkerIndex is this worker's index within its party.
	WorkerIndex int `yaml:"worker_index" env:"WORKER_INDEX"`
	// WorkerNum is the number of workers in this party.
	WorkerNum int `yaml:"worker_num" env:"WORKER_NUM"`
}

// OptimizeConfig controls how losses are reduced and how multi-source
// gradients are aggregated before crossing the network boundary.
type OptimizeConfig struct {
	// Reduction is "mean", "sum", or "custom" (set CustomReduce).
	Reduction string `yaml:"reduction" env:"REDUCTION"`
	// Backend is "noise" or "direct".
	Backend string `yaml:"backend" env:"BACKEND"`
	// NoiseStddev is the per-source Gaussian noise stddev for
	// noise-capable optimizers; 0 disables noise injection.
	NoiseStddev float64 `yaml:"noise_stddev" env:"NOISE_STDDEV"`
	// NoiseSeed seeds the noise source; 0 picks a nondeterministic seed.
	NoiseSeed int64 `yaml:"noise_seed" env:"NOISE_SEED"`
	// StrictGradients surfaces variables that receive no gradient from
	// any source as warnings instead of silently coalescing.
	StrictGradients bool `yaml:"strict_gradients" env:"STRICT_GRADIENTS"`

	// CustomReduce is a programmatic reduction; it wins over Reduction
	// when set. Not representable in YAML.
	CustomReduce any `yaml:"-" env:"-"`
}

// SyncConfig configures the synchronous-replica optimizer wrapper.
// ReplicasToAggregate <= 0 disables wrapping.
type SyncConfig struct {
	ReplicasToAggregate int `yaml:"replicas_to_aggregate" env:"REPLICAS_TO_AGGREGATE"`
	TotalNumReplicas    int `yaml:"total_num_replicas" env:"TOTAL_NUM_REPLICAS"`
}

// Enabled reports whether sync aggregation is requested.
func (c SyncConfig) Enabled() bool {
	return c.ReplicasToAggregate > 0
}

// TransportConfig configures the wire communicator.
type TransportConfig struct {
	// DialTimeout bounds connecting to the peer.
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	// DialRetryInterval is the pause between connect attempts.
	DialRetryInterval time.Duration `yaml:"dial_retry_interval" env:"DIAL_RETRY_INTERVAL"`
	// RecvTimeout bounds a single receive; 0 blocks until the peer
	// answers or the context is cancelled.
	RecvTimeout time.Duration `yaml:"recv_timeout" env:"RECV_TIMEOUT"`
	// HeartbeatInterval paces keepalive pings.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// EnableCaller annotates entries with the call site.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}
