package config

import "time"

// DefaultConfig returns the default configuration. The optimizer defaults
// match the protocol's historical behavior: mean reduction and the noise
// aggregation backend.
func DefaultConfig() *Config {
	return &Config{
		Federal:   DefaultFederalConfig(),
		Optimize:  DefaultOptimizeConfig(),
		Sync:      SyncConfig{},
		Transport: DefaultTransportConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultFederalConfig returns the default party configuration.
func DefaultFederalConfig() FederalConfig {
	return FederalConfig{
		WorkerIndex: 0,
		WorkerNum:   1,
	}
}

// DefaultOptimizeConfig returns the default optimization configuration.
func DefaultOptimizeConfig() OptimizeConfig {
	return OptimizeConfig{
		Reduction: ReduceMean,
		Backend:   BackendNoise,
	}
}

// DefaultTransportConfig returns the default transport configuration.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:       30 * time.Second,
		DialRetryInterval: time.Second,
		RecvTimeout:       0, // block until the peer answers
		HeartbeatInterval: 30 * time.Second,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "console",
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:     false,
		ServiceName: "fedflow",
		SampleRate:  1.0,
	}
}
