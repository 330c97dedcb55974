// Package telemetry wraps OpenTelemetry SDK initialization for the
// training runtime. When telemetry is disabled, no exporters are created
// and the global providers stay noop.
package telemetry
