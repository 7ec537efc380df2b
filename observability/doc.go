// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the agent.
//
// Metrics live on a private registry so several agents, or tests, can run
// in one process without colliding on the default registry.
package observability
