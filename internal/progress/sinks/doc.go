// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and a message-topic publisher. Each satisfies progress.Sink.
package sinks
