// Package progress provides the run event primitives, a non-blocking hub and
// the emitter interface used by the dispatcher and workers to report harvest
// progress. Events are batched on a background goroutine and fanned out to
// pluggable sinks such as logs, Prometheus collectors or a message topic.
package progress
