// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that runs use to report their milestones. It batches events on a
// background goroutine and fans them out to pluggable sinks such as Prometheus
// metrics, structured logs, or live subscriber streams.
package progress
