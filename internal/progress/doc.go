// Package progress reports per-file download progress. A Tracker hands out
// task handles and turns every update into an Event; the Hub batches events
// on a background goroutine and fans them out to pluggable sinks such as a
// console line writer, structured logs, or Prometheus collectors.
package progress
