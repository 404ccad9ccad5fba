// Package sinks implements concrete progress consumers: a console line
// writer, structured logging and Prometheus collectors. Each sink satisfies
// progress.Sink.
package sinks
