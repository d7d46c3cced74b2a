// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and ingest notifications published to a topic.
package sinks
