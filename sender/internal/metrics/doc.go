// Package metrics exports pass statistics in the Prometheus text exposition
// format for the node_exporter textfile collector.
//
// The sender has no listening socket, so instead of serving /metrics the
// Exporter rewrites a .prom file after every pass. The file is written to a
// temporary sibling and renamed into place so the collector never reads a
// partial file.
package metrics
