// Package metrics exposes Prometheus collectors for the HTTP surface, the
// language-model backends, function dispatch and async tasks.
package metrics
