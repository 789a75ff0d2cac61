// Package api exposes the ChainAI HTTP interface: the synchronous query
// endpoint, async query tasks, function and history listings, a health check
// and the Prometheus exporter.
package api
