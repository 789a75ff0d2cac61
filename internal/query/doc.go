// Package query validates inbound chain-ai queries, fills in server-side
// defaults (backend, credentials, chain), runs one orchestration per request
// and records an audit entry for every answered or failed query.
package query
