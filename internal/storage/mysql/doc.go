// Package mysql persists the query audit history. It ships a JSON-lines file
// repository for local runs and a MySQL repository for deployments, and owns
// the connection pool and embedded schema migrations shared with the task
// store.
package mysql
