// Package migrations embeds the MySQL schema for chainaid. Files are applied
// in lexical order and recorded in schema_migrations by internal/storage/mysql.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
