// Package migrations embeds the goose SQL migrations of the PostgreSQL storage.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
