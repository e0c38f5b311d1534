package migrations

import "embed"

// FS contains embedded SQLite migrations for monitoring storage.
//
//go:embed *.sql
var FS embed.FS
