package migrations

import "embed"

// FS contains embedded SQLite migrations for agent storage.
//
//go:embed *.sql
var FS embed.FS
