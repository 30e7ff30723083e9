// Package migrations embeds the SQL schema migrations applied by
// migration.Migrator.
package migrations

import "embed"

// FS holds every *.up.sql and *.down.sql file in this directory
//
//go:embed *.sql
var FS embed.FS
