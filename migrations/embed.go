// Package migrations embeds the SQL schema migrations applied at startup.
package migrations

import "embed"

// FS holds the *.sql files, named NNN_description.sql.
//
//go:embed *.sql
var FS embed.FS
