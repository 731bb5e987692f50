// Package migrations embeds the sqlitestore schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
