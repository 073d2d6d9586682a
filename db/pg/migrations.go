// Package pg embeds the mapping store schema migrations.
package pg

import "embed"

//go:embed *.sql
var Migrations embed.FS
