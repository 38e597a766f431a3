// Package migrations embeds the bridge's SQL schema into the binary.
package migrations

import "embed"

// FS holds every NNNN_name.{up,down}.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
