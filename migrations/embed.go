// Package migrations embeds the SQL schema applied by services/api at startup.
package migrations

import "embed"

// Files holds every .sql file in this directory; apply in name order (001, 002, ...).
//
//go:embed *.sql
var Files embed.FS
