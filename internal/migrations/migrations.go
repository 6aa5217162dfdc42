package migrations

import "embed"

// Files holds the ordered SQL schema migrations (001_init.sql, 002_...).
//
//go:embed *.sql
var Files embed.FS
