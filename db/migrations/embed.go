// Package dbmigrations exposes embedded SQL migrations for Blitz binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Blitz binaries.
//
//go:embed *.sql
var Files embed.FS
