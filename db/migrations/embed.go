// Package dbmigrations exposes embedded SQL migrations for backsim binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into backsim binaries.
//
//go:embed *.sql
var Files embed.FS
