// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import (
	"embed"
	"io/fs"
)

// FS holds the PostgreSQL migrations (e.g. 001_initial.sql) and, under
// sqlite/, their SQLite counterparts.
//
//go:embed *.sql sqlite/*.sql
var FS embed.FS

// Postgres returns the PostgreSQL migration files.
func Postgres() fs.FS {
	return FS
}

// SQLite returns the SQLite migration files.
func SQLite() fs.FS {
	sub, err := fs.Sub(FS, "sqlite")
	if err != nil {
		panic(err) // the directory is embedded at build time
	}
	return sub
}
