// Package migrations embeds the database schema.
package migrations

import _ "embed"

// Schema creates the runs and products tables. It is idempotent.
//
//go:embed 001_init.sql
var Schema string
