// Package migrations embeds the SQL schema for both storage backends.
package migrations

import "embed"

// FS holds postgres/*.sql (blob-store server) and sqlite/*.sql (local store).
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
