// Package sql embeds the per-service schema files applied at startup.
package sql

import (
	"embed"
)

//go:embed schema/*.sql
var Content embed.FS
