package migrations

import "embed"

// Files exposes the embedded per-actor-kind schema files. Each file is
// idempotent (CREATE TABLE IF NOT EXISTS plus INSERT OR IGNORE seeds) and is
// executed on an actor's first request; additive column migrations are applied
// in code afterwards.
//
//go:embed *.sql
var Files embed.FS
