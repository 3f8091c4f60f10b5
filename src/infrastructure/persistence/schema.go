package persistence

import (
	"context"
	_ "embed"

	"github.com/pkg/errors"

	"github.com/input-output-hk/branchline/src/config"
)

//go:embed schema.sql
var schema string

// Migrate creates missing tables and indexes.
func Migrate(ctx context.Context, db config.PgxIface) error {
	_, err := db.Exec(ctx, schema)
	return errors.WithMessage(err, "Could not apply database schema")
}
