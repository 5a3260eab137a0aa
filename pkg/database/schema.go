package database

import (
	"context"
	"fmt"

	"taskexchange/pkg/database/sql"
	"taskexchange/pkg/logging"
)

// ApplySchema executes the embedded schema file for a service. Schema files
// are idempotent (CREATE ... IF NOT EXISTS), so reapplying on every startup
// is safe.
func ApplySchema(ctx context.Context, db PostgresConn, service string, logger logging.Logger) error {
	path := fmt.Sprintf("schema/%s.sql", service)
	content, err := sql.Content.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read embedded schema %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("apply schema %s: %w", path, err)
	}

	logger.WithField("schema", path).Info("Database schema applied")
	return nil
}
