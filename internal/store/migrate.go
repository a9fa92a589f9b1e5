package store

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// schemaStatements splits the embedded schema into individual statements.
func schemaStatements() []string {
	parts := strings.Split(schemaSQL, ";\n")
	statements := make([]string, 0, len(parts))
	for _, part := range parts {
		stmt := strings.TrimSpace(part)
		stmt = strings.TrimSuffix(stmt, ";")
		if stmt == "" {
			continue
		}
		statements = append(statements, stmt)
	}
	return statements
}

// Migrate applies the schema. Every statement is idempotent so it is safe to
// run on each deploy.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range schemaStatements() {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
