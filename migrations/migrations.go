// Package migrations holds the Postgres schema.
package migrations

import (
	"context"
	_ "embed"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed 0001_init.sql
var Init string

// Apply runs every statement of the schema. The statements are idempotent.
func Apply(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range Statements(Init) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Statements strips line comments and splits a script on semicolons.
func Statements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if i := strings.Index(line, "--"); i >= 0 {
			line = line[:i]
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
