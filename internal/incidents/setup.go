package incidents

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// tableDDL creates the table and its lookup indexes. Every statement is
// idempotent.
const tableDDL = `
CREATE TABLE IF NOT EXISTS security_incidents (
    incident_id      SERIAL PRIMARY KEY,
    timestamp        TIMESTAMP NOT NULL,
    severity         TEXT NOT NULL CHECK (severity IN ('Low', 'Medium', 'High', 'Critical')),
    category         TEXT NOT NULL,
    description      TEXT NOT NULL,
    status           TEXT NOT NULL CHECK (status IN ('Open', 'In Progress', 'Resolved', 'Closed')),
    affected_systems TEXT,
    reported_by      TEXT NOT NULL,
    assigned_to      TEXT,
    resolution_notes TEXT
);

CREATE INDEX IF NOT EXISTS idx_security_incidents_timestamp ON security_incidents (timestamp);
CREATE INDEX IF NOT EXISTS idx_security_incidents_severity  ON security_incidents (severity);
CREATE INDEX IF NOT EXISTS idx_security_incidents_category  ON security_incidents (category);
CREATE INDEX IF NOT EXISTS idx_security_incidents_status    ON security_incidents (status);
`

// copyColumns are the columns filled by [Setup]; incident_id comes from the
// serial sequence.
var copyColumns = []string{
	"timestamp", "severity", "category", "description", "status",
	"affected_systems", "reported_by", "assigned_to", "resolution_notes",
}

// TxBeginner starts transactions. *pgxpool.Pool and *pgx.Conn satisfy it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// SetupResult reports what [Setup] did.
type SetupResult struct {
	// Existing is the row count found before inserting.
	Existing int64
	// Inserted is the number of sample rows written. Zero when the table
	// already had data.
	Inserted int64
}

// Setup creates schema and the incident table inside it, then inserts sample
// unless the table already holds rows. Everything runs in one read-write
// transaction, so it works on pools whose sessions default to read-only.
func Setup(ctx context.Context, db TxBeginner, schema string, sample []Incident) (SetupResult, error) {
	var res SetupResult
	ident := pgx.Identifier{schema}.Sanitize()

	err := pgx.BeginTxFunc(ctx, db, pgx.TxOptions{AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+ident+", public"); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
		if _, err := tx.Exec(ctx, tableDDL); err != nil {
			return fmt.Errorf("create table: %w", err)
		}

		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM "+TableName).Scan(&res.Existing); err != nil {
			return fmt.Errorf("count rows: %w", err)
		}
		if res.Existing > 0 || len(sample) == 0 {
			return nil
		}

		n, err := tx.CopyFrom(ctx, pgx.Identifier{schema, TableName}, copyColumns,
			pgx.CopyFromSlice(len(sample), func(i int) ([]any, error) {
				inc := sample[i]
				return []any{
					inc.Timestamp, inc.Severity, inc.Category, inc.Description, inc.Status,
					inc.AffectedSystems, inc.ReportedBy, inc.AssignedTo, inc.ResolutionNotes,
				}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("insert sample data: %w", err)
		}
		res.Inserted = n
		return nil
	})
	if err != nil {
		return SetupResult{}, fmt.Errorf("incidents: setup schema %q: %w", schema, err)
	}
	return res, nil
}
