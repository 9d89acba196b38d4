package incidents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Querier runs a query. *pgxpool.Pool and *database.DB satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Drift lists the differences between the catalogue and the live table.
type Drift struct {
	// TableMissing is set when the table does not exist in the schema.
	TableMissing bool

	// Missing names catalogue fields absent from the table.
	Missing []string

	// Extra names table columns absent from the catalogue.
	Extra []string

	// Mismatched describes fields whose live type does not map to the
	// declared type, as "name: declared TEXT, live integer".
	Mismatched []string
}

// Empty reports whether the catalogue and the table agree.
func (d Drift) Empty() bool {
	return !d.TableMissing && len(d.Missing) == 0 && len(d.Extra) == 0 && len(d.Mismatched) == 0
}

// column is one row of information_schema.columns.
type column struct {
	name     string
	dataType string
}

const columnsQuery = `SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

// CheckDrift compares the catalogue against the live definition of the table
// in schema.
func CheckDrift(ctx context.Context, q Querier, schema string) (Drift, error) {
	rows, err := q.Query(ctx, columnsQuery, schema, TableName)
	if err != nil {
		return Drift{}, fmt.Errorf("incidents: list columns: %w", err)
	}
	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (column, error) {
		var c column
		err := row.Scan(&c.name, &c.dataType)
		return c, err
	})
	if err != nil {
		return Drift{}, fmt.Errorf("incidents: list columns: %w", err)
	}
	return compare(Describe(), cols), nil
}

// compare diffs the catalogue against live columns.
func compare(cat Catalog, cols []column) Drift {
	var d Drift
	if len(cols) == 0 {
		d.TableMissing = true
		d.Missing = cat.Names()
		return d
	}

	live := make(map[string]string, len(cols))
	for _, c := range cols {
		live[c.name] = c.dataType
		if _, ok := cat.Field(c.name); !ok {
			d.Extra = append(d.Extra, c.name)
		}
	}
	for _, f := range cat.Fields {
		dt, ok := live[f.Name]
		if !ok {
			d.Missing = append(d.Missing, f.Name)
			continue
		}
		if liveType(dt) != f.Type {
			d.Mismatched = append(d.Mismatched,
				fmt.Sprintf("%s: declared %s, live %s", f.Name, f.Type, dt))
		}
	}
	return d
}

// liveType maps an information_schema data_type onto the catalogue's type
// vocabulary. Unknown types map to the empty FieldType.
func liveType(dataType string) FieldType {
	dt := strings.ToLower(dataType)
	switch {
	case dt == "integer" || dt == "bigint" || dt == "smallint":
		return Integer
	case strings.HasPrefix(dt, "timestamp"):
		return Timestamp
	case dt == "text" || dt == "character varying" || dt == "character":
		return Text
	}
	return ""
}

// LogDrift writes one warning per difference. It is silent when d is empty.
func LogDrift(log *slog.Logger, schema string, d Drift) {
	if d.Empty() {
		log.Debug("incident catalogue matches table", "schema", schema, "catalog_version", CatalogVersion)
		return
	}
	if d.TableMissing {
		log.Warn("incident table not found; run the setup command", "schema", schema, "table", TableName)
		return
	}
	for _, name := range d.Missing {
		log.Warn("catalogue field missing from table", "field", name, "catalog_version", CatalogVersion)
	}
	for _, name := range d.Extra {
		log.Warn("table column not in catalogue", "column", name, "catalog_version", CatalogVersion)
	}
	for _, m := range d.Mismatched {
		log.Warn("catalogue type mismatch", "detail", m, "catalog_version", CatalogVersion)
	}
}
