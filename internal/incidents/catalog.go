// Package incidents describes the security_incidents table: the static field
// catalogue the model discovers through the schema tool, a drift check that
// compares the catalogue with the live table, and the setup routine that
// creates the table and fills it with sample data.
//
// The catalogue is a versioned contract. It is not derived from the database
// at runtime, so a table change must come with a catalogue change and a
// [CatalogVersion] bump; [CheckDrift] exists to catch the cases where that did
// not happen.
package incidents

import (
	"bytes"
	"encoding/json"
	"slices"
)

// CatalogVersion identifies the revision of the field catalogue.
const CatalogVersion = "1"

// TableName is the one table the model may query.
const TableName = "security_incidents"

// FieldType is the declared type of a catalogue field.
type FieldType string

// Declared field types.
const (
	Integer   FieldType = "INTEGER"
	Timestamp FieldType = "TIMESTAMP"
	Text      FieldType = "TEXT"
)

// Field is one column of the table as presented to the model.
type Field struct {
	Name        string
	Type        FieldType
	Description string
}

// fields is the ordered catalogue. Never mutated after init.
var fields = []Field{
	{"incident_id", Integer, "Unique identifier for the security incident"},
	{"timestamp", Timestamp, "When the incident occurred"},
	{"severity", Text, "Severity level (Low, Medium, High, Critical)"},
	{"category", Text, "Type of incident (e.g., Phishing, Malware, Unauthorized Access)"},
	{"description", Text, "Detailed description of the incident"},
	{"status", Text, "Current status (Open, In Progress, Resolved, Closed)"},
	{"affected_systems", Text, "Comma-separated list of affected systems"},
	{"reported_by", Text, "Name/ID of person who reported the incident"},
	{"assigned_to", Text, "Name/ID of person handling the incident"},
	{"resolution_notes", Text, "Notes on resolution (if resolved)"},
}

// Catalog is a snapshot of the field catalogue.
type Catalog struct {
	Table   string
	Version string
	Fields  []Field
}

// Describe returns the field catalogue. It performs no I/O, and every call
// returns an equal, independently owned value.
func Describe() Catalog {
	return Catalog{
		Table:   TableName,
		Version: CatalogVersion,
		Fields:  slices.Clone(fields),
	}
}

// Names returns the field names in catalogue order.
func (c Catalog) Names() []string {
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Name
	}
	return names
}

// Field looks up a field by name.
func (c Catalog) Field(name string) (Field, bool) {
	i := slices.IndexFunc(c.Fields, func(f Field) bool { return f.Name == name })
	if i < 0 {
		return Field{}, false
	}
	return c.Fields[i], true
}

// MarshalJSON encodes the catalogue as an object keyed by field name, in
// catalogue order:
//
//	{"incident_id":{"type":"INTEGER","description":"..."}, ...}
func (c Catalog) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range c.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(struct {
			Type        FieldType `json:"type"`
			Description string    `json:"description"`
		}{f.Type, f.Description})
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
