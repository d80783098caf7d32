package types

// StagingSchema defines the survey-specific columns of a feeder staging
// table. The fixed primary_id, ingested and shared_id columns are added by
// the store and must not be listed here.
type StagingSchema struct {
	// Table is the staging table name
	Table string `json:"table"`

	// Columns defines the survey columns in declaration order
	Columns []ColumnDef `json:"columns"`

	// UniqueKey lists the columns identifying a detection for upserts
	UniqueKey []string `json:"unique_key"`
}

// ColumnDef defines a single staging column.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is one of TEXT, REAL, INTEGER
	Type string `json:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable"`
}

// ColumnNames returns the names of the schema's columns in order.
func (s StagingSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether the schema declares name.
func (s StagingSchema) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}
