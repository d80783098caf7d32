package types

import (
	"fmt"
	"regexp"
	"sort"
)

// Role is the semantic part a staging column plays in the transient bucket
// schema.
type Role string

const (
	RoleName           Role = "name"
	RoleRADeg          Role = "raDeg"
	RoleDecDeg         Role = "decDeg"
	RoleLimitingMag    Role = "limitingMag"
	RoleMagnitude      Role = "magnitude"
	RoleMagnitudeError Role = "magnitudeError"
	RoleFilter         Role = "filter"
	RoleObservationMJD Role = "observationMJD"
	RoleObjectURL      Role = "objectURL"
)

// AllRoles lists every role a column map may assign.
var AllRoles = []Role{
	RoleName, RoleRADeg, RoleDecDeg, RoleLimitingMag,
	RoleMagnitude, RoleMagnitudeError, RoleFilter, RoleObservationMJD, RoleObjectURL,
}

// Fixed staging columns every feeder table carries in addition to its mapped
// survey columns.
const (
	StagingPrimaryKey = "primary_id"
	StagingIngested   = "ingested"
	StagingSharedID   = "shared_id"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdentifier rejects anything that is not a plain SQL identifier.
// Identifiers cannot be bound as query parameters, so every table and column
// name read from configuration passes through here before it is quoted into
// a statement.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// ColumnMap describes which staging column of a feeder table plays which
// role. It is static configuration and read-only at resolution time.
type ColumnMap struct {
	// Table is the staging table name (e.g. fs_atlas)
	Table string

	// Columns maps a role to the staging column holding it
	Columns map[Role]string
}

// Column returns the staging column mapped to role.
func (m ColumnMap) Column(role Role) (string, bool) {
	c, ok := m.Columns[role]
	return c, ok && c != ""
}

// HasCoordinates reports whether both position roles are mapped. Tables
// without coordinates are name-only and never spatially crossmatched.
func (m ColumnMap) HasCoordinates() bool {
	_, ra := m.Column(RoleRADeg)
	_, dec := m.Column(RoleDecDeg)
	return ra && dec
}

// Roles returns the mapped roles in a stable order.
func (m ColumnMap) Roles() []Role {
	roles := make([]Role, 0, len(m.Columns))
	for r, c := range m.Columns {
		if c != "" {
			roles = append(roles, r)
		}
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Validate checks the table name, that a name column is mapped, that roles
// are known and that every column is a plain identifier.
func (m ColumnMap) Validate() error {
	if err := ValidateIdentifier(m.Table); err != nil {
		return fmt.Errorf("column map table: %w", err)
	}
	if _, ok := m.Column(RoleName); !ok {
		return fmt.Errorf("column map for %s: no %q column mapped", m.Table, RoleName)
	}
	known := make(map[Role]bool, len(AllRoles))
	for _, r := range AllRoles {
		known[r] = true
	}
	for role, col := range m.Columns {
		if !known[role] {
			return fmt.Errorf("column map for %s: unknown role %q", m.Table, role)
		}
		if col == "" {
			continue
		}
		if err := ValidateIdentifier(col); err != nil {
			return fmt.Errorf("column map for %s, role %s: %w", m.Table, role, err)
		}
		switch col {
		case StagingPrimaryKey, StagingIngested, StagingSharedID:
			return fmt.Errorf("column map for %s: role %s mapped to reserved column %s", m.Table, role, col)
		}
	}
	return nil
}
