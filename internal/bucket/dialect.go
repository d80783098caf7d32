package bucket

import (
	"fmt"
	"strings"

	"github.com/marshallengine/marshall/pkg/types"
)

// Dialect captures the handful of SQL differences between the SQLite store
// used locally and in tests and the MySQL database of a production marshall.
type Dialect struct {
	// Name is the database/sql driver name
	Name string

	// AutoIncrementPK is the column definition of an autoincrement primary key
	AutoIncrementPK string

	// InsertIgnore is the INSERT variant that skips unique-key conflicts
	InsertIgnore string

	// LockSuffix is appended to a SELECT that must lock its rows inside a
	// write transaction. SQLite takes the database write lock at BEGIN.
	LockSuffix string
}

var (
	// SQLite is the mattn/go-sqlite3 dialect.
	SQLite = Dialect{
		Name:            "sqlite3",
		AutoIncrementPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
		InsertIgnore:    "INSERT OR IGNORE",
		LockSuffix:      "",
	}

	// MySQL is the go-sql-driver/mysql dialect.
	MySQL = Dialect{
		Name:            "mysql",
		AutoIncrementPK: "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY",
		InsertIgnore:    "INSERT IGNORE",
		LockSuffix:      " FOR UPDATE",
	}
)

// DialectFor returns the dialect of a configured driver.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case SQLite.Name:
		return SQLite, nil
	case MySQL.Name:
		return MySQL, nil
	}
	return Dialect{}, fmt.Errorf("bucket: unsupported driver %q", driver)
}

// ColumnType maps a staging column type (TEXT, REAL, INTEGER) to the
// dialect's type. MySQL needs bounded text to allow unique keys.
func (d Dialect) ColumnType(t string) string {
	switch strings.ToUpper(t) {
	case "REAL", "DOUBLE", "FLOAT":
		return "DOUBLE"
	case "INTEGER", "INT", "BIGINT":
		return "BIGINT"
	default:
		if d.Name == MySQL.Name {
			return "VARCHAR(255)"
		}
		return "TEXT"
	}
}

// quote validates and backtick-quotes an identifier. Both dialects accept
// backticks.
func quote(ident string) (string, error) {
	if err := types.ValidateIdentifier(ident); err != nil {
		return "", err
	}
	return "`" + ident + "`", nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
