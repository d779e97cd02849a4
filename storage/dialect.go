package storage

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Dialect captures the SQL differences between the supported drivers.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect struct {
	Name string
	// AutoIncrementPK is the column definition of a surrogate primary key
	AutoIncrementPK string
	BlobType        string
	TimestampType   string
	// ColumnsQuery lists a table's column names; it takes the table name as its only argument
	ColumnsQuery string

	numbered bool
	unique   func(error) bool
}

// SQLiteDialect targets modernc.org/sqlite
var SQLiteDialect = Dialect{
	Name:            "sqlite",
	AutoIncrementPK: "INTEGER PRIMARY KEY AUTOINCREMENT",
	BlobType:        "BLOB",
	TimestampType:   "DATETIME",
	ColumnsQuery:    "SELECT name FROM pragma_table_info(?)",
	unique: func(err error) bool {
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// PostgresDialect targets pgx through database/sql
var PostgresDialect = Dialect{
	Name:            "postgres",
	AutoIncrementPK: "BIGSERIAL PRIMARY KEY",
	BlobType:        "BYTEA",
	TimestampType:   "TIMESTAMPTZ",
	ColumnsQuery:    "SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ?",
	numbered:        true,
	unique: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == "23505"
	},
}

// Rebind rewrites '?' placeholders into the dialect's form.
// Queries in this package never contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// IsUniqueViolation reports whether err is a uniqueness constraint failure.
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return d.unique(err)
}
