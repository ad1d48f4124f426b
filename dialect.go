package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// dialect captures the handful of places where SQLite and Postgres disagree.
// Queries are written with ? placeholders and rebound per dialect.
type dialect struct {
	driver    string
	serial    string
	float     string
	timestamp string
	// columnsQuery lists the column names of the table given as its only arg,
	// looked up in the schema the connection resolves unqualified names in.
	columnsQuery string
	numbered     bool
	// resyncSequences is run after rows were inserted with explicit ids.
	resyncSequences bool
}

var (
	sqliteDialect = dialect{
		driver:       "sqlite3",
		serial:       "INTEGER PRIMARY KEY NOT NULL",
		float:        "REAL",
		timestamp:    "DATETIME",
		columnsQuery: `SELECT name FROM pragma_table_info(?)`,
	}
	postgresDialect = dialect{
		driver:          "postgres",
		serial:          "SERIAL PRIMARY KEY",
		float:           "DOUBLE PRECISION",
		timestamp:       "TIMESTAMP",
		columnsQuery:    `SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ?`,
		numbered:        true,
		resyncSequences: true,
	}
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "postgresql":
		return postgresDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported db driver %q", driver)
}

// dsn adjusts the connection string for the driver. SQLite needs foreign keys
// switched on per connection.
func (d dialect) dsn(dsn string) string {
	if d.driver != "sqlite3" || strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}
