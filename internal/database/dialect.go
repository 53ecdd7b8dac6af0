package database

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Dialect captures the SQL differences between the supported state stores.
type Dialect struct {
	Name string
}

var (
	SQLite   = Dialect{Name: "sqlite3"}
	MySQL    = Dialect{Name: "mysql"}
	Postgres = Dialect{Name: "postgres"}
)

func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3":
		return SQLite, nil
	case "mysql":
		return MySQL, nil
	case "postgres":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Quote quotes an identifier (table or column name).
func (d Dialect) Quote(ident string) string {
	switch d.Name {
	case "mysql":
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	case "postgres":
		return pq.QuoteIdentifier(ident)
	default:
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	}
}

// Rebind converts ? placeholders into $n for postgres.
func (d Dialect) Rebind(query string) string {
	if d.Name != "postgres" {
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

// KeyType is the column type used for identity keys.
func (d Dialect) KeyType() string {
	if d.Name == "mysql" {
		return "VARCHAR(191)"
	}
	return "TEXT"
}

// AutoIncrementPK is the DDL fragment for a surrogate integer primary key.
func (d Dialect) AutoIncrementPK() string {
	switch d.Name {
	case "mysql":
		return "BIGINT AUTO_INCREMENT PRIMARY KEY"
	case "postgres":
		return "BIGSERIAL PRIMARY KEY"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

// TimestampType is the DDL type for timestamps.
func (d Dialect) TimestampType() string {
	switch d.Name {
	case "mysql":
		return "DATETIME(6)"
	case "postgres":
		return "TIMESTAMPTZ"
	default:
		return "TIMESTAMP"
	}
}

// ColumnType maps a suggested local type to a concrete column type.
func (d Dialect) ColumnType(localType string) string {
	switch localType {
	case "integer":
		return "BIGINT"
	case "decimal":
		if d.Name == "postgres" {
			return "DOUBLE PRECISION"
		}
		return "DOUBLE"
	case "boolean":
		return "BOOLEAN"
	case "datetime":
		return d.TimestampType()
	case "json":
		switch d.Name {
		case "mysql":
			return "JSON"
		case "postgres":
			return "JSONB"
		}
		return "TEXT"
	default:
		return "TEXT"
	}
}

// UpsertClause returns the conflict clause appended to an INSERT so that an
// existing row with the same key is overwritten with the new column values.
func (d Dialect) UpsertClause(key string, columns []string) string {
	var sets []string
	switch d.Name {
	case "mysql":
		for _, c := range columns {
			if c == key {
				continue
			}
			q := d.Quote(c)
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", q, q))
		}
		if len(sets) == 0 {
			q := d.Quote(key)
			sets = append(sets, fmt.Sprintf("%s = %s", q, q))
		}
		return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	default:
		for _, c := range columns {
			if c == key {
				continue
			}
			q := d.Quote(c)
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", q, q))
		}
		if len(sets) == 0 {
			return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", d.Quote(key))
		}
		return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", d.Quote(key), strings.Join(sets, ", "))
	}
}

// Placeholders returns n comma separated ? markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
