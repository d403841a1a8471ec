package destination

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Dialect carries the SQL differences between the supported destinations.
type Dialect struct {
	Name        string
	Placeholder sq.PlaceholderFormat
	AutoID      string
	RefID       string
	Timestamp   string
	Float       string
	Text        string
	// CurrentSchema filters information_schema to the connected database.
	CurrentSchema string

	quote string
}

var (
	MySQL = Dialect{
		Name:          "mysql",
		Placeholder:   sq.Question,
		AutoID:        "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY",
		RefID:         "BIGINT NOT NULL",
		Timestamp:     "DATETIME",
		Float:         "DOUBLE",
		Text:          "VARCHAR(255)",
		CurrentSchema: "DATABASE()",
		quote:         "`",
	}
	Postgres = Dialect{
		Name:          "postgres",
		Placeholder:   sq.Dollar,
		AutoID:        "BIGSERIAL PRIMARY KEY",
		RefID:         "BIGINT NOT NULL",
		Timestamp:     "TIMESTAMP",
		Float:         "DOUBLE PRECISION",
		Text:          "VARCHAR(255)",
		CurrentSchema: "current_schema()",
		quote:         `"`,
	}
)

// DialectFor returns the dialect named name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "mysql", "":
		return MySQL, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported destination driver %q", name)
	}
}

// Quote quotes an identifier, doubling embedded quote characters.
func (d Dialect) Quote(name string) string {
	return d.quote + strings.ReplaceAll(name, d.quote, d.quote+d.quote) + d.quote
}

func (d Dialect) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(d.Placeholder)
}

// insertIgnore builds an insert that skips rows conflicting with a unique key.
func (d Dialect) insertIgnore(table string) sq.InsertBuilder {
	b := d.builder().Insert(d.Quote(table))
	if d.Name == MySQL.Name {
		return b.Options("IGNORE")
	}
	return b.Suffix("ON CONFLICT DO NOTHING")
}
