package db

import (
	"fmt"
	"strings"

	"github.com/schemi-dev/schemi/internal/op"
	"github.com/schemi-dev/schemi/internal/schema"
)

// quoteFunc wraps an identifier in the dialect's quoting style.
type quoteFunc func(string) string

// typeFunc renders a logical type in the dialect's SQL spelling.
type typeFunc func(schema.LogicalType) string

func quoteDouble(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteBacktick(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteAll(names []string, quote quoteFunc) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quote(n)
	}
	return out
}

// renderDefault renders a typed default as a SQL literal. Timestamp
// defaults that name CURRENT_TIMESTAMP and decimal defaults are emitted
// bare; blob defaults are taken as already-formed engine literals.
func renderDefault(v *schema.Value) string {
	switch v.Kind {
	case schema.TypeInteger:
		return fmt.Sprintf("%d", v.Int)
	case schema.TypeFloat:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v.Float), "0"), ".")
	case schema.TypeBoolean:
		if v.Bool {
			return "TRUE"
		}
		return "FALSE"
	case schema.TypeText:
		return "'" + strings.ReplaceAll(v.Text, "'", "''") + "'"
	case schema.TypeTimestamp:
		if strings.EqualFold(v.Text, "CURRENT_TIMESTAMP") {
			return "CURRENT_TIMESTAMP"
		}
		return "'" + strings.ReplaceAll(v.Text, "'", "''") + "'"
	case schema.TypeDecimal:
		return v.Text
	case schema.TypeBlob:
		return v.Text
	default:
		return "'" + strings.ReplaceAll(v.Text, "'", "''") + "'"
	}
}

// columnClause renders one column definition for CREATE TABLE, ADD COLUMN,
// or MODIFY COLUMN. Uniqueness is never rendered inline: inline UNIQUE
// creates engine-named objects (sqlite_autoindex_*, Postgres *_key
// constraints) that later drops cannot address, so unique columns are backed
// by separately created uq_ indexes instead.
func columnClause(col schema.Column, quote quoteFunc, typeSQL typeFunc) string {
	var b strings.Builder
	b.WriteString(quote(col.Name))
	b.WriteString(" ")
	b.WriteString(typeSQL(col.Type))
	if !col.Nullable {
		b.WriteString(" NOT NULL")
	}
	if col.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(renderDefault(col.Default))
	}
	return b.String()
}

// uniqueColumnIndex is the named index backing a column's unique flag. The
// name matches what the differ derives, so a later unique-flag removal drops
// exactly this object.
func uniqueColumnIndex(table string, col schema.Column) schema.Index {
	return schema.Index{
		Name:    fmt.Sprintf("uq_%s_%s", table, col.Name),
		Columns: []string{col.Name},
		Unique:  true,
	}
}

// uniqueIndexSQL renders one CREATE UNIQUE INDEX per unique column.
func uniqueIndexSQL(def *schema.Table, quote quoteFunc) []string {
	var stmts []string
	for _, col := range def.Columns {
		if col.Unique {
			stmts = append(stmts, indexSQL(def.Name, uniqueColumnIndex(def.Name, col), quote))
		}
	}
	return stmts
}

// fkClause renders an inline FOREIGN KEY constraint.
func fkClause(fk schema.ForeignKey, quote quoteFunc) string {
	var b strings.Builder
	if fk.Name != "" {
		fmt.Fprintf(&b, "CONSTRAINT %s ", quote(fk.Name))
	}
	fmt.Fprintf(&b, "FOREIGN KEY (%s) REFERENCES %s (%s)",
		strings.Join(quoteAll(fk.Columns, quote), ", "),
		quote(fk.RefTable),
		strings.Join(quoteAll(fk.RefColumns, quote), ", "))
	if a := fk.OnDelete; a != "" && a != schema.NoAction {
		fmt.Fprintf(&b, " ON DELETE %s", a.SQL())
	}
	return b.String()
}

// createTableSQL renders a CREATE TABLE statement followed by one CREATE
// INDEX statement per table index.
func createTableSQL(def *schema.Table, quote quoteFunc, typeSQL typeFunc) []string {
	var parts []string
	for _, col := range def.Columns {
		parts = append(parts, "\t"+columnClause(col, quote, typeSQL))
	}
	if len(def.PrimaryKey) > 0 {
		parts = append(parts, fmt.Sprintf("\tPRIMARY KEY (%s)",
			strings.Join(quoteAll(def.PrimaryKey, quote), ", ")))
	}
	for _, fk := range def.ForeignKeys {
		parts = append(parts, "\t"+fkClause(fk, quote))
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE %s (\n%s\n)",
		quote(def.Name), strings.Join(parts, ",\n"))}
	stmts = append(stmts, uniqueIndexSQL(def, quote)...)
	for _, idx := range def.Indexes {
		stmts = append(stmts, indexSQL(def.Name, idx, quote))
	}
	return stmts
}

// indexSQL renders a CREATE INDEX statement.
func indexSQL(table string, idx schema.Index, quote quoteFunc) string {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, quote(idx.Name), quote(table),
		strings.Join(quoteAll(idx.Columns, quote), ", "))
}

func unsupportedOp(dialect string, o op.Operation) error {
	return fmt.Errorf("dialect %s cannot render operation %s", dialect, o)
}
