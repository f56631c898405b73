package db

import (
	"fmt"
	"strings"

	"github.com/schemi-dev/schemi/internal/op"
	"github.com/schemi-dev/schemi/internal/schema"
)

// SQLiteDialect renders operations as SQLite DDL. SQLite has no general
// in-place ALTER, so column changes and constraint changes are rendered as
// a table rebuild: create the new shape under a temporary name, copy the
// surviving columns, drop the old table, rename, and recreate indexes.
type SQLiteDialect struct{}

// NewSQLiteDialect returns the SQLite renderer.
func NewSQLiteDialect() *SQLiteDialect {
	return &SQLiteDialect{}
}

// Name identifies the dialect.
func (d *SQLiteDialect) Name() string { return "sqlite" }

// Capabilities reports that SQLite runs DDL inside transactions.
func (d *SQLiteDialect) Capabilities() Capabilities {
	return Capabilities{TransactionalDDL: true}
}

func sqliteTypeSQL(t schema.LogicalType) string {
	switch t.Name {
	case schema.TypeInteger:
		return "INTEGER"
	case schema.TypeText:
		return "TEXT"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeFloat:
		return "REAL"
	case schema.TypeTimestamp:
		return "TIMESTAMP"
	case schema.TypeBlob:
		return "BLOB"
	case schema.TypeDecimal:
		return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale)
	default:
		return t.Raw
	}
}

// RenderOperation renders one operation as an ordered statement list.
func (d *SQLiteDialect) RenderOperation(o op.Operation) ([]string, error) {
	q := quoteDouble

	switch o.Kind {
	case op.CreateTable:
		if o.TableDef == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		return createTableSQL(o.TableDef, q, sqliteTypeSQL), nil

	case op.DropTable:
		return []string{fmt.Sprintf("DROP TABLE %s", q(o.Table))}, nil

	case op.AddColumn:
		if o.Column == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		if sqliteCanAddInPlace(*o.Column) {
			return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
				q(o.Table), columnClause(*o.Column, q, sqliteTypeSQL))}, nil
		}
		return d.rebuild(o)

	case op.DropColumn, op.AlterColumnType, op.AlterColumnNullability,
		op.AddForeignKey, op.DropForeignKey:
		return d.rebuild(o)

	case op.AddIndex:
		if o.Index == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		return []string{indexSQL(o.Table, *o.Index, q)}, nil

	case op.DropIndex:
		if o.Index == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		return []string{fmt.Sprintf("DROP INDEX %s", q(o.Index.Name))}, nil
	}

	return nil, unsupportedOp(d.Name(), o)
}

// sqliteCanAddInPlace reports whether ALTER TABLE ADD COLUMN is legal for
// the column. SQLite forbids adding UNIQUE columns, NOT NULL columns
// without a default, and columns with non-constant defaults.
func sqliteCanAddInPlace(col schema.Column) bool {
	if col.Unique {
		return false
	}
	if !col.Nullable && col.Default == nil {
		return false
	}
	if col.Default != nil && col.Default.Kind == schema.TypeTimestamp &&
		strings.EqualFold(col.Default.Text, "CURRENT_TIMESTAMP") {
		return false
	}
	return true
}

// rebuild renders the copy-and-swap sequence from the operation's before
// and after table shapes.
func (d *SQLiteDialect) rebuild(o op.Operation) ([]string, error) {
	if o.TableDef == nil || o.PrevTableDef == nil {
		return nil, unsupportedOp(d.Name(), o)
	}
	q := quoteDouble

	tmp := o.TableDef.Clone()
	tmp.Name = o.Table + "__schemi_new"
	tmp.Indexes = nil
	// Unique flags are backed by uq_ indexes recreated under the final
	// table name after the rename.
	for i := range tmp.Columns {
		tmp.Columns[i].Unique = false
	}
	stmts := createTableSQL(tmp, q, sqliteTypeSQL)

	// Copy the columns present in both shapes.
	var common []string
	for _, col := range o.TableDef.Columns {
		if o.PrevTableDef.Column(col.Name) != nil {
			common = append(common, q(col.Name))
		}
	}
	if len(common) > 0 {
		stmts = append(stmts, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			q(tmp.Name), strings.Join(common, ", "),
			strings.Join(common, ", "), q(o.Table)))
	}

	stmts = append(stmts,
		fmt.Sprintf("DROP TABLE %s", q(o.Table)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", q(tmp.Name), q(o.Table)))

	stmts = append(stmts, uniqueIndexSQL(o.TableDef, q)...)
	for _, idx := range o.TableDef.Indexes {
		stmts = append(stmts, indexSQL(o.Table, idx, q))
	}
	return stmts, nil
}
