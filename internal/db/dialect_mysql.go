package db

import (
	"fmt"

	"github.com/schemi-dev/schemi/internal/op"
	"github.com/schemi-dev/schemi/internal/schema"
)

// MySQLDialect renders operations as MySQL DDL.
type MySQLDialect struct{}

// NewMySQLDialect returns the MySQL renderer.
func NewMySQLDialect() *MySQLDialect {
	return &MySQLDialect{}
}

// Name identifies the dialect.
func (d *MySQLDialect) Name() string { return "mysql" }

// Capabilities reports that MySQL commits DDL implicitly, so migrations
// cannot rely on transactional rollback.
func (d *MySQLDialect) Capabilities() Capabilities {
	return Capabilities{TransactionalDDL: false}
}

// mysqlTypeSQL renders a logical type. Text maps to VARCHAR(255) rather
// than TEXT so the column stays usable in indexes and unique constraints,
// which MySQL only allows on prefix-length or bounded key parts.
func mysqlTypeSQL(t schema.LogicalType) string {
	switch t.Name {
	case schema.TypeInteger:
		return "INT"
	case schema.TypeText:
		return "VARCHAR(255)"
	case schema.TypeBoolean:
		return "TINYINT(1)"
	case schema.TypeFloat:
		return "DOUBLE"
	case schema.TypeTimestamp:
		return "DATETIME"
	case schema.TypeBlob:
		return "BLOB"
	case schema.TypeDecimal:
		return fmt.Sprintf("DECIMAL(%d,%d)", t.Precision, t.Scale)
	default:
		return t.Raw
	}
}

// RenderOperation renders one operation as an ordered statement list.
func (d *MySQLDialect) RenderOperation(o op.Operation) ([]string, error) {
	q := quoteBacktick

	switch o.Kind {
	case op.CreateTable:
		if o.TableDef == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		return createTableSQL(o.TableDef, q, mysqlTypeSQL), nil

	case op.DropTable:
		return []string{fmt.Sprintf("DROP TABLE %s", q(o.Table))}, nil

	case op.AddColumn:
		if o.Column == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		stmts := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
			q(o.Table), columnClause(*o.Column, q, mysqlTypeSQL))}
		if o.Column.Unique {
			stmts = append(stmts, indexSQL(o.Table, uniqueColumnIndex(o.Table, *o.Column), q))
		}
		return stmts, nil

	case op.DropColumn:
		if o.Column == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
			q(o.Table), q(o.Column.Name))}, nil

	case op.AlterColumnType, op.AlterColumnNullability:
		// MODIFY COLUMN redefines the whole column, so both alter kinds
		// render the full desired definition. Uniqueness lives on the
		// column's uq_ index and is untouched here.
		if o.Column == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		return []string{fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s",
			q(o.Table), columnClause(*o.Column, q, mysqlTypeSQL))}, nil

	case op.AddIndex:
		if o.Index == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		return []string{indexSQL(o.Table, *o.Index, q)}, nil

	case op.DropIndex:
		if o.Index == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		return []string{fmt.Sprintf("DROP INDEX %s ON %s",
			q(o.Index.Name), q(o.Table))}, nil

	case op.AddForeignKey:
		if o.ForeignKey == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		return []string{fmt.Sprintf("ALTER TABLE %s ADD %s",
			q(o.Table), fkClause(*o.ForeignKey, q))}, nil

	case op.DropForeignKey:
		if o.ForeignKey == nil || o.ForeignKey.Name == "" {
			return nil, unsupportedOp(d.Name(), o)
		}
		return []string{fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s",
			q(o.Table), q(o.ForeignKey.Name))}, nil
	}

	return nil, unsupportedOp(d.Name(), o)
}
