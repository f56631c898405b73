package db

import (
	"fmt"

	"github.com/schemi-dev/schemi/internal/op"
	"github.com/schemi-dev/schemi/internal/schema"
)

// PostgresDialect renders operations as PostgreSQL DDL.
type PostgresDialect struct{}

// NewPostgresDialect returns the PostgreSQL renderer.
func NewPostgresDialect() *PostgresDialect {
	return &PostgresDialect{}
}

// Name identifies the dialect.
func (d *PostgresDialect) Name() string { return "postgres" }

// Capabilities reports that PostgreSQL runs DDL inside transactions.
func (d *PostgresDialect) Capabilities() Capabilities {
	return Capabilities{TransactionalDDL: true}
}

func postgresTypeSQL(t schema.LogicalType) string {
	switch t.Name {
	case schema.TypeInteger:
		return "INTEGER"
	case schema.TypeText:
		return "TEXT"
	case schema.TypeBoolean:
		return "BOOLEAN"
	case schema.TypeFloat:
		return "DOUBLE PRECISION"
	case schema.TypeTimestamp:
		return "TIMESTAMP"
	case schema.TypeBlob:
		return "BYTEA"
	case schema.TypeDecimal:
		return fmt.Sprintf("NUMERIC(%d,%d)", t.Precision, t.Scale)
	default:
		return t.Raw
	}
}

// RenderOperation renders one operation as an ordered statement list.
func (d *PostgresDialect) RenderOperation(o op.Operation) ([]string, error) {
	q := quoteDouble

	switch o.Kind {
	case op.CreateTable:
		if o.TableDef == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		return createTableSQL(o.TableDef, q, postgresTypeSQL), nil

	case op.DropTable:
		return []string{fmt.Sprintf("DROP TABLE %s", q(o.Table))}, nil

	case op.AddColumn:
		if o.Column == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		stmts := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
			q(o.Table), columnClause(*o.Column, q, postgresTypeSQL))}
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

	case op.AlterColumnType:
		if o.Column == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		col := q(o.Column.Name)
		stmts := []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
			q(o.Table), col, postgresTypeSQL(o.Column.Type), col, postgresTypeSQL(o.Column.Type))}
		if o.Column.Default != nil {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s",
				q(o.Table), col, renderDefault(o.Column.Default)))
		} else {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT",
				q(o.Table), col))
		}
		return stmts, nil

	case op.AlterColumnNullability:
		if o.Column == nil {
			return nil, unsupportedOp(d.Name(), o)
		}
		action := "SET NOT NULL"
		if o.Column.Nullable {
			action = "DROP NOT NULL"
		}
		return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s",
			q(o.Table), q(o.Column.Name), action)}, nil

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
		return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s",
			q(o.Table), q(o.ForeignKey.Name))}, nil
	}

	return nil, unsupportedOp(d.Name(), o)
}
