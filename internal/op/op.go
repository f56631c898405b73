// Package op defines the atomic schema operations produced by the differ and
// recorded in revisions. Every operation carries enough payload to render its
// SQL and to compute an inverse.
package op

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/schemi-dev/schemi/internal/schema"
)

// Kind tags the operation variant.
type Kind string

const (
	CreateTable            Kind = "create_table"
	DropTable              Kind = "drop_table"
	AddColumn              Kind = "add_column"
	DropColumn             Kind = "drop_column"
	AlterColumnType        Kind = "alter_column_type"
	AlterColumnNullability Kind = "alter_column_nullability"
	AddIndex               Kind = "add_index"
	DropIndex              Kind = "drop_index"
	AddForeignKey          Kind = "add_foreign_key"
	DropForeignKey         Kind = "drop_foreign_key"
)

// Operation is a single schema change. Which payload fields are set depends
// on Kind:
//
//   - CreateTable, DropTable: TableDef is the full table definition
//   - AddColumn, DropColumn: Column
//   - AlterColumnType, AlterColumnNullability: Column (desired) and
//     PrevColumn (prior definition, for the inverse)
//   - AddIndex, DropIndex: Index
//   - AddForeignKey, DropForeignKey: ForeignKey
//
// For operations that modify an existing table, TableDef and PrevTableDef
// hold the table's shape after and before the change. Engines without an
// in-place ALTER (SQLite) rebuild the table from TableDef; other dialects
// ignore these fields.
//
// Lossy marks inverses of destructive operations: re-creating a dropped
// table or column restores the structure but not the data.
type Operation struct {
	Kind         Kind               `yaml:"kind"`
	Table        string             `yaml:"table"`
	TableDef     *schema.Table      `yaml:"table_def,omitempty"`
	PrevTableDef *schema.Table      `yaml:"prev_table_def,omitempty"`
	Column       *schema.Column     `yaml:"column,omitempty"`
	PrevColumn   *schema.Column     `yaml:"prev_column,omitempty"`
	Index        *schema.Index      `yaml:"index,omitempty"`
	ForeignKey   *schema.ForeignKey `yaml:"foreign_key,omitempty"`
	Lossy        bool               `yaml:"lossy,omitempty"`
}

// String names the operation and its target for error messages and logs.
func (o Operation) String() string {
	switch o.Kind {
	case AddColumn, DropColumn, AlterColumnType, AlterColumnNullability:
		if o.Column != nil {
			return fmt.Sprintf("%s %s.%s", o.Kind, o.Table, o.Column.Name)
		}
	case AddIndex, DropIndex:
		if o.Index != nil {
			return fmt.Sprintf("%s %s.%s", o.Kind, o.Table, o.Index.Name)
		}
	case AddForeignKey, DropForeignKey:
		if o.ForeignKey != nil {
			return fmt.Sprintf("%s %s -> %s", o.Kind, o.Table, o.ForeignKey.RefTable)
		}
	}
	return fmt.Sprintf("%s %s", o.Kind, o.Table)
}

// Inverse returns the operation that undoes this one. Inverses of DropTable
// and DropColumn restore structure only and are marked Lossy.
func (o Operation) Inverse() (Operation, error) {
	inv := Operation{
		Table:        o.Table,
		TableDef:     o.PrevTableDef,
		PrevTableDef: o.TableDef,
	}
	switch o.Kind {
	case CreateTable:
		inv.Kind = DropTable
		inv.TableDef = o.TableDef
		inv.PrevTableDef = nil
	case DropTable:
		inv.Kind = CreateTable
		inv.TableDef = o.TableDef
		inv.PrevTableDef = nil
		inv.Lossy = true
	case AddColumn:
		inv.Kind = DropColumn
		inv.Column = o.Column
	case DropColumn:
		inv.Kind = AddColumn
		inv.Column = o.Column
		inv.Lossy = true
	case AlterColumnType, AlterColumnNullability:
		inv.Kind = o.Kind
		inv.Column = o.PrevColumn
		inv.PrevColumn = o.Column
	case AddIndex:
		inv.Kind = DropIndex
		inv.Index = o.Index
	case DropIndex:
		inv.Kind = AddIndex
		inv.Index = o.Index
	case AddForeignKey:
		inv.Kind = DropForeignKey
		inv.ForeignKey = o.ForeignKey
	case DropForeignKey:
		inv.Kind = AddForeignKey
		inv.ForeignKey = o.ForeignKey
	default:
		return Operation{}, fmt.Errorf("no inverse defined for operation kind %q", o.Kind)
	}
	return inv, nil
}

// InverseList returns the inverse of an operation sequence: each operation
// inverted, in reverse order.
func InverseList(ops []Operation) ([]Operation, error) {
	out := make([]Operation, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		inv, err := ops[i].Inverse()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// Canonical returns the stable serialized form of an operation list, used
// for revision hashing and artifact storage. YAML field order follows struct
// declaration order, so identical operation lists always serialize
// identically.
func Canonical(ops []Operation) ([]byte, error) {
	data, err := yaml.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize operations: %w", err)
	}
	return data, nil
}

// ParseCanonical decodes an operation list serialized by Canonical.
func ParseCanonical(data []byte) ([]Operation, error) {
	var ops []Operation
	if err := yaml.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("failed to parse operations: %w", err)
	}
	return ops, nil
}
