package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/schemi-dev/schemi/internal/schema"
)

// SQLiteInspector reads the live catalog of a SQLite database.
type SQLiteInspector struct {
	client *SQLiteClient
}

// NewSQLiteInspector creates a SQLite catalog inspector.
func NewSQLiteInspector(client *SQLiteClient) *SQLiteInspector {
	return &SQLiteInspector{client: client}
}

// InspectSchema enumerates tables, columns, indexes, and foreign keys as
// they exist now. It re-reads live state on every call; nothing is cached.
func (i *SQLiteInspector) InspectSchema(ctx context.Context) (*schema.Schema, error) {
	tableNames, err := i.tableNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	s := &schema.Schema{}
	for _, tableName := range tableNames {
		table, err := i.inspectTable(ctx, tableName)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect table %s: %w", tableName, err)
		}
		s.Tables = append(s.Tables, *table)
	}
	s.Normalize()
	return s, nil
}

func (i *SQLiteInspector) tableNames(ctx context.Context) ([]string, error) {
	query := `
		SELECT name
		FROM sqlite_master
		WHERE type = 'table'
			AND name NOT LIKE 'sqlite_%'
			AND name NOT LIKE 'schemi_%'
		ORDER BY name
	`

	rows, err := i.client.GetDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, err
		}
		tables = append(tables, tableName)
	}

	return tables, rows.Err()
}

func (i *SQLiteInspector) inspectTable(ctx context.Context, tableName string) (*schema.Table, error) {
	table := &schema.Table{Name: tableName}

	if err := i.inspectColumns(ctx, table); err != nil {
		return nil, fmt.Errorf("failed to inspect columns: %w", err)
	}
	if err := i.inspectForeignKeys(ctx, table); err != nil {
		return nil, fmt.Errorf("failed to inspect foreign keys: %w", err)
	}
	if err := i.inspectIndexes(ctx, table); err != nil {
		return nil, fmt.Errorf("failed to inspect indexes: %w", err)
	}

	return table, nil
}

// inspectColumns fills columns and the primary key from PRAGMA table_info.
func (i *SQLiteInspector) inspectColumns(ctx context.Context, table *schema.Table) error {
	query := fmt.Sprintf("PRAGMA table_info(%q)", table.Name)

	rows, err := i.client.GetDB().QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	type pkCol struct {
		name  string
		order int
	}
	var pk []pkCol

	for rows.Next() {
		var (
			cid, notNull, pkOrder int
			name, declType        string
			defaultValue          sql.NullString
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &defaultValue, &pkOrder); err != nil {
			return err
		}

		typ := mapSQLiteType(declType)
		col := schema.Column{
			Name:     name,
			Type:     typ,
			Nullable: notNull == 0,
		}
		if defaultValue.Valid {
			col.Default = parseCatalogDefault(&defaultValue.String, typ)
		}
		if pkOrder > 0 {
			col.Nullable = false
			pk = append(pk, pkCol{name: name, order: pkOrder})
		}

		table.Columns = append(table.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sort.Slice(pk, func(a, b int) bool { return pk[a].order < pk[b].order })
	for _, c := range pk {
		table.PrimaryKey = append(table.PrimaryKey, c.name)
	}
	return nil
}

var sqliteDecimalPattern = regexp.MustCompile(`(?i)^(?:decimal|numeric)\s*\((\d+)\s*,\s*(\d+)\)$`)

// mapSQLiteType maps a declared SQLite column type to the logical enum.
// SQLite preserves declared type names, so this follows its own affinity
// rules loosely; unrecognized declarations surface as unknown.
func mapSQLiteType(declType string) schema.LogicalType {
	decl := strings.ToUpper(strings.TrimSpace(declType))

	if m := sqliteDecimalPattern.FindStringSubmatch(declType); m != nil {
		precision, _ := strconv.Atoi(m[1])
		scale, _ := strconv.Atoi(m[2])
		return schema.LogicalType{Name: schema.TypeDecimal, Precision: precision, Scale: scale}
	}

	switch {
	case decl == "INTEGER" || decl == "INT" || decl == "BIGINT" || decl == "SMALLINT":
		return schema.LogicalType{Name: schema.TypeInteger}
	case decl == "TEXT" || strings.HasPrefix(decl, "VARCHAR") || strings.HasPrefix(decl, "CHAR"):
		return schema.LogicalType{Name: schema.TypeText}
	case decl == "BOOLEAN" || decl == "BOOL":
		return schema.LogicalType{Name: schema.TypeBoolean}
	case decl == "REAL" || decl == "FLOAT" || decl == "DOUBLE" || decl == "DOUBLE PRECISION":
		return schema.LogicalType{Name: schema.TypeFloat}
	case decl == "TIMESTAMP" || decl == "DATETIME":
		return schema.LogicalType{Name: schema.TypeTimestamp}
	case decl == "BLOB":
		return schema.LogicalType{Name: schema.TypeBlob}
	default:
		return schema.Unknown(declType)
	}
}

// inspectForeignKeys groups PRAGMA foreign_key_list rows into multi-column
// constraints by their id.
func (i *SQLiteInspector) inspectForeignKeys(ctx context.Context, table *schema.Table) error {
	query := fmt.Sprintf("PRAGMA foreign_key_list(%q)", table.Name)

	rows, err := i.client.GetDB().QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	byID := make(map[int]*schema.ForeignKey)
	var order []int
	for rows.Next() {
		var (
			id, seq                                       int
			refTable, fromCol, onUpdate, onDelete, match string
			toCol                                        sql.NullString
		)
		if err := rows.Scan(&id, &seq, &refTable, &fromCol, &toCol, &onUpdate, &onDelete, &match); err != nil {
			return err
		}
		fk, ok := byID[id]
		if !ok {
			fk = &schema.ForeignKey{
				RefTable: refTable,
				OnDelete: schema.ParseRefAction(onDelete),
			}
			byID[id] = fk
			order = append(order, id)
		}
		fk.Columns = append(fk.Columns, fromCol)
		if toCol.Valid {
			fk.RefColumns = append(fk.RefColumns, toCol.String)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sort.Ints(order)
	for _, id := range order {
		table.ForeignKeys = append(table.ForeignKeys, *byID[id])
	}
	return nil
}

// inspectIndexes fills the table's index list from PRAGMA index_list,
// folding single-column unique indexes into the column's unique flag.
func (i *SQLiteInspector) inspectIndexes(ctx context.Context, table *schema.Table) error {
	query := fmt.Sprintf("PRAGMA index_list(%q)", table.Name)

	rows, err := i.client.GetDB().QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	type listed struct {
		name   string
		unique bool
	}
	var indexes []listed
	for rows.Next() {
		var (
			seq, unique, partial int
			name, origin         string
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return err
		}
		// Skip the indexes SQLite creates for PRIMARY KEY and UNIQUE
		// column constraints; those surface through the column flags.
		if strings.HasPrefix(name, "sqlite_autoindex") && origin != "c" {
			if origin == "u" && unique == 1 {
				cols, err := i.indexColumns(ctx, name)
				if err != nil {
					return err
				}
				if len(cols) == 1 {
					if col := table.Column(cols[0]); col != nil {
						col.Unique = true
					}
				} else {
					table.Indexes = append(table.Indexes, schema.Index{Name: name, Columns: cols, Unique: true})
				}
			}
			continue
		}
		indexes = append(indexes, listed{name: name, unique: unique == 1})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, idx := range indexes {
		cols, err := i.indexColumns(ctx, idx.name)
		if err != nil {
			return err
		}
		if len(cols) == 0 {
			continue
		}
		if idx.unique && len(cols) == 1 {
			if col := table.Column(cols[0]); col != nil {
				col.Unique = true
				continue
			}
		}
		table.Indexes = append(table.Indexes, schema.Index{Name: idx.name, Columns: cols, Unique: idx.unique})
	}
	return nil
}

func (i *SQLiteInspector) indexColumns(ctx context.Context, indexName string) ([]string, error) {
	query := fmt.Sprintf("PRAGMA index_info(%q)", indexName)

	rows, err := i.client.GetDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var seqno, cid int
		var colName sql.NullString
		if err := rows.Scan(&seqno, &cid, &colName); err != nil {
			return nil, err
		}
		if colName.Valid {
			columns = append(columns, colName.String)
		}
	}
	return columns, rows.Err()
}
