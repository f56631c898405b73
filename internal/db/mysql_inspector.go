package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/schemi-dev/schemi/internal/schema"
)

// MySQLInspector reads the live catalog of a MySQL database.
type MySQLInspector struct {
	client     *MySQLClient
	schemaName string
}

// NewMySQLInspector creates a MySQL catalog inspector scoped to one database.
func NewMySQLInspector(client *MySQLClient, schemaName string) *MySQLInspector {
	return &MySQLInspector{
		client:     client,
		schemaName: schemaName,
	}
}

// InspectSchema enumerates tables, columns, indexes, and foreign keys as
// they exist now. It re-reads live state on every call; nothing is cached.
func (i *MySQLInspector) InspectSchema(ctx context.Context) (*schema.Schema, error) {
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

func (i *MySQLInspector) tableNames(ctx context.Context) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = ?
			AND table_type = 'BASE TABLE'
			AND table_name NOT LIKE 'schemi\_%'
		ORDER BY table_name
	`

	rows, err := i.client.GetDB().QueryContext(ctx, query, i.schemaName)
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

func (i *MySQLInspector) inspectTable(ctx context.Context, tableName string) (*schema.Table, error) {
	table := &schema.Table{Name: tableName}

	if err := i.inspectColumns(ctx, table); err != nil {
		return nil, fmt.Errorf("failed to inspect columns: %w", err)
	}
	if err := i.inspectPrimaryKey(ctx, table); err != nil {
		return nil, fmt.Errorf("failed to inspect primary key: %w", err)
	}
	if err := i.inspectForeignKeys(ctx, table); err != nil {
		return nil, fmt.Errorf("failed to inspect foreign keys: %w", err)
	}
	if err := i.inspectIndexes(ctx, table); err != nil {
		return nil, fmt.Errorf("failed to inspect indexes: %w", err)
	}

	return table, nil
}

func (i *MySQLInspector) inspectColumns(ctx context.Context, table *schema.Table) error {
	query := `
		SELECT
			c.column_name,
			c.column_type,
			c.data_type,
			c.is_nullable,
			c.column_default,
			c.numeric_precision,
			c.numeric_scale
		FROM information_schema.columns c
		WHERE c.table_schema = ? AND c.table_name = ?
		ORDER BY c.ordinal_position
	`

	rows, err := i.client.GetDB().QueryContext(ctx, query, i.schemaName, table.Name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name, columnType, dataType, nullable string
			defaultVal                           sql.NullString
			precision, scale                     sql.NullInt64
		)
		if err := rows.Scan(&name, &columnType, &dataType, &nullable, &defaultVal, &precision, &scale); err != nil {
			return err
		}

		typ := mapMySQLType(columnType, dataType, precision, scale)
		col := schema.Column{
			Name:     name,
			Type:     typ,
			Nullable: nullable == "YES",
		}
		if defaultVal.Valid {
			col.Default = parseCatalogDefault(&defaultVal.String, typ)
		}

		table.Columns = append(table.Columns, col)
	}
	return rows.Err()
}

var mysqlIntPattern = regexp.MustCompile(`^(?:tinyint|smallint|mediumint|int|bigint)\b`)

// mapMySQLType maps a MySQL column type to the logical enum. tinyint(1) is
// the conventional boolean encoding and is treated as such.
func mapMySQLType(columnType, dataType string, precision, scale sql.NullInt64) schema.LogicalType {
	ct := strings.ToLower(strings.TrimSpace(columnType))

	if ct == "tinyint(1)" || dataType == "boolean" || dataType == "bool" {
		return schema.LogicalType{Name: schema.TypeBoolean}
	}

	switch dataType {
	case "decimal", "numeric":
		p, s := 0, 0
		if precision.Valid {
			p = int(precision.Int64)
		}
		if scale.Valid {
			s = int(scale.Int64)
		}
		return schema.LogicalType{Name: schema.TypeDecimal, Precision: p, Scale: s}
	case "text", "varchar", "char", "tinytext", "mediumtext", "longtext":
		return schema.LogicalType{Name: schema.TypeText}
	case "float", "double":
		return schema.LogicalType{Name: schema.TypeFloat}
	case "timestamp", "datetime":
		return schema.LogicalType{Name: schema.TypeTimestamp}
	case "blob", "tinyblob", "mediumblob", "longblob", "binary", "varbinary":
		return schema.LogicalType{Name: schema.TypeBlob}
	}

	if mysqlIntPattern.MatchString(ct) {
		return schema.LogicalType{Name: schema.TypeInteger}
	}
	return schema.Unknown(columnType)
}

func (i *MySQLInspector) inspectPrimaryKey(ctx context.Context, table *schema.Table) error {
	query := `
		SELECT column_name
		FROM information_schema.key_column_usage
		WHERE table_schema = ?
			AND table_name = ?
			AND constraint_name = 'PRIMARY'
		ORDER BY ordinal_position
	`

	rows, err := i.client.GetDB().QueryContext(ctx, query, i.schemaName, table.Name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var colName string
		if err := rows.Scan(&colName); err != nil {
			return err
		}
		table.PrimaryKey = append(table.PrimaryKey, colName)
	}
	return rows.Err()
}

// inspectForeignKeys groups key_column_usage rows by constraint name so
// composite keys come back as one constraint with ordered column lists.
func (i *MySQLInspector) inspectForeignKeys(ctx context.Context, table *schema.Table) error {
	query := `
		SELECT
			kcu.constraint_name,
			kcu.column_name,
			kcu.referenced_table_name,
			kcu.referenced_column_name,
			rc.delete_rule
		FROM information_schema.key_column_usage kcu
		JOIN information_schema.referential_constraints rc
			ON rc.constraint_schema = kcu.table_schema
			AND rc.constraint_name = kcu.constraint_name
		WHERE kcu.table_schema = ?
			AND kcu.table_name = ?
			AND kcu.referenced_table_name IS NOT NULL
		ORDER BY kcu.constraint_name, kcu.ordinal_position
	`

	rows, err := i.client.GetDB().QueryContext(ctx, query, i.schemaName, table.Name)
	if err != nil {
		return err
	}
	defer rows.Close()

	byName := make(map[string]*schema.ForeignKey)
	var order []string
	for rows.Next() {
		var constraintName, colName, refTable, refColumn, deleteRule string
		if err := rows.Scan(&constraintName, &colName, &refTable, &refColumn, &deleteRule); err != nil {
			return err
		}
		fk, ok := byName[constraintName]
		if !ok {
			fk = &schema.ForeignKey{
				Name:     constraintName,
				RefTable: refTable,
				OnDelete: schema.ParseRefAction(deleteRule),
			}
			byName[constraintName] = fk
			order = append(order, constraintName)
		}
		fk.Columns = append(fk.Columns, colName)
		fk.RefColumns = append(fk.RefColumns, refColumn)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	sort.Strings(order)
	for _, name := range order {
		table.ForeignKeys = append(table.ForeignKeys, *byName[name])
	}
	return nil
}

// inspectIndexes fills the table's index list, folding single-column
// unique indexes into the column's unique flag. Indexes MySQL creates to
// back foreign keys are indistinguishable from user indexes and are kept.
func (i *MySQLInspector) inspectIndexes(ctx context.Context, table *schema.Table) error {
	query := `
		SELECT
			s.index_name,
			s.non_unique = 0 AS is_unique,
			GROUP_CONCAT(s.column_name ORDER BY s.seq_in_index) AS column_names
		FROM information_schema.statistics s
		WHERE s.table_schema = ?
			AND s.table_name = ?
			AND s.index_name != 'PRIMARY'
		GROUP BY s.index_name, s.non_unique
		ORDER BY s.index_name
	`

	rows, err := i.client.GetDB().QueryContext(ctx, query, i.schemaName, table.Name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name, columnNames string
			isUnique          int
		)
		if err := rows.Scan(&name, &isUnique, &columnNames); err != nil {
			return err
		}
		columns := strings.Split(columnNames, ",")

		if isUnique == 1 && len(columns) == 1 {
			if col := table.Column(columns[0]); col != nil {
				col.Unique = true
				continue
			}
		}
		table.Indexes = append(table.Indexes, schema.Index{
			Name:    name,
			Columns: columns,
			Unique:  isUnique == 1,
		})
	}
	return rows.Err()
}
