package db

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/schemi-dev/schemi/internal/schema"
)

// PostgresInspector reads the live catalog of a PostgreSQL schema.
type PostgresInspector struct {
	client *PostgresClient
	schema string
}

// NewPostgresInspector creates an inspector for the given schema name
// (usually "public").
func NewPostgresInspector(client *PostgresClient, schemaName string) *PostgresInspector {
	return &PostgresInspector{
		client: client,
		schema: schemaName,
	}
}

// InspectSchema enumerates tables, columns, indexes, and foreign keys as
// they exist now. It re-reads live state on every call; nothing is cached.
func (i *PostgresInspector) InspectSchema(ctx context.Context) (*schema.Schema, error) {
	tableNames, err := i.tableNames(ctx)
	if err != nil {
		return nil, i.wrap("failed to list tables", err)
	}

	s := &schema.Schema{}
	for _, tableName := range tableNames {
		table, err := i.inspectTable(ctx, tableName)
		if err != nil {
			return nil, i.wrap(fmt.Sprintf("failed to inspect table %s", tableName), err)
		}
		s.Tables = append(s.Tables, *table)
	}
	s.Normalize()
	return s, nil
}

func (i *PostgresInspector) wrap(msg string, err error) error {
	if isPermissionDenied(err) {
		return &PermissionError{Engine: "postgres", Err: err}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func (i *PostgresInspector) tableNames(ctx context.Context) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
			AND table_name NOT LIKE 'schemi\_%'
		ORDER BY table_name
	`

	rows, err := i.client.GetConnection().Query(ctx, query, i.schema)
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

func (i *PostgresInspector) inspectTable(ctx context.Context, tableName string) (*schema.Table, error) {
	table := &schema.Table{Name: tableName}

	columns, err := i.inspectColumns(ctx, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect columns: %w", err)
	}
	table.Columns = columns

	pk, err := i.inspectPrimaryKey(ctx, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect primary key: %w", err)
	}
	table.PrimaryKey = pk

	fks, err := i.inspectForeignKeys(ctx, tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect foreign keys: %w", err)
	}
	table.ForeignKeys = fks

	if err := i.inspectIndexes(ctx, table); err != nil {
		return nil, fmt.Errorf("failed to inspect indexes: %w", err)
	}

	return table, nil
}

func (i *PostgresInspector) inspectColumns(ctx context.Context, tableName string) ([]schema.Column, error) {
	query := `
		SELECT
			column_name,
			data_type,
			udt_name,
			is_nullable,
			column_default,
			numeric_precision,
			numeric_scale
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`

	rows, err := i.client.GetConnection().Query(ctx, query, i.schema, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []schema.Column
	for rows.Next() {
		var (
			name, dataType, udtName, nullable string
			defaultVal                        *string
			precision, scale                  *int
		)
		if err := rows.Scan(&name, &dataType, &udtName, &nullable, &defaultVal, &precision, &scale); err != nil {
			return nil, err
		}

		typ := mapPostgresType(dataType, udtName, precision, scale)
		col := schema.Column{
			Name:     name,
			Type:     typ,
			Nullable: nullable == "YES",
			Default:  parseCatalogDefault(defaultVal, typ),
		}
		columns = append(columns, col)
	}

	return columns, rows.Err()
}

// mapPostgresType maps a native PostgreSQL type to the logical enum.
// Unmappable types surface as unknown rather than failing the inspection.
func mapPostgresType(dataType, udtName string, precision, scale *int) schema.LogicalType {
	switch dataType {
	case "integer", "bigint", "smallint":
		return schema.LogicalType{Name: schema.TypeInteger}
	case "text", "character varying", "character":
		return schema.LogicalType{Name: schema.TypeText}
	case "boolean":
		return schema.LogicalType{Name: schema.TypeBoolean}
	case "real", "double precision":
		return schema.LogicalType{Name: schema.TypeFloat}
	case "timestamp without time zone", "timestamp with time zone":
		return schema.LogicalType{Name: schema.TypeTimestamp}
	case "bytea":
		return schema.LogicalType{Name: schema.TypeBlob}
	case "numeric":
		t := schema.LogicalType{Name: schema.TypeDecimal}
		if precision != nil {
			t.Precision = *precision
		}
		if scale != nil {
			t.Scale = *scale
		}
		return t
	default:
		if udtName != "" {
			return schema.Unknown(udtName)
		}
		return schema.Unknown(dataType)
	}
}

func (i *PostgresInspector) inspectPrimaryKey(ctx context.Context, tableName string) ([]string, error) {
	query := `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = $1
			AND tc.table_name = $2
			AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position
	`

	rows, err := i.client.GetConnection().Query(ctx, query, i.schema, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var colName string
		if err := rows.Scan(&colName); err != nil {
			return nil, err
		}
		pk = append(pk, colName)
	}

	return pk, rows.Err()
}

func (i *PostgresInspector) inspectForeignKeys(ctx context.Context, tableName string) ([]schema.ForeignKey, error) {
	query := `
		SELECT
			tc.constraint_name,
			kcu.column_name,
			ccu.table_name AS foreign_table_name,
			ccu.column_name AS foreign_column_name,
			rc.delete_rule
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		JOIN information_schema.referential_constraints rc
			ON rc.constraint_name = tc.constraint_name
			AND rc.constraint_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = $1
			AND tc.table_name = $2
		ORDER BY tc.constraint_name, kcu.ordinal_position
	`

	rows, err := i.client.GetConnection().Query(ctx, query, i.schema, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// Multi-column constraints arrive as one row per column pair; group by
	// constraint name.
	byName := make(map[string]*schema.ForeignKey)
	var order []string
	for rows.Next() {
		var constraint, column, refTable, refColumn, deleteRule string
		if err := rows.Scan(&constraint, &column, &refTable, &refColumn, &deleteRule); err != nil {
			return nil, err
		}
		fk, ok := byName[constraint]
		if !ok {
			fk = &schema.ForeignKey{
				Name:     constraint,
				RefTable: refTable,
				OnDelete: schema.ParseRefAction(deleteRule),
			}
			byName[constraint] = fk
			order = append(order, constraint)
		}
		fk.Columns = append(fk.Columns, column)
		fk.RefColumns = append(fk.RefColumns, refColumn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Strings(order)
	var fks []schema.ForeignKey
	for _, name := range order {
		fks = append(fks, *byName[name])
	}
	return fks, nil
}

// inspectIndexes fills the table's index list. Single-column unique indexes
// fold into the column's unique flag, matching how declared schemas express
// them.
func (i *PostgresInspector) inspectIndexes(ctx context.Context, table *schema.Table) error {
	query := `
		SELECT
			i.relname AS index_name,
			ix.indisunique AS is_unique,
			array_agg(a.attname ORDER BY array_position(ix.indkey, a.attnum)) AS column_names
		FROM pg_class t
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		JOIN pg_namespace n ON n.oid = t.relnamespace
		WHERE t.relkind = 'r'
			AND n.nspname = $1
			AND t.relname = $2
			AND NOT ix.indisprimary
		GROUP BY i.relname, ix.indisunique
		ORDER BY i.relname
	`

	rows, err := i.client.GetConnection().Query(ctx, query, i.schema, table.Name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var idx schema.Index
		if err := rows.Scan(&idx.Name, &idx.Unique, &idx.Columns); err != nil {
			return err
		}
		if idx.Unique && len(idx.Columns) == 1 {
			if col := table.Column(idx.Columns[0]); col != nil {
				col.Unique = true
				continue
			}
		}
		table.Indexes = append(table.Indexes, idx)
	}

	return rows.Err()
}

// parseCatalogDefault maps a catalog default expression to a typed value,
// best-effort. Sequence-backed defaults (nextval) and other expressions the
// engine owns are not modeled and return nil.
func parseCatalogDefault(raw *string, typ schema.LogicalType) *schema.Value {
	if raw == nil {
		return nil
	}
	expr := strings.TrimSpace(*raw)
	if expr == "" || strings.HasPrefix(expr, "nextval(") {
		return nil
	}

	// Strip a trailing ::type cast, e.g. 'active'::text.
	if idx := strings.Index(expr, "::"); idx != -1 {
		expr = expr[:idx]
	}

	switch typ.Name {
	case schema.TypeInteger:
		if v, err := strconv.ParseInt(expr, 10, 64); err == nil {
			return schema.IntValue(v)
		}
	case schema.TypeFloat:
		if v, err := strconv.ParseFloat(expr, 64); err == nil {
			return schema.FloatValue(v)
		}
	case schema.TypeBoolean:
		switch strings.ToLower(expr) {
		case "true", "1":
			return schema.BoolValue(true)
		case "false", "0":
			return schema.BoolValue(false)
		}
	case schema.TypeText:
		return schema.TextValue(unquoteSQL(expr))
	case schema.TypeTimestamp, schema.TypeDecimal, schema.TypeBlob:
		return schema.LiteralValue(typ.Name, normalizeDefaultLiteral(expr))
	}
	return nil
}

func unquoteSQL(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}

// normalizeDefaultLiteral canonicalizes expression spellings that vary by
// engine, so diffs do not churn on equivalent defaults.
func normalizeDefaultLiteral(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CURRENT_TIMESTAMP", "NOW()", "CURRENT_TIMESTAMP()":
		return "CURRENT_TIMESTAMP"
	}
	return unquoteSQL(s)
}
