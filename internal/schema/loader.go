package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadError reports an invalid declared schema. Table and Column name the
// offending definition where applicable.
type LoadError struct {
	Table  string
	Column string
	Reason string
}

func (e *LoadError) Error() string {
	switch {
	case e.Table != "" && e.Column != "":
		return fmt.Sprintf("invalid schema: table %s, column %s: %s", e.Table, e.Column, e.Reason)
	case e.Table != "":
		return fmt.Sprintf("invalid schema: table %s: %s", e.Table, e.Reason)
	default:
		return fmt.Sprintf("invalid schema: %s", e.Reason)
	}
}

// declared mirrors the YAML schema file layout. Defaults are plain YAML
// scalars and get typed against the column's logical type during conversion.
type declared struct {
	Tables []declaredTable `yaml:"tables"`
}

type declaredTable struct {
	Name        string           `yaml:"name"`
	Columns     []declaredColumn `yaml:"columns"`
	PrimaryKey  []string         `yaml:"primary_key"`
	Indexes     []Index          `yaml:"indexes"`
	ForeignKeys []declaredFK     `yaml:"foreign_keys"`
}

type declaredColumn struct {
	Name     string    `yaml:"name"`
	Type     string    `yaml:"type"`
	Nullable bool      `yaml:"nullable"`
	Default  yaml.Node `yaml:"default"`
	Unique   bool      `yaml:"unique"`
}

type declaredFK struct {
	Columns    []string  `yaml:"columns"`
	RefTable   string    `yaml:"ref_table"`
	RefColumns []string  `yaml:"ref_columns"`
	OnDelete   RefAction `yaml:"on_delete"`
	External   bool      `yaml:"external"`
}

// Load reads a declared schema file and returns the canonical schema.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema file %s: %w", path, err)
	}
	return s, nil
}

// Parse converts declared YAML table definitions into a validated canonical
// schema. It has no side effects.
func Parse(data []byte) (*Schema, error) {
	var doc declared
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &LoadError{Reason: fmt.Sprintf("invalid YAML: %v", err)}
	}

	s := &Schema{}
	for _, dt := range doc.Tables {
		table := Table{
			Name:       dt.Name,
			PrimaryKey: dt.PrimaryKey,
			Indexes:    dt.Indexes,
		}
		if dt.Name == "" {
			return nil, &LoadError{Reason: "table with empty name"}
		}
		for _, dc := range dt.Columns {
			col, err := convertColumn(dt.Name, dc)
			if err != nil {
				return nil, err
			}
			table.Columns = append(table.Columns, col)
		}
		for _, dfk := range dt.ForeignKeys {
			table.ForeignKeys = append(table.ForeignKeys, ForeignKey{
				Columns:    dfk.Columns,
				RefTable:   dfk.RefTable,
				RefColumns: dfk.RefColumns,
				OnDelete:   dfk.OnDelete.normalized(),
				External:   dfk.External,
			})
		}
		s.Tables = append(s.Tables, table)
	}

	if err := Validate(s); err != nil {
		return nil, err
	}
	s.Normalize()
	return s, nil
}

func convertColumn(table string, dc declaredColumn) (Column, error) {
	if dc.Name == "" {
		return Column{}, &LoadError{Table: table, Reason: "column with empty name"}
	}
	typ, err := ParseType(dc.Type)
	if err != nil {
		return Column{}, &LoadError{Table: table, Column: dc.Name, Reason: err.Error()}
	}
	col := Column{
		Name:     dc.Name,
		Type:     typ,
		Nullable: dc.Nullable,
		Unique:   dc.Unique,
	}
	if !dc.Default.IsZero() {
		def, err := decodeDefault(typ, &dc.Default)
		if err != nil {
			return Column{}, &LoadError{Table: table, Column: dc.Name, Reason: err.Error()}
		}
		col.Default = def
	}
	return col, nil
}

// decodeDefault types a YAML scalar default against the column's logical
// type, so a text column cannot silently carry a boolean default.
func decodeDefault(typ LogicalType, node *yaml.Node) (*Value, error) {
	switch typ.Name {
	case TypeInteger:
		var v int64
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("default value does not match type integer")
		}
		return IntValue(v), nil
	case TypeFloat:
		var v float64
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("default value does not match type float")
		}
		return FloatValue(v), nil
	case TypeBoolean:
		var v bool
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("default value does not match type boolean")
		}
		return BoolValue(v), nil
	case TypeText:
		var v string
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("default value does not match type text")
		}
		return TextValue(v), nil
	case TypeTimestamp, TypeDecimal, TypeBlob:
		var v string
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("default value for %s must be a literal string", typ)
		}
		return LiteralValue(typ.Name, v), nil
	default:
		return nil, fmt.Errorf("default value not supported for type %s", typ)
	}
}

// Validate checks the canonical schema invariants: unique table and column
// names, primary key columns present, resolvable foreign key targets (unless
// marked external), and default values matching their column types.
func Validate(s *Schema) error {
	tables := make(map[string]*Table, len(s.Tables))
	for i := range s.Tables {
		t := &s.Tables[i]
		if _, dup := tables[t.Name]; dup {
			return &LoadError{Table: t.Name, Reason: "duplicate table name"}
		}
		tables[t.Name] = t
	}

	for i := range s.Tables {
		t := &s.Tables[i]

		cols := make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			if cols[c.Name] {
				return &LoadError{Table: t.Name, Column: c.Name, Reason: "duplicate column name"}
			}
			cols[c.Name] = true
			if c.Default != nil && !c.Default.MatchesType(c.Type) {
				return &LoadError{Table: t.Name, Column: c.Name,
					Reason: fmt.Sprintf("default value kind %s does not match type %s", c.Default.Kind, c.Type)}
			}
		}

		for _, pk := range t.PrimaryKey {
			if !cols[pk] {
				return &LoadError{Table: t.Name, Column: pk, Reason: "primary key column not declared"}
			}
		}

		for _, idx := range t.Indexes {
			for _, ic := range idx.Columns {
				if !cols[ic] {
					return &LoadError{Table: t.Name, Column: ic,
						Reason: fmt.Sprintf("index %s references undeclared column", idx.Name)}
				}
			}
		}

		for _, fk := range t.ForeignKeys {
			for _, fc := range fk.Columns {
				if !cols[fc] {
					return &LoadError{Table: t.Name, Column: fc, Reason: "foreign key source column not declared"}
				}
			}
			if fk.External {
				continue
			}
			target, ok := tables[fk.RefTable]
			if !ok {
				return &LoadError{Table: t.Name,
					Reason: fmt.Sprintf("foreign key target table %s not declared (mark external to skip)", fk.RefTable)}
			}
			for _, rc := range fk.RefColumns {
				if target.Column(rc) == nil {
					return &LoadError{Table: t.Name, Column: rc,
						Reason: fmt.Sprintf("foreign key target column not found in table %s", fk.RefTable)}
				}
			}
		}
	}
	return nil
}
