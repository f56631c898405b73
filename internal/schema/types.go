package schema

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// TypeName identifies a logical column type, independent of any database engine.
type TypeName string

const (
	TypeInteger   TypeName = "integer"
	TypeText      TypeName = "text"
	TypeBoolean   TypeName = "boolean"
	TypeFloat     TypeName = "float"
	TypeTimestamp TypeName = "timestamp"
	TypeBlob      TypeName = "blob"
	TypeDecimal   TypeName = "decimal"

	// TypeUnknown carries the raw engine type name for native types the
	// inspector cannot map. Columns of unknown type are never auto-altered.
	TypeUnknown TypeName = "unknown"
)

// LogicalType is an engine-independent column type. Precision and Scale are
// only meaningful for decimal; Raw is only set for unknown types.
type LogicalType struct {
	Name      TypeName
	Precision int
	Scale     int
	Raw       string
}

var (
	decimalPattern = regexp.MustCompile(`^decimal\((\d+),\s*(\d+)\)$`)
	unknownPattern = regexp.MustCompile(`^unknown\((.*)\)$`)
)

// ParseType parses the textual form used in schema files and revision
// artifacts: "integer", "decimal(10,2)", "unknown(tsvector)", etc.
func ParseType(s string) (LogicalType, error) {
	s = strings.TrimSpace(strings.ToLower(s))

	switch TypeName(s) {
	case TypeInteger, TypeText, TypeBoolean, TypeFloat, TypeTimestamp, TypeBlob:
		return LogicalType{Name: TypeName(s)}, nil
	}

	if m := decimalPattern.FindStringSubmatch(s); m != nil {
		precision, err := strconv.Atoi(m[1])
		if err != nil {
			return LogicalType{}, fmt.Errorf("invalid decimal precision: %w", err)
		}
		scale, err := strconv.Atoi(m[2])
		if err != nil {
			return LogicalType{}, fmt.Errorf("invalid decimal scale: %w", err)
		}
		return LogicalType{Name: TypeDecimal, Precision: precision, Scale: scale}, nil
	}

	if m := unknownPattern.FindStringSubmatch(s); m != nil {
		return LogicalType{Name: TypeUnknown, Raw: m[1]}, nil
	}

	return LogicalType{}, fmt.Errorf("unsupported logical type: %q", s)
}

// Unknown wraps a native type name the inspector could not map.
func Unknown(raw string) LogicalType {
	return LogicalType{Name: TypeUnknown, Raw: raw}
}

// String returns the textual form accepted by ParseType.
func (t LogicalType) String() string {
	switch t.Name {
	case TypeDecimal:
		return fmt.Sprintf("decimal(%d,%d)", t.Precision, t.Scale)
	case TypeUnknown:
		return fmt.Sprintf("unknown(%s)", t.Raw)
	default:
		return string(t.Name)
	}
}

// Equal reports whether two logical types are identical.
func (t LogicalType) Equal(o LogicalType) bool {
	return t == o
}

// MarshalYAML serializes the type in its textual form.
func (t LogicalType) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// UnmarshalYAML parses the textual form.
func (t *LogicalType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value is a typed default value for a column. Kind names the logical type
// family the literal belongs to; the matching field carries the value.
// Timestamp, decimal, and blob defaults use the Text field in literal form.
type Value struct {
	Kind  TypeName `yaml:"kind"`
	Int   int64    `yaml:"int,omitempty"`
	Float float64  `yaml:"float,omitempty"`
	Bool  bool     `yaml:"bool,omitempty"`
	Text  string   `yaml:"text,omitempty"`
}

// IntValue builds an integer default.
func IntValue(v int64) *Value { return &Value{Kind: TypeInteger, Int: v} }

// TextValue builds a text default.
func TextValue(v string) *Value { return &Value{Kind: TypeText, Text: v} }

// BoolValue builds a boolean default.
func BoolValue(v bool) *Value { return &Value{Kind: TypeBoolean, Bool: v} }

// FloatValue builds a float default.
func FloatValue(v float64) *Value { return &Value{Kind: TypeFloat, Float: v} }

// LiteralValue builds a default carried as a literal string, used for
// timestamp, decimal, and blob defaults.
func LiteralValue(kind TypeName, literal string) *Value {
	return &Value{Kind: kind, Text: literal}
}

// MatchesType reports whether the value's kind is valid for the given
// logical type. Unknown-typed columns accept any default since the engine
// owns their semantics.
func (v *Value) MatchesType(t LogicalType) bool {
	if t.Name == TypeUnknown {
		return true
	}
	return v.Kind == t.Name
}

// Equal reports whether two defaults are identical. Nil defaults are equal.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == o
	}
	return *v == *o
}

// Column represents a table column.
type Column struct {
	Name     string      `yaml:"name"`
	Type     LogicalType `yaml:"type"`
	Nullable bool        `yaml:"nullable"`
	Default  *Value      `yaml:"default,omitempty"`
	Unique   bool        `yaml:"unique,omitempty"`
}

// Equal reports structural equality of two columns.
func (c Column) Equal(o Column) bool {
	return c.Name == o.Name &&
		c.Type.Equal(o.Type) &&
		c.Nullable == o.Nullable &&
		c.Unique == o.Unique &&
		c.Default.Equal(o.Default)
}

// Index represents a database index.
type Index struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique,omitempty"`
}

// StructurallyEqual compares column list and uniqueness, ignoring the name.
func (i Index) StructurallyEqual(o Index) bool {
	return i.Unique == o.Unique && equalStrings(i.Columns, o.Columns)
}

// RefAction is a foreign key on-delete policy.
type RefAction string

const (
	NoAction RefAction = "no-action"
	Cascade  RefAction = "cascade"
	Restrict RefAction = "restrict"
	SetNull  RefAction = "set-null"
)

// ParseRefAction maps engine-native action spellings to a RefAction.
func ParseRefAction(s string) RefAction {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", " ")) {
	case "CASCADE":
		return Cascade
	case "RESTRICT":
		return Restrict
	case "SET NULL", "SET-NULL":
		return SetNull
	default:
		return NoAction
	}
}

// SQL returns the action in its SQL spelling.
func (a RefAction) SQL() string {
	switch a {
	case Cascade:
		return "CASCADE"
	case Restrict:
		return "RESTRICT"
	case SetNull:
		return "SET NULL"
	default:
		return "NO ACTION"
	}
}

func (a RefAction) normalized() RefAction {
	if a == "" {
		return NoAction
	}
	return a
}

// ForeignKey represents a foreign key constraint.
//
// Name is the engine constraint name when inspected from a live catalog; it
// is ignored by structural comparison. External marks references to tables
// outside the declared schema, which skip resolution checks during load.
type ForeignKey struct {
	Name       string    `yaml:"name,omitempty"`
	Columns    []string  `yaml:"columns"`
	RefTable   string    `yaml:"ref_table"`
	RefColumns []string  `yaml:"ref_columns"`
	OnDelete   RefAction `yaml:"on_delete,omitempty"`
	External   bool      `yaml:"external,omitempty"`
}

// StructurallyEqual compares column mapping, target, and on-delete policy.
func (fk ForeignKey) StructurallyEqual(o ForeignKey) bool {
	return fk.RefTable == o.RefTable &&
		fk.OnDelete.normalized() == o.OnDelete.normalized() &&
		equalStrings(fk.Columns, o.Columns) &&
		equalStrings(fk.RefColumns, o.RefColumns)
}

// Table represents a database table.
type Table struct {
	Name        string       `yaml:"name"`
	Columns     []Column     `yaml:"columns"`
	PrimaryKey  []string     `yaml:"primary_key,omitempty"`
	Indexes     []Index      `yaml:"indexes,omitempty"`
	ForeignKeys []ForeignKey `yaml:"foreign_keys,omitempty"`
}

// Column returns the named column, or nil.
func (t *Table) Column(name string) *Column {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := &Table{Name: t.Name}
	out.Columns = append([]Column(nil), t.Columns...)
	for i, c := range out.Columns {
		if c.Default != nil {
			d := *c.Default
			out.Columns[i].Default = &d
		}
	}
	out.PrimaryKey = append([]string(nil), t.PrimaryKey...)
	for _, idx := range t.Indexes {
		idx.Columns = append([]string(nil), idx.Columns...)
		out.Indexes = append(out.Indexes, idx)
	}
	for _, fk := range t.ForeignKeys {
		fk.Columns = append([]string(nil), fk.Columns...)
		fk.RefColumns = append([]string(nil), fk.RefColumns...)
		out.ForeignKeys = append(out.ForeignKeys, fk)
	}
	return out
}

// Equal reports structural equality of two tables. Column order matters;
// index and foreign key order does not, and inspected constraint names are
// ignored.
func (t *Table) Equal(o *Table) bool {
	if t.Name != o.Name || len(t.Columns) != len(o.Columns) {
		return false
	}
	for i := range t.Columns {
		if !t.Columns[i].Equal(o.Columns[i]) {
			return false
		}
	}
	if !equalStrings(t.PrimaryKey, o.PrimaryKey) {
		return false
	}
	if len(t.Indexes) != len(o.Indexes) || len(t.ForeignKeys) != len(o.ForeignKeys) {
		return false
	}
	for _, idx := range t.Indexes {
		found := false
		for _, other := range o.Indexes {
			if idx.StructurallyEqual(other) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, fk := range t.ForeignKeys {
		found := false
		for _, other := range o.ForeignKeys {
			if fk.StructurallyEqual(other) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Schema represents a complete database schema.
type Schema struct {
	Tables []Table `yaml:"tables"`
}

// Table returns the named table, or nil.
func (s *Schema) Table(name string) *Table {
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// Normalize sorts tables by name and each table's indexes and foreign keys
// into a deterministic order. Column order is preserved as declared.
func (s *Schema) Normalize() {
	sort.Slice(s.Tables, func(i, j int) bool {
		return s.Tables[i].Name < s.Tables[j].Name
	})
	for i := range s.Tables {
		t := &s.Tables[i]
		sort.Slice(t.Indexes, func(a, b int) bool {
			return t.Indexes[a].Name < t.Indexes[b].Name
		})
		sort.Slice(t.ForeignKeys, func(a, b int) bool {
			return fkSortKey(t.ForeignKeys[a]) < fkSortKey(t.ForeignKeys[b])
		})
	}
}

// Equal reports structural equality of two normalized schemas.
func (s *Schema) Equal(o *Schema) bool {
	if len(s.Tables) != len(o.Tables) {
		return false
	}
	for i := range s.Tables {
		if !s.Tables[i].Equal(&o.Tables[i]) {
			return false
		}
	}
	return true
}

func fkSortKey(fk ForeignKey) string {
	return fk.RefTable + "|" + strings.Join(fk.Columns, ",") + "|" + strings.Join(fk.RefColumns, ",")
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
