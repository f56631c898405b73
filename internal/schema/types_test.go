package schema

import (
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    LogicalType
		wantErr bool
	}{
		{
			name:  "integer",
			input: "integer",
			want:  LogicalType{Name: TypeInteger},
		},
		{
			name:  "text with whitespace",
			input: "  text ",
			want:  LogicalType{Name: TypeText},
		},
		{
			name:  "uppercase boolean",
			input: "BOOLEAN",
			want:  LogicalType{Name: TypeBoolean},
		},
		{
			name:  "decimal with precision and scale",
			input: "decimal(10,2)",
			want:  LogicalType{Name: TypeDecimal, Precision: 10, Scale: 2},
		},
		{
			name:  "decimal with space after comma",
			input: "decimal(12, 4)",
			want:  LogicalType{Name: TypeDecimal, Precision: 12, Scale: 4},
		},
		{
			name:  "unknown wraps raw type",
			input: "unknown(tsvector)",
			want:  LogicalType{Name: TypeUnknown, Raw: "tsvector"},
		},
		{
			name:    "bare decimal is invalid",
			input:   "decimal",
			wantErr: true,
		},
		{
			name:    "unsupported type",
			input:   "varchar",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseType(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q but got none", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseType(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLogicalTypeStringRoundTrip(t *testing.T) {
	types := []LogicalType{
		{Name: TypeInteger},
		{Name: TypeTimestamp},
		{Name: TypeDecimal, Precision: 8, Scale: 3},
		{Name: TypeUnknown, Raw: "jsonb"},
	}
	for _, typ := range types {
		parsed, err := ParseType(typ.String())
		if err != nil {
			t.Fatalf("ParseType(%q) failed: %v", typ.String(), err)
		}
		if parsed != typ {
			t.Errorf("Round trip of %q gave %+v, want %+v", typ.String(), parsed, typ)
		}
	}
}

func TestValueMatchesType(t *testing.T) {
	tests := []struct {
		name  string
		value *Value
		typ   LogicalType
		want  bool
	}{
		{"int matches integer", IntValue(42), LogicalType{Name: TypeInteger}, true},
		{"int does not match text", IntValue(42), LogicalType{Name: TypeText}, false},
		{"bool matches boolean", BoolValue(true), LogicalType{Name: TypeBoolean}, true},
		{"timestamp literal matches timestamp", LiteralValue(TypeTimestamp, "CURRENT_TIMESTAMP"), LogicalType{Name: TypeTimestamp}, true},
		{"anything matches unknown", TextValue("x"), Unknown("tsvector"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.value.MatchesType(tt.typ); got != tt.want {
				t.Errorf("MatchesType = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestForeignKeyStructurallyEqual(t *testing.T) {
	base := ForeignKey{
		Name:       "fk_posts_author",
		Columns:    []string{"author_id"},
		RefTable:   "users",
		RefColumns: []string{"id"},
		OnDelete:   Cascade,
	}

	renamed := base
	renamed.Name = "posts_author_id_fkey"
	if !base.StructurallyEqual(renamed) {
		t.Error("Expected name differences to be ignored")
	}

	otherPolicy := base
	otherPolicy.OnDelete = SetNull
	if base.StructurallyEqual(otherPolicy) {
		t.Error("Expected on-delete differences to be detected")
	}

	defaulted := base
	defaulted.OnDelete = ""
	noAction := base
	noAction.OnDelete = NoAction
	if !defaulted.StructurallyEqual(noAction) {
		t.Error("Expected empty on-delete to equal no-action")
	}
}

func TestIndexStructurallyEqual(t *testing.T) {
	a := Index{Name: "idx_users_email", Columns: []string{"email"}, Unique: true}
	b := Index{Name: "users_email_key", Columns: []string{"email"}, Unique: true}
	if !a.StructurallyEqual(b) {
		t.Error("Expected index names to be ignored")
	}
	c := Index{Name: "idx_users_email", Columns: []string{"email"}}
	if a.StructurallyEqual(c) {
		t.Error("Expected uniqueness differences to be detected")
	}
}

func TestTableClone(t *testing.T) {
	def := IntValue(1)
	orig := &Table{
		Name: "users",
		Columns: []Column{
			{Name: "id", Type: LogicalType{Name: TypeInteger}, Default: def},
		},
		PrimaryKey:  []string{"id"},
		Indexes:     []Index{{Name: "idx", Columns: []string{"id"}}},
		ForeignKeys: []ForeignKey{{Columns: []string{"id"}, RefTable: "t", RefColumns: []string{"id"}}},
	}

	clone := orig.Clone()
	clone.Columns[0].Default.Int = 99
	clone.PrimaryKey[0] = "other"
	clone.Indexes[0].Columns[0] = "other"
	clone.ForeignKeys[0].Columns[0] = "other"

	if orig.Columns[0].Default.Int != 1 {
		t.Error("Clone shares column default with original")
	}
	if orig.PrimaryKey[0] != "id" {
		t.Error("Clone shares primary key slice with original")
	}
	if orig.Indexes[0].Columns[0] != "id" {
		t.Error("Clone shares index columns with original")
	}
	if orig.ForeignKeys[0].Columns[0] != "id" {
		t.Error("Clone shares foreign key columns with original")
	}
}

func TestSchemaNormalizeOrdersTables(t *testing.T) {
	s := &Schema{Tables: []Table{{Name: "b"}, {Name: "a"}}}
	s.Normalize()
	if s.Tables[0].Name != "a" || s.Tables[1].Name != "b" {
		t.Errorf("Expected tables sorted by name, got %s, %s", s.Tables[0].Name, s.Tables[1].Name)
	}
}
