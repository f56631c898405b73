// Package format renders schemas, migration plans, and environment status
// as compact text for the CLI.
package format

import (
	"fmt"
	"io"
	"strings"

	"github.com/schemi-dev/schemi/internal/executor"
	"github.com/schemi-dev/schemi/internal/revision"
	"github.com/schemi-dev/schemi/internal/schema"
)

// TextFormatter writes human-readable output.
type TextFormatter struct {
	writer io.Writer
}

// NewTextFormatter creates a text formatter.
func NewTextFormatter(w io.Writer) *TextFormatter {
	return &TextFormatter{writer: w}
}

// FormatSchema writes the schema in compact text format.
func (f *TextFormatter) FormatSchema(s *schema.Schema) error {
	for i, table := range s.Tables {
		if i > 0 {
			_, _ = fmt.Fprintln(f.writer)
		}
		f.formatTable(table)
	}
	return nil
}

func (f *TextFormatter) formatTable(table schema.Table) {
	pkStr := ""
	if len(table.PrimaryKey) > 0 {
		pkStr = fmt.Sprintf(" (PK: %s)", strings.Join(table.PrimaryKey, ", "))
	}
	_, _ = fmt.Fprintf(f.writer, "TABLE %s%s\n", table.Name, pkStr)

	for _, col := range table.Columns {
		_, _ = fmt.Fprintf(f.writer, "  %s\n", f.formatColumn(col))
	}

	if len(table.ForeignKeys) > 0 {
		_, _ = fmt.Fprintln(f.writer)
		_, _ = fmt.Fprintln(f.writer, "  FOREIGN KEYS:")
		for _, fk := range table.ForeignKeys {
			onDelete := ""
			if fk.OnDelete != "" && fk.OnDelete != schema.NoAction {
				onDelete = fmt.Sprintf(" ON DELETE %s", fk.OnDelete.SQL())
			}
			_, _ = fmt.Fprintf(f.writer, "    (%s) → %s (%s)%s\n",
				strings.Join(fk.Columns, ", "), fk.RefTable,
				strings.Join(fk.RefColumns, ", "), onDelete)
		}
	}

	if len(table.Indexes) > 0 {
		_, _ = fmt.Fprintln(f.writer)
		_, _ = fmt.Fprintln(f.writer, "  INDEXES:")
		for _, idx := range table.Indexes {
			unique := ""
			if idx.Unique {
				unique = " UNIQUE"
			}
			_, _ = fmt.Fprintf(f.writer, "    %s (%s)%s\n", idx.Name, strings.Join(idx.Columns, ", "), unique)
		}
	}
}

func (f *TextFormatter) formatColumn(col schema.Column) string {
	parts := []string{col.Name + ":", col.Type.String()}

	if col.Unique {
		parts = append(parts, "UNIQUE")
	}
	if !col.Nullable {
		parts = append(parts, "NOT NULL")
	}
	if col.Default != nil {
		parts = append(parts, fmt.Sprintf("DEFAULT %v", defaultText(col.Default)))
	}

	return strings.Join(parts, " ")
}

func defaultText(v *schema.Value) string {
	switch v.Kind {
	case schema.TypeInteger:
		return fmt.Sprintf("%d", v.Int)
	case schema.TypeFloat:
		return fmt.Sprintf("%g", v.Float)
	case schema.TypeBoolean:
		return fmt.Sprintf("%t", v.Bool)
	default:
		return v.Text
	}
}

// FormatPlan writes the rendered SQL of a dry run, grouped by revision.
func (f *TextFormatter) FormatPlan(result *executor.Result) error {
	if result.NoOp() {
		_, _ = fmt.Fprintln(f.writer, "Nothing to do: already at target revision.")
		return nil
	}

	action := "apply"
	if result.Reverted {
		action = "revert"
	}
	_, _ = fmt.Fprintf(f.writer, "Would %s %d revision(s): %s → %s\n",
		action, len(result.Applied), displayID(result.From), displayID(result.To))

	current := ""
	for _, stmt := range result.Statements {
		if stmt.RevisionID != current {
			current = stmt.RevisionID
			_, _ = fmt.Fprintf(f.writer, "\n-- revision %s\n", current)
		}
		_, _ = fmt.Fprintf(f.writer, "%s;\n", stmt.SQL)
	}
	return nil
}

// FormatStatus writes the pointer position and pending revisions for one
// environment.
func (f *TextFormatter) FormatStatus(project, env, pointer string, pending []*revision.Node, divergences []revision.DivergentHistoryError) error {
	_, _ = fmt.Fprintf(f.writer, "%s.%s at revision %s\n", project, env, displayID(pointer))

	if len(pending) == 0 {
		_, _ = fmt.Fprintln(f.writer, "Up to date.")
	} else {
		_, _ = fmt.Fprintf(f.writer, "%d pending revision(s):\n", len(pending))
		for _, n := range pending {
			_, _ = fmt.Fprintf(f.writer, "  %s  %s\n", n.ID, n.Message)
		}
	}

	for _, d := range divergences {
		_, _ = fmt.Fprintf(f.writer, "WARNING: history diverges at %s (%s)\n",
			displayID(d.ParentID), strings.Join(d.Children, ", "))
	}
	return nil
}

func displayID(id string) string {
	if id == "" {
		return "(base)"
	}
	return id
}
