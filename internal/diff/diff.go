// Package diff computes the ordered operation list that transforms one
// canonical schema into another.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/schemi-dev/schemi/internal/op"
	"github.com/schemi-dev/schemi/internal/schema"
)

// Diff compares the current catalog state against the desired declared
// schema and returns the operations that bring current to desired. The list
// is empty when the schemas are structurally identical.
//
// Operations are emitted in dependency order: structure is dropped
// innermost-first (foreign keys, indexes, columns, tables) and added
// outermost-first (tables before the columns, indexes, and foreign keys that
// reference them). Independent operations within a phase are sorted by table
// name, then column or constraint key, so identical inputs always produce
// identical diffs.
func Diff(current, desired *schema.Schema) ([]op.Operation, error) {
	cur := normalized(current)
	want := normalized(desired)

	var (
		dropped []string
		created []string
		common  []string
	)
	for _, t := range cur.Tables {
		if want.Table(t.Name) == nil {
			dropped = append(dropped, t.Name)
		} else {
			common = append(common, t.Name)
		}
	}
	for _, t := range want.Tables {
		if cur.Table(t.Name) == nil {
			created = append(created, t.Name)
		}
	}
	sort.Strings(dropped)
	sort.Strings(created)
	sort.Strings(common)

	// Working shapes track each surviving table as operations are applied,
	// so every emitted operation carries the table definition before and
	// after the change. Engines without in-place ALTER rebuild from these.
	working := make(map[string]*schema.Table)
	for _, name := range common {
		working[name] = cur.Table(name).Clone()
	}
	for _, name := range dropped {
		working[name] = cur.Table(name).Clone()
	}

	var ops []op.Operation
	emit := func(o op.Operation) {
		ops = append(ops, o)
	}

	// Phase 1: drop foreign keys, so the tables and columns they reference
	// can be dropped afterwards. Covers removed constraints on surviving
	// tables and every constraint on a table about to be dropped.
	for _, name := range common {
		for _, fk := range fksToDrop(working[name], want.Table(name)) {
			emit(dropFKOp(working, name, fk))
		}
	}
	for _, name := range dropped {
		for _, fk := range append([]schema.ForeignKey(nil), working[name].ForeignKeys...) {
			emit(dropFKOp(working, name, fk))
		}
	}

	// Phase 2: drop removed indexes, including synthetic single-column
	// unique indexes for columns losing their unique flag.
	for _, name := range common {
		for _, idx := range indexesToDrop(working[name], want.Table(name)) {
			emit(dropIndexOp(working, name, idx))
		}
	}

	// Phase 3: drop removed columns.
	for _, name := range common {
		for _, col := range columnsToDrop(working[name], want.Table(name)) {
			emit(dropColumnOp(working, name, col))
		}
	}

	// Phase 4: drop tables. All cross-table references are gone by now, so
	// lexicographic order is safe.
	for _, name := range dropped {
		def := working[name].Clone()
		def.ForeignKeys = nil
		emit(op.Operation{Kind: op.DropTable, Table: name, TableDef: def})
		delete(working, name)
	}

	// Phase 5: create tables, dependency-ordered so a table exists before
	// any inline foreign key references it. Cyclic references fall back to
	// deferred AddForeignKey operations.
	createOps, deferredFKs := createTableOps(want, created)
	ops = append(ops, createOps...)

	// Phase 6: add missing columns.
	for _, name := range common {
		for _, col := range columnsToAdd(working[name], want.Table(name)) {
			emit(addColumnOp(working, name, col))
		}
	}

	// Phase 7: alter changed columns. Type and default changes fold into a
	// single type alter; nullability is a separate statement on most
	// engines. Columns whose current type is unknown are left alone.
	for _, name := range common {
		alters, err := alterColumnOps(working, name, want.Table(name))
		if err != nil {
			return nil, err
		}
		ops = append(ops, alters...)
	}

	// Phase 8: add indexes, including synthetic unique indexes for columns
	// gaining the unique flag.
	for _, name := range common {
		for _, idx := range indexesToAdd(working[name], want.Table(name)) {
			emit(addIndexOp(working, name, idx))
		}
	}

	// Phase 9: add foreign keys, after every referenced table and column
	// exists.
	for _, name := range common {
		for _, fk := range fksToAdd(working[name], want.Table(name)) {
			emit(addFKOp(working, name, fk))
		}
	}
	ops = append(ops, deferredFKs...)

	return ops, nil
}

func normalized(s *schema.Schema) *schema.Schema {
	out := &schema.Schema{}
	for i := range s.Tables {
		out.Tables = append(out.Tables, *s.Tables[i].Clone())
	}
	out.Normalize()
	return out
}

// uniqueIndexName names the synthetic index backing a column's unique flag.
func uniqueIndexName(table, column string) string {
	return fmt.Sprintf("uq_%s_%s", table, column)
}

// effectiveIndexes returns a table's declared indexes plus synthetic
// single-column unique indexes for columns carrying the unique flag, so
// unique-flag changes diff as index operations.
func effectiveIndexes(t *schema.Table) []schema.Index {
	out := append([]schema.Index(nil), t.Indexes...)
	for _, c := range t.Columns {
		if !c.Unique {
			continue
		}
		syn := schema.Index{Name: uniqueIndexName(t.Name, c.Name), Columns: []string{c.Name}, Unique: true}
		covered := false
		for _, idx := range out {
			if idx.StructurallyEqual(syn) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, syn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func fksToDrop(cur, want *schema.Table) []schema.ForeignKey {
	var out []schema.ForeignKey
	for _, fk := range cur.ForeignKeys {
		matched := false
		for _, w := range want.ForeignKeys {
			if fk.StructurallyEqual(w) {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, fk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return fkKey(out[i]) < fkKey(out[j]) })
	return out
}

func fksToAdd(cur, want *schema.Table) []schema.ForeignKey {
	var out []schema.ForeignKey
	for _, fk := range want.ForeignKeys {
		matched := false
		for _, c := range cur.ForeignKeys {
			if fk.StructurallyEqual(c) {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, fk)
		}
	}
	sort.Slice(out, func(i, j int) bool { return fkKey(out[i]) < fkKey(out[j]) })
	return out
}

func fkKey(fk schema.ForeignKey) string {
	return fk.RefTable + "|" + strings.Join(fk.Columns, ",")
}

func indexesToDrop(cur, want *schema.Table) []schema.Index {
	curIdx := effectiveIndexes(cur)
	wantIdx := effectiveIndexes(want)
	var out []schema.Index
	for _, idx := range curIdx {
		matched := false
		for _, w := range wantIdx {
			if idx.StructurallyEqual(w) {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, idx)
		}
	}
	return out
}

func indexesToAdd(cur, want *schema.Table) []schema.Index {
	curIdx := effectiveIndexes(cur)
	wantIdx := effectiveIndexes(want)
	var out []schema.Index
	for _, idx := range wantIdx {
		matched := false
		for _, c := range curIdx {
			if idx.StructurallyEqual(c) {
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, idx)
		}
	}
	return out
}

func columnsToDrop(cur, want *schema.Table) []schema.Column {
	var out []schema.Column
	for _, c := range cur.Columns {
		if want.Column(c.Name) == nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func columnsToAdd(cur, want *schema.Table) []schema.Column {
	var out []schema.Column
	for _, c := range want.Columns {
		if cur.Column(c.Name) == nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func alterColumnOps(working map[string]*schema.Table, table string, want *schema.Table) ([]op.Operation, error) {
	cur := working[table]

	names := make([]string, 0, len(cur.Columns))
	for _, c := range cur.Columns {
		if want.Column(c.Name) != nil {
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)

	var ops []op.Operation
	for _, name := range names {
		curCol := *cur.Column(name)
		wantCol := *want.Column(name)

		// Unmappable native types are reported as unknown by the inspector;
		// altering them automatically would risk destroying data the engine
		// understands and we do not.
		typeChanged := !curCol.Type.Equal(wantCol.Type) && curCol.Type.Name != schema.TypeUnknown
		defaultChanged := !curCol.Default.Equal(wantCol.Default)
		nullChanged := curCol.Nullable != wantCol.Nullable

		if typeChanged || defaultChanged {
			prev := curCol
			next := curCol
			next.Type = wantCol.Type
			next.Default = wantCol.Default
			o, err := applyAlter(working, table, op.AlterColumnType, prev, next)
			if err != nil {
				return nil, err
			}
			ops = append(ops, o)
		}
		if nullChanged {
			prev := *working[table].Column(name)
			next := prev
			next.Nullable = wantCol.Nullable
			o, err := applyAlter(working, table, op.AlterColumnNullability, prev, next)
			if err != nil {
				return nil, err
			}
			ops = append(ops, o)
		}
	}
	return ops, nil
}

func applyAlter(working map[string]*schema.Table, table string, kind op.Kind, prev, next schema.Column) (op.Operation, error) {
	before := working[table].Clone()
	t := working[table]
	col := t.Column(prev.Name)
	if col == nil {
		return op.Operation{}, fmt.Errorf("internal: column %s.%s vanished during diff", table, prev.Name)
	}
	*col = next
	return op.Operation{
		Kind:         kind,
		Table:        table,
		Column:       &next,
		PrevColumn:   &prev,
		TableDef:     working[table].Clone(),
		PrevTableDef: before,
	}, nil
}

func dropFKOp(working map[string]*schema.Table, table string, fk schema.ForeignKey) op.Operation {
	before := working[table].Clone()
	t := working[table]
	kept := t.ForeignKeys[:0]
	for _, existing := range t.ForeignKeys {
		if !existing.StructurallyEqual(fk) {
			kept = append(kept, existing)
		}
	}
	t.ForeignKeys = kept
	fkCopy := fk
	return op.Operation{
		Kind:         op.DropForeignKey,
		Table:        table,
		ForeignKey:   &fkCopy,
		TableDef:     t.Clone(),
		PrevTableDef: before,
	}
}

func addFKOp(working map[string]*schema.Table, table string, fk schema.ForeignKey) op.Operation {
	before := working[table].Clone()
	t := working[table]
	fkCopy := fk
	if fkCopy.Name == "" {
		fkCopy.Name = fmt.Sprintf("fk_%s_%s", table, strings.Join(fk.Columns, "_"))
	}
	t.ForeignKeys = append(t.ForeignKeys, fkCopy)
	return op.Operation{
		Kind:         op.AddForeignKey,
		Table:        table,
		ForeignKey:   &fkCopy,
		TableDef:     t.Clone(),
		PrevTableDef: before,
	}
}

func dropIndexOp(working map[string]*schema.Table, table string, idx schema.Index) op.Operation {
	before := working[table].Clone()
	t := working[table]
	kept := t.Indexes[:0]
	for _, existing := range t.Indexes {
		if !existing.StructurallyEqual(idx) {
			kept = append(kept, existing)
		}
	}
	t.Indexes = kept
	// Synthetic unique indexes live on the column flag, not the index list.
	if len(idx.Columns) == 1 && idx.Unique {
		if col := t.Column(idx.Columns[0]); col != nil && col.Unique {
			col.Unique = false
		}
	}
	idxCopy := idx
	idxCopy.Columns = append([]string(nil), idx.Columns...)
	return op.Operation{
		Kind:         op.DropIndex,
		Table:        table,
		Index:        &idxCopy,
		TableDef:     t.Clone(),
		PrevTableDef: before,
	}
}

func addIndexOp(working map[string]*schema.Table, table string, idx schema.Index) op.Operation {
	before := working[table].Clone()
	t := working[table]
	idxCopy := idx
	idxCopy.Columns = append([]string(nil), idx.Columns...)
	if len(idx.Columns) == 1 && idx.Unique && idx.Name == uniqueIndexName(table, idx.Columns[0]) {
		if col := t.Column(idx.Columns[0]); col != nil {
			col.Unique = true
		}
	} else {
		t.Indexes = append(t.Indexes, idxCopy)
	}
	return op.Operation{
		Kind:         op.AddIndex,
		Table:        table,
		Index:        &idxCopy,
		TableDef:     t.Clone(),
		PrevTableDef: before,
	}
}

func dropColumnOp(working map[string]*schema.Table, table string, col schema.Column) op.Operation {
	before := working[table].Clone()
	t := working[table]
	kept := t.Columns[:0]
	for _, existing := range t.Columns {
		if existing.Name != col.Name {
			kept = append(kept, existing)
		}
	}
	t.Columns = kept
	colCopy := col
	return op.Operation{
		Kind:         op.DropColumn,
		Table:        table,
		Column:       &colCopy,
		TableDef:     t.Clone(),
		PrevTableDef: before,
	}
}

func addColumnOp(working map[string]*schema.Table, table string, col schema.Column) op.Operation {
	before := working[table].Clone()
	t := working[table]
	colCopy := col
	t.Columns = append(t.Columns, colCopy)
	return op.Operation{
		Kind:         op.AddColumn,
		Table:        table,
		Column:       &colCopy,
		TableDef:     t.Clone(),
		PrevTableDef: before,
	}
}

// createTableOps orders table creation so inline foreign key targets exist
// first. Tables forming a reference cycle are created without the cyclic
// constraints, which are returned as deferred AddForeignKey operations.
func createTableOps(want *schema.Schema, created []string) ([]op.Operation, []op.Operation) {
	createdSet := make(map[string]bool, len(created))
	for _, name := range created {
		createdSet[name] = true
	}

	// Kahn's algorithm with lexicographic candidate selection.
	pending := append([]string(nil), created...)
	sort.Strings(pending)
	done := make(map[string]bool)

	var order []string
	for len(pending) > 0 {
		progressed := false
		remaining := pending[:0]
		for _, name := range pending {
			if dependenciesMet(want.Table(name), createdSet, done) {
				order = append(order, name)
				done[name] = true
				progressed = true
			} else {
				remaining = append(remaining, name)
			}
		}
		pending = remaining
		if !progressed {
			break
		}
	}

	var ops []op.Operation
	var deferred []op.Operation
	emitCreate := func(name string, stripCyclic bool) {
		def := want.Table(name).Clone()
		if stripCyclic {
			kept := def.ForeignKeys[:0]
			for _, fk := range def.ForeignKeys {
				if fk.RefTable != name && createdSet[fk.RefTable] && !done[fk.RefTable] {
					fkCopy := fk
					if fkCopy.Name == "" {
						fkCopy.Name = fmt.Sprintf("fk_%s_%s", name, strings.Join(fk.Columns, "_"))
					}
					deferred = append(deferred, op.Operation{
						Kind:       op.AddForeignKey,
						Table:      name,
						ForeignKey: &fkCopy,
						TableDef:   want.Table(name).Clone(),
					})
				} else {
					kept = append(kept, fk)
				}
			}
			def.ForeignKeys = kept
		}
		ops = append(ops, op.Operation{Kind: op.CreateTable, Table: name, TableDef: def})
	}

	for _, name := range order {
		emitCreate(name, false)
	}
	// Whatever is left participates in a cycle.
	for _, name := range pending {
		emitCreate(name, true)
		done[name] = true
	}
	return ops, deferred
}

func dependenciesMet(t *schema.Table, createdSet, done map[string]bool) bool {
	for _, fk := range t.ForeignKeys {
		if fk.External || fk.RefTable == t.Name {
			continue
		}
		if createdSet[fk.RefTable] && !done[fk.RefTable] {
			return false
		}
	}
	return true
}
