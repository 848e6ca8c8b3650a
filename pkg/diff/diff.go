// Package diff computes field-level deltas between two catalog snapshots.
package diff

import (
	"sort"

	"github.com/blacktop/drift/pkg/catalog"
	"github.com/blacktop/drift/pkg/pattern"
)

// FieldDelta records one same-named field whose offset, type, or size differs
// between the two snapshots.
type FieldDelta struct {
	Struct    string           `json:"struct"`
	Field     string           `json:"field"`
	OldOffset uint64           `json:"old_offset"`
	NewOffset uint64           `json:"new_offset"`
	Delta     int64            `json:"delta"`
	OldType   catalog.TypeKind `json:"old_type,omitempty"`
	NewType   catalog.TypeKind `json:"new_type,omitempty"`
	OldSize   uint64           `json:"old_size,omitempty"`
	NewSize   uint64           `json:"new_size,omitempty"`
}

// TypeChanged reports whether the field's canonical type tag changed.
func (d FieldDelta) TypeChanged() bool { return d.OldType != d.NewType }

// SizeChanged reports whether the field's byte size changed.
func (d FieldDelta) SizeChanged() bool { return d.OldSize != d.NewSize }

// SlotDelta records a named virtual function whose table index moved.
type SlotDelta struct {
	Struct  string `json:"struct"`
	Name    string `json:"name"`
	OldSlot int    `json:"old_slot"`
	NewSlot int    `json:"new_slot"`
	Delta   int    `json:"delta"`
}

// StructDiff is everything that changed inside one matched struct.
type StructDiff struct {
	Name          string             `json:"name"`
	OldSize       uint64             `json:"old_size,omitempty"`
	NewSize       uint64             `json:"new_size,omitempty"`
	AddedFields   []catalog.FieldDef `json:"added_fields,omitempty"`
	RemovedFields []catalog.FieldDef `json:"removed_fields,omitempty"`
	Deltas        []FieldDelta       `json:"deltas,omitempty"`
	SlotDeltas    []SlotDelta        `json:"slot_deltas,omitempty"`
}

func (d *StructDiff) empty() bool {
	return len(d.AddedFields) == 0 && len(d.RemovedFields) == 0 &&
		len(d.Deltas) == 0 && len(d.SlotDeltas) == 0 && d.OldSize == d.NewSize
}

// EnumValueDelta is a same-named enum entry whose integer changed.
type EnumValueDelta struct {
	Name string `json:"name"`
	Old  int64  `json:"old"`
	New  int64  `json:"new"`
}

// EnumDiff is everything that changed inside one matched enum. A changed name
// with an identical value stays an independent addition+removal; entries are
// never merged into renames.
type EnumDiff struct {
	Name    string           `json:"name"`
	Added   []string         `json:"added,omitempty"`
	Removed []string         `json:"removed,omitempty"`
	Changed []EnumValueDelta `json:"changed,omitempty"`
}

func (d *EnumDiff) empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Report is the full result of comparing two snapshots. All slices are
// sorted: structs/enums by name ascending, field deltas by old offset
// ascending. Observations carry every matched field (including unchanged
// ones) for the pattern detector.
type Report struct {
	OldVersion     string                  `json:"old_version"`
	NewVersion     string                  `json:"new_version"`
	AddedStructs   []string                `json:"added_structs,omitempty"`
	RemovedStructs []string                `json:"removed_structs,omitempty"`
	AddedEnums     []string                `json:"added_enums,omitempty"`
	RemovedEnums   []string                `json:"removed_enums,omitempty"`
	Structs        []StructDiff            `json:"structs,omitempty"`
	Enums          []EnumDiff              `json:"enums,omitempty"`
	Observations   []pattern.Observation   `json:"-"`
	SlotObs        []pattern.Observation   `json:"-"`
	Patterns       []pattern.OffsetPattern `json:"patterns,omitempty"`
}

// FieldDeltas flattens the per-struct offset deltas.
func (r *Report) FieldDeltas() []FieldDelta {
	var out []FieldDelta
	for _, sd := range r.Structs {
		out = append(out, sd.Deltas...)
	}
	return out
}

// Compare diffs two snapshots and runs bulk-shift detection over the result.
// It is a pure function of its inputs; opts may be nil for defaults.
func Compare(old, new *catalog.Snapshot, opts *pattern.Options) *Report {
	r := &Report{
		OldVersion: old.Version,
		NewVersion: new.Version,
	}

	for _, name := range new.StructNames() {
		if _, ok := old.Structs[name]; !ok {
			r.AddedStructs = append(r.AddedStructs, name)
		}
	}
	for _, name := range old.StructNames() {
		ns, ok := new.Structs[name]
		if !ok {
			r.RemovedStructs = append(r.RemovedStructs, name)
			continue
		}
		sd := compareStruct(old.Structs[name], ns, r)
		if !sd.empty() {
			r.Structs = append(r.Structs, sd)
		}
	}

	for _, name := range new.EnumNames() {
		if _, ok := old.Enums[name]; !ok {
			r.AddedEnums = append(r.AddedEnums, name)
		}
	}
	for _, name := range old.EnumNames() {
		ne, ok := new.Enums[name]
		if !ok {
			r.RemovedEnums = append(r.RemovedEnums, name)
			continue
		}
		ed := compareEnum(old.Enums[name], ne)
		if !ed.empty() {
			r.Enums = append(r.Enums, ed)
		}
	}

	r.Patterns = append(r.Patterns, pattern.Detect(pattern.KindFieldOffset, r.Observations, opts)...)
	r.Patterns = append(r.Patterns, pattern.Detect(pattern.KindVTableSlot, r.SlotObs, opts)...)

	return r
}

func compareStruct(old, new *catalog.StructDef, r *Report) StructDiff {
	sd := StructDiff{
		Name:    old.Name,
		OldSize: old.Size,
		NewSize: new.Size,
	}

	for _, nf := range new.Fields {
		if _, ok := old.Field(nf.Name); !ok {
			sd.AddedFields = append(sd.AddedFields, nf)
		}
	}
	for _, of := range old.Fields {
		nf, ok := new.Field(of.Name)
		if !ok {
			sd.RemovedFields = append(sd.RemovedFields, of)
			continue
		}
		r.Observations = append(r.Observations, pattern.Observation{
			Struct: old.Name,
			Field:  of.Name,
			Old:    of.Offset,
			New:    nf.Offset,
		})
		if of.Offset != nf.Offset || of.Type != nf.Type || of.Size != nf.Size {
			sd.Deltas = append(sd.Deltas, FieldDelta{
				Struct:    old.Name,
				Field:     of.Name,
				OldOffset: of.Offset,
				NewOffset: nf.Offset,
				Delta:     int64(nf.Offset) - int64(of.Offset),
				OldType:   of.Type,
				NewType:   nf.Type,
				OldSize:   of.Size,
				NewSize:   nf.Size,
			})
		}
	}

	sort.Slice(sd.AddedFields, func(i, j int) bool { return sd.AddedFields[i].Offset < sd.AddedFields[j].Offset })
	sort.Slice(sd.RemovedFields, func(i, j int) bool { return sd.RemovedFields[i].Offset < sd.RemovedFields[j].Offset })
	sort.Slice(sd.Deltas, func(i, j int) bool { return sd.Deltas[i].OldOffset < sd.Deltas[j].OldOffset })

	oldSlots := namedSlots(old)
	newSlots := namedSlots(new)
	for name, oldIdx := range oldSlots {
		newIdx, ok := newSlots[name]
		if !ok {
			continue
		}
		r.SlotObs = append(r.SlotObs, pattern.Observation{
			Struct: old.Name,
			Field:  name,
			Old:    uint64(oldIdx),
			New:    uint64(newIdx),
		})
		if oldIdx != newIdx {
			sd.SlotDeltas = append(sd.SlotDeltas, SlotDelta{
				Struct:  old.Name,
				Name:    name,
				OldSlot: oldIdx,
				NewSlot: newIdx,
				Delta:   newIdx - oldIdx,
			})
		}
	}
	sort.Slice(sd.SlotDeltas, func(i, j int) bool { return sd.SlotDeltas[i].OldSlot < sd.SlotDeltas[j].OldSlot })

	return sd
}

// namedSlots maps vfunc names to their table index; unnamed entries cannot be
// matched across versions and are skipped.
func namedSlots(s *catalog.StructDef) map[string]int {
	slots := make(map[string]int, len(s.VFuncs))
	for _, vf := range s.VFuncs {
		if vf.Name != "" {
			slots[vf.Name] = vf.Index
		}
	}
	return slots
}

func compareEnum(old, new *catalog.EnumDef) EnumDiff {
	ed := EnumDiff{Name: old.Name}

	for name := range new.Values {
		if _, ok := old.Values[name]; !ok {
			ed.Added = append(ed.Added, name)
		}
	}
	for name, ov := range old.Values {
		nv, ok := new.Values[name]
		if !ok {
			ed.Removed = append(ed.Removed, name)
			continue
		}
		if ov != nv {
			ed.Changed = append(ed.Changed, EnumValueDelta{Name: name, Old: ov, New: nv})
		}
	}

	sort.Strings(ed.Added)
	sort.Strings(ed.Removed)
	sort.Slice(ed.Changed, func(i, j int) bool { return ed.Changed[i].Name < ed.Changed[j].Name })

	return ed
}
