package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Layout renders the struct as one line per field, stable across runs, for
// human reports and textual diffing.
func (s *StructDef) Layout() string {
	var sb strings.Builder
	if s.Size > 0 {
		fmt.Fprintf(&sb, "struct %s /* size=%#x */ {\n", s.Name, s.Size)
	} else {
		fmt.Fprintf(&sb, "struct %s {\n", s.Name)
	}
	fields := make([]FieldDef, len(s.Fields))
	copy(fields, s.Fields)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Offset < fields[j].Offset })
	for _, f := range fields {
		fmt.Fprintf(&sb, "    /* %#06x */ %-8s %s;\n", f.Offset, f.Type, f.Name)
	}
	for _, vf := range s.VFuncs {
		name := vf.Name
		if name == "" {
			name = fmt.Sprintf("vfunc_%d", vf.Index)
		}
		fmt.Fprintf(&sb, "    /* vtbl[%d] */ %s();\n", vf.Index, name)
	}
	sb.WriteString("}\n")
	return sb.String()
}
