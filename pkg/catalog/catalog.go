// Package catalog holds the canonical in-memory struct/enum model that the
// diff, pattern and signature engines operate on.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// TypeKind is the closed set of canonical field type tags. Free-form type
// declarations are normalized to a TypeKind exactly once, at catalog load;
// everything downstream compares tags, never strings.
type TypeKind uint8

const (
	TypeUnknown TypeKind = iota
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeBool
	TypePointer
	TypeArray
	TypeStruct
	TypeEnum
	TypeCString
)

func (k TypeKind) String() string {
	switch k {
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	case TypeUint64:
		return "uint64"
	case TypeFloat32:
		return "float32"
	case TypeFloat64:
		return "float64"
	case TypeBool:
		return "bool"
	case TypePointer:
		return "pointer"
	case TypeArray:
		return "array"
	case TypeStruct:
		return "struct"
	case TypeEnum:
		return "enum"
	case TypeCString:
		return "cstring"
	default:
		return "unknown"
	}
}

// MarshalText encodes the tag as its canonical name.
func (k TypeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts any spelling from the equivalence table.
func (k *TypeKind) UnmarshalText(text []byte) error {
	*k = ParseTypeKind(string(text))
	return nil
}

// MarshalYAML encodes the tag as its canonical name.
func (k TypeKind) MarshalYAML() (any, error) {
	return k.String(), nil
}

// UnmarshalYAML accepts any spelling from the equivalence table.
func (k *TypeKind) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*k = ParseTypeKind(s)
	return nil
}

// typeAliases is the fixed equivalence table from declaration spellings to
// canonical tags. Lookup is exact (after lowercasing), not substring based.
var typeAliases = map[string]TypeKind{
	"int8":               TypeInt8,
	"char":               TypeInt8,
	"signed char":        TypeInt8,
	"int16":              TypeInt16,
	"short":              TypeInt16,
	"int32":              TypeInt32,
	"int":                TypeInt32,
	"long":               TypeInt64,
	"int64":              TypeInt64,
	"long long":          TypeInt64,
	"__int64":            TypeInt64,
	"uint8":              TypeUint8,
	"byte":               TypeUint8,
	"unsigned char":      TypeUint8,
	"uint16":             TypeUint16,
	"unsigned short":     TypeUint16,
	"ushort":             TypeUint16,
	"uint32":             TypeUint32,
	"unsigned int":       TypeUint32,
	"uint":               TypeUint32,
	"dword":              TypeUint32,
	"uint64":             TypeUint64,
	"unsigned long":      TypeUint64,
	"unsigned long long": TypeUint64,
	"qword":              TypeUint64,
	"size_t":             TypeUint64,
	"float32":            TypeFloat32,
	"float":              TypeFloat32,
	"float64":            TypeFloat64,
	"double":             TypeFloat64,
	"bool":               TypeBool,
	"_bool":              TypeBool,
	"pointer":            TypePointer,
	"ptr":                TypePointer,
	"void*":              TypePointer,
	"void *":             TypePointer,
	"array":              TypeArray,
	"struct":             TypeStruct,
	"enum":               TypeEnum,
	"cstring":            TypeCString,
	"char*":              TypeCString,
	"char *":             TypeCString,
	"const char*":        TypeCString,
	"const char *":       TypeCString,
}

// ParseTypeKind normalizes a declaration string to its canonical tag.
// Unrecognized spellings map to TypeUnknown; pointer-looking declarations
// (trailing '*') that are not in the table collapse to TypePointer.
func ParseTypeKind(decl string) TypeKind {
	s := strings.ToLower(strings.Join(strings.Fields(strings.TrimSpace(decl)), " "))
	if k, ok := typeAliases[s]; ok {
		return k
	}
	if strings.HasSuffix(s, "*") {
		return TypePointer
	}
	if strings.HasSuffix(s, "]") && strings.Contains(s, "[") {
		return TypeArray
	}
	return TypeUnknown
}

// FieldDef is a single named field inside a struct layout.
type FieldDef struct {
	Name   string   `json:"name" yaml:"name"`
	Type   TypeKind `json:"type" yaml:"type"`
	Decl   string   `json:"decl,omitempty" yaml:"decl,omitempty"`
	Offset uint64   `json:"offset" yaml:"offset"`
	Size   uint64   `json:"size" yaml:"size"`
	Notes  string   `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// VFuncDef is one virtual-function-table entry.
type VFuncDef struct {
	Index   int    `json:"index" yaml:"index"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Address uint64 `json:"address,omitempty" yaml:"address,omitempty"`
}

// StructDef is a reverse-engineered struct layout.
type StructDef struct {
	Name   string     `json:"name" yaml:"name"`
	Size   uint64     `json:"size,omitempty" yaml:"size,omitempty"`
	Base   string     `json:"base,omitempty" yaml:"base,omitempty"`
	Fields []FieldDef `json:"fields" yaml:"fields"`
	VFuncs []VFuncDef `json:"vfuncs,omitempty" yaml:"vfuncs,omitempty"`
}

// Field returns the named field, if present.
func (s *StructDef) Field(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// EnumDef maps value names to integers. Duplicate values across names are
// permitted; duplicate names are not.
type EnumDef struct {
	Name   string           `json:"name" yaml:"name"`
	Values map[string]int64 `json:"values" yaml:"values"`
}

// Snapshot is an immutable versioned catalog of structs and enums keyed by
// fully-qualified name. Build one with NewSnapshot; never mutate it after.
type Snapshot struct {
	Version string
	Structs map[string]*StructDef
	Enums   map[string]*EnumDef
}

// NewSnapshot validates the given definitions and assembles a snapshot.
func NewSnapshot(version string, structs []StructDef, enums []EnumDef) (*Snapshot, error) {
	snap := &Snapshot{
		Version: version,
		Structs: make(map[string]*StructDef, len(structs)),
		Enums:   make(map[string]*EnumDef, len(enums)),
	}
	for i := range structs {
		s := structs[i]
		if s.Name == "" {
			return nil, fmt.Errorf("struct at index %d has no name", i)
		}
		if _, ok := snap.Structs[s.Name]; ok {
			return nil, fmt.Errorf("duplicate struct %q", s.Name)
		}
		if err := validateStruct(&s); err != nil {
			return nil, err
		}
		snap.Structs[s.Name] = &s
	}
	for i := range enums {
		e := enums[i]
		if e.Name == "" {
			return nil, fmt.Errorf("enum at index %d has no name", i)
		}
		if _, ok := snap.Enums[e.Name]; ok {
			return nil, fmt.Errorf("duplicate enum %q", e.Name)
		}
		snap.Enums[e.Name] = &e
	}
	return snap, nil
}

func validateStruct(s *StructDef) error {
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("struct %q has an unnamed field at offset %#x", s.Name, f.Offset)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("struct %q has duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if s.Size > 0 && f.Offset+f.Size > s.Size {
			return fmt.Errorf("struct %q field %q spans [%#x,%#x) beyond declared size %#x",
				s.Name, f.Name, f.Offset, f.Offset+f.Size, s.Size)
		}
	}
	return nil
}

// StructNames returns the snapshot's struct names sorted ascending.
func (s *Snapshot) StructNames() []string {
	names := make([]string, 0, len(s.Structs))
	for name := range s.Structs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnumNames returns the snapshot's enum names sorted ascending.
func (s *Snapshot) EnumNames() []string {
	names := make([]string, 0, len(s.Enums))
	for name := range s.Enums {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FieldCount returns the total number of fields across all structs.
func (s *Snapshot) FieldCount() int {
	var n int
	for _, sd := range s.Structs {
		n += len(sd.Fields)
	}
	return n
}
