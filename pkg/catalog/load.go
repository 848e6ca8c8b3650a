package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk snapshot shape. The core is agnostic to where catalogs
// come from; this loader exists so the CLI can consume JSON/YAML exports.
type File struct {
	Version string      `json:"version" yaml:"version"`
	Structs []StructDef `json:"structs" yaml:"structs"`
	Enums   []EnumDef   `json:"enums,omitempty" yaml:"enums,omitempty"`
}

// Open reads a snapshot from a JSON or YAML catalog file.
func Open(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var cf File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse YAML catalog %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("failed to parse JSON catalog %s: %w", path, err)
		}
	}

	// catalogs exported before type tags were introduced carry free-form
	// declarations only
	for si := range cf.Structs {
		for fi := range cf.Structs[si].Fields {
			f := &cf.Structs[si].Fields[fi]
			if f.Type == TypeUnknown && f.Decl != "" {
				f.Type = ParseTypeKind(f.Decl)
			}
		}
	}

	if cf.Version == "" {
		cf.Version = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return NewSnapshot(cf.Version, cf.Structs, cf.Enums)
}
