package sig

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	semver "github.com/hashicorp/go-version"
)

// Store is a named collection of field signatures extracted from one
// reference binary.
type Store struct {
	Version    string           `json:"version"`
	Timestamp  time.Time        `json:"timestamp"`
	MinVersion string           `json:"min_version,omitempty"`
	MaxVersion string           `json:"max_version,omitempty"`
	Signatures []FieldSignature `json:"signatures"`
}

// Save writes the store as JSON.
func (s *Store) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal signature store: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write signature store: %v", err)
	}
	return nil
}

// OpenStore reads a store from disk and validates every signature's pattern
// invariants and displacement bounds.
func OpenStore(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signature store: %w", err)
	}
	var s Store
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse signature store %s: %w", path, err)
	}
	for i := range s.Signatures {
		fs := &s.Signatures[i]
		if err := fs.Pattern.Validate(); err != nil {
			return nil, fmt.Errorf("signature %s.%s: %v", fs.Struct, fs.Field, err)
		}
		if fs.DispWidth != 1 && fs.DispWidth != 4 {
			return nil, fmt.Errorf("signature %s.%s: bad displacement width %d", fs.Struct, fs.Field, fs.DispWidth)
		}
		if fs.DispPos < 0 || fs.DispPos+fs.DispWidth > len(fs.Pattern) {
			return nil, fmt.Errorf("signature %s.%s: displacement outside pattern", fs.Struct, fs.Field)
		}
		if fs.ID == "" {
			fs.ID = signatureID(fs.Struct, fs.Field, fs.Pattern)
		}
	}
	return &s, nil
}

// Supports reports whether the store's declared version range covers the
// given version label. Stores without a range, and unparsable labels, are
// accepted.
func (s *Store) Supports(version string) (bool, error) {
	if version == "" || (s.MinVersion == "" && s.MaxVersion == "") {
		return true, nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return true, nil // free-form labels cannot be range checked
	}
	if s.MinVersion != "" {
		minVer, err := semver.NewVersion(s.MinVersion)
		if err != nil {
			return false, fmt.Errorf("failed to parse store min version %q: %v", s.MinVersion, err)
		}
		if v.LessThan(minVer) {
			return false, nil
		}
	}
	if s.MaxVersion != "" {
		maxVer, err := semver.NewVersion(s.MaxVersion)
		if err != nil {
			return false, fmt.Errorf("failed to parse store max version %q: %v", s.MaxVersion, err)
		}
		if v.GreaterThan(maxVer) {
			return false, nil
		}
	}
	return true, nil
}
