// Package validate consumes ground-truth validation reports produced by the
// out-of-process memory-inspection plugin and cross-checks them against a
// catalog snapshot. The core never touches live process memory; this is
// strictly a report consumer.
package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/blacktop/drift/pkg/catalog"
)

// FieldIssue is one per-field discrepancy observed at runtime.
type FieldIssue struct {
	Field          string `json:"field"`
	ExpectedOffset uint64 `json:"expected_offset"`
	ActualOffset   uint64 `json:"actual_offset,omitempty"`
	TypeIssue      string `json:"type_issue,omitempty"`
}

// StructReport is the per-struct shape the inspection plugin emits.
type StructReport struct {
	StructName   string       `json:"struct_name"`
	DeclaredSize uint64       `json:"declared_size"`
	ActualSize   uint64       `json:"actual_size"`
	Fields       []FieldIssue `json:"fields,omitempty"`
}

// Report is a full validation run.
type Report struct {
	Structs []StructReport `json:"structs"`
}

// Open reads a validation report from disk.
func Open(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read validation report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse validation report %s: %w", path, err)
	}
	return &r, nil
}

// Finding is one catalog/runtime disagreement worth surfacing.
type Finding struct {
	Struct string `json:"struct"`
	Field  string `json:"field,omitempty"`
	Detail string `json:"detail"`
}

// CrossCheck compares the report against the snapshot and returns findings
// sorted by struct then field. Structs the snapshot does not know are
// reported too.
func CrossCheck(snap *catalog.Snapshot, r *Report) []Finding {
	var findings []Finding

	for _, sr := range r.Structs {
		sd, ok := snap.Structs[sr.StructName]
		if !ok {
			findings = append(findings, Finding{
				Struct: sr.StructName,
				Detail: "struct not present in catalog",
			})
			continue
		}
		if sr.ActualSize != 0 && sd.Size != 0 && sr.ActualSize != sd.Size {
			findings = append(findings, Finding{
				Struct: sr.StructName,
				Detail: fmt.Sprintf("declared size %#x but runtime size %#x", sd.Size, sr.ActualSize),
			})
		}
		for _, fi := range sr.Fields {
			f, ok := sd.Field(fi.Field)
			if !ok {
				findings = append(findings, Finding{
					Struct: sr.StructName,
					Field:  fi.Field,
					Detail: "field not present in catalog",
				})
				continue
			}
			if fi.ActualOffset != 0 && fi.ActualOffset != f.Offset {
				findings = append(findings, Finding{
					Struct: sr.StructName,
					Field:  fi.Field,
					Detail: fmt.Sprintf("catalog offset %#x but runtime offset %#x", f.Offset, fi.ActualOffset),
				})
			}
			if fi.TypeIssue != "" {
				findings = append(findings, Finding{
					Struct: sr.StructName,
					Field:  fi.Field,
					Detail: fi.TypeIssue,
				})
			}
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Struct != findings[j].Struct {
			return findings[i].Struct < findings[j].Struct
		}
		return findings[i].Field < findings[j].Field
	})

	return findings
}
