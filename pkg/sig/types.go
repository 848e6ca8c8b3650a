// Package sig extracts uniquely-identifying byte signatures for struct fields
// from a reference binary and rescans new binaries to recover moved offsets.
package sig

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/twmb/murmur3"
)

// ErrNoMatch classifies a scan that found zero occurrences of a signature.
var ErrNoMatch = errors.New("signature not found")

// ErrAmbiguousMatch classifies a scan that found more than one occurrence;
// ambiguous matches are never auto-resolved.
var ErrAmbiguousMatch = errors.New("ambiguous match")

// Token is one byte of a signature pattern: either a concrete value or a
// wildcard that matches anything.
type Token struct {
	Value    byte
	Wildcard bool
}

// Pattern is an ordered sequence of concrete and wildcard bytes. The string
// form is space-separated hex byte-pairs with "??" wildcard markers, e.g.
// "48 8b 87 ?? ?? ?? ?? 48".
type Pattern []Token

func (p Pattern) String() string {
	var sb strings.Builder
	for i, t := range p {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if t.Wildcard {
			sb.WriteString("??")
		} else {
			fmt.Fprintf(&sb, "%02x", t.Value)
		}
	}
	return sb.String()
}

// Wildcards returns the number of wildcard positions.
func (p Pattern) Wildcards() int {
	var n int
	for _, t := range p {
		if t.Wildcard {
			n++
		}
	}
	return n
}

// Validate enforces the pattern invariants: non-empty, at least one wildcard
// (the displacement) and at least one concrete byte to anchor the search.
func (p Pattern) Validate() error {
	if len(p) == 0 {
		return errors.New("pattern is empty")
	}
	w := p.Wildcards()
	if w == 0 {
		return errors.New("pattern has no wildcard region")
	}
	if w == len(p) {
		return errors.New("pattern has no concrete bytes")
	}
	return nil
}

// MarshalText encodes the pattern in its string form.
func (p Pattern) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses the string form.
func (p *Pattern) UnmarshalText(text []byte) error {
	parsed, err := ParsePattern(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePattern parses the space-separated byte-pair/wildcard form.
func ParsePattern(s string) (Pattern, error) {
	fields := strings.Fields(s)
	pat := make(Pattern, 0, len(fields))
	for _, f := range fields {
		if f == "??" || f == "?" {
			pat = append(pat, Token{Wildcard: true})
			continue
		}
		v, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bad pattern byte %q: %v", f, err)
		}
		pat = append(pat, Token{Value: byte(v)})
	}
	return pat, nil
}

// FieldSignature is a verified byte pattern identifying one code reference to
// a struct field. Immutable once produced.
type FieldSignature struct {
	ID         string   `json:"id"`
	Struct     string   `json:"struct"`
	Field      string   `json:"field"`
	Offset     uint64   `json:"offset"`
	Pattern    Pattern  `json:"pattern"`
	DispPos    int      `json:"disp_pos"`
	DispWidth  int      `json:"disp_width"`
	Kind       InsnKind `json:"kind"`
	MatchCount int      `json:"match_count"`
	Confidence float64  `json:"confidence"`
}

// signatureID derives a stable reference for a signature from its identity
// and pattern bytes.
func signatureID(structName, fieldName string, pat Pattern) string {
	h := murmur3.Sum64([]byte(structName + "." + fieldName + ":" + pat.String()))
	return fmt.Sprintf("%016x", h)
}

// ScanResult is the outcome of relocating one signature in a new binary.
// Delta is meaningful only when Found is true. Immutable once produced.
type ScanResult struct {
	SignatureID  string   `json:"signature_id"`
	Struct       string   `json:"struct"`
	Field        string   `json:"field"`
	OldOffset    uint64   `json:"old_offset"`
	Found        bool     `json:"found"`
	NewOffset    uint64   `json:"new_offset,omitempty"`
	Delta        int64    `json:"delta,omitempty"`
	MatchAddress uint64   `json:"match_address,omitempty"`
	Candidates   []uint64 `json:"candidates,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// NoMatch reports whether the result recorded zero occurrences.
func (r ScanResult) NoMatch() bool {
	return !r.Found && r.Error == ErrNoMatch.Error()
}

// Ambiguous reports whether the result recorded multiple occurrences.
func (r ScanResult) Ambiguous() bool {
	return !r.Found && r.Error == ErrAmbiguousMatch.Error()
}
