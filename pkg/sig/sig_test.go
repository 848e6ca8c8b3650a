package sig

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/blacktop/drift/pkg/binimg"
	"github.com/blacktop/drift/pkg/catalog"
)

// testImage wraps raw code bytes as a single executable region.
func testImage(code []byte) *binimg.Image {
	return &binimg.Image{
		Path:    "test.bin",
		Format:  "raw",
		Regions: []binimg.Region{{Name: "text", Addr: 0x401000, Data: code}},
	}
}

// movRAX returns mov rax, [rbx+disp32] referencing the given offset.
func movRAX(offset uint32) []byte {
	return []byte{0x48, 0x8B, 0x83, byte(offset), byte(offset >> 8), byte(offset >> 16), byte(offset >> 24)}
}

// nopSled builds a code buffer of NOPs with the given chunks copied in at
// their positions.
func nopSled(size int, chunks map[int][]byte) []byte {
	code := bytes.Repeat([]byte{0x90}, size)
	for pos, chunk := range chunks {
		copy(code[pos:], chunk)
	}
	return code
}

func fieldSnapshot(t *testing.T, name string, offset uint64) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.NewSnapshot("v1", []catalog.StructDef{{
		Name:   "Player",
		Fields: []catalog.FieldDef{{Name: name, Type: catalog.TypeInt64, Offset: offset, Size: 8}},
	}}, nil)
	if err != nil {
		t.Fatalf("NewSnapshot() error = %v", err)
	}
	return snap
}

func TestMatchInsn(t *testing.T) {
	tests := []struct {
		name     string
		code     []byte
		target   int64
		wantKind InsnKind
		wantOK   bool
	}{
		{
			name:     "mov load disp32",
			code:     []byte{0x48, 0x8B, 0x83, 0x08, 0x01, 0x00, 0x00},
			target:   0x108,
			wantKind: InsnLoad,
			wantOK:   true,
		},
		{
			name:     "mov store disp8",
			code:     []byte{0x89, 0x43, 0x10},
			target:   0x10,
			wantKind: InsnStore,
			wantOK:   true,
		},
		{
			name:     "lea disp32 with SIB",
			code:     []byte{0x48, 0x8D, 0x84, 0x24, 0x08, 0x01, 0x00, 0x00},
			target:   0x108,
			wantKind: InsnLEA,
			wantOK:   true,
		},
		{
			name:     "movss load",
			code:     []byte{0xF3, 0x0F, 0x10, 0x43, 0x20},
			target:   0x20,
			wantKind: InsnFloatLoad,
			wantOK:   true,
		},
		{
			name:     "movsd store",
			code:     []byte{0xF2, 0x0F, 0x11, 0x83, 0x08, 0x01, 0x00, 0x00},
			target:   0x108,
			wantKind: InsnFloatStore,
			wantOK:   true,
		},
		{
			name:     "cmp disp8",
			code:     []byte{0x3B, 0x4B, 0x18},
			target:   0x18,
			wantKind: InsnCompare,
			wantOK:   true,
		},
		{
			name:     "add disp32",
			code:     []byte{0x48, 0x03, 0x93, 0x08, 0x01, 0x00, 0x00},
			target:   0x108,
			wantKind: InsnArith,
			wantOK:   true,
		},
		{
			name:   "wrong displacement",
			code:   []byte{0x48, 0x8B, 0x83, 0x08, 0x01, 0x00, 0x00},
			target: 0x110,
			wantOK: false,
		},
		{
			name:   "rip relative excluded",
			code:   []byte{0x48, 0x8B, 0x05, 0x08, 0x01, 0x00, 0x00},
			target: 0x108,
			wantOK: false,
		},
		{
			name:   "register direct excluded",
			code:   []byte{0x48, 0x8B, 0xC3},
			target: 0,
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ok := matchInsn(tt.code, 0, tt.target)
			if ok != tt.wantOK {
				t.Fatalf("matchInsn() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ref.kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", ref.kind, tt.wantKind)
			}
			if ref.length != len(tt.code) {
				t.Errorf("length = %d, want %d", ref.length, len(tt.code))
			}
		})
	}
}

func TestExtractScanRoundTrip(t *testing.T) {
	code := nopSled(0x400, map[int][]byte{0x120: movRAX(0x108)})
	img := testImage(code)
	snap := fieldSnapshot(t, "position", 0x108)

	ext := NewExtractor(img, ExtractOptions{})
	store, err := ext.Extract(context.Background(), snap)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(store.Signatures) != 1 {
		t.Fatalf("got %d signatures, want 1", len(store.Signatures))
	}

	s := store.Signatures[0]
	if err := s.Pattern.Validate(); err != nil {
		t.Errorf("extracted pattern invalid: %v", err)
	}
	if s.MatchCount != 1 {
		t.Errorf("MatchCount = %d, want 1", s.MatchCount)
	}
	if s.Confidence != 1.0 {
		t.Errorf("Confidence = %f, want 1.0", s.Confidence)
	}
	if s.Kind != InsnLoad {
		t.Errorf("Kind = %s, want %s", s.Kind, InsnLoad)
	}

	results, err := Scan(context.Background(), img, store, ScanOptions{})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if !r.Found {
		t.Fatalf("Found = false (%s), want true", r.Error)
	}
	if r.NewOffset != 0x108 || r.Delta != 0 {
		t.Errorf("NewOffset = %#x Delta = %d, want 0x108 and 0", r.NewOffset, r.Delta)
	}
	if r.Confidence < 0.9 {
		t.Errorf("Confidence = %f, want high", r.Confidence)
	}
}

func TestExtractGrowsToUniqueness(t *testing.T) {
	// the same instruction twice; only the surrounding bytes differ
	code := nopSled(0x400, map[int][]byte{
		0x100: append([]byte{0xAA}, movRAX(0x108)...),
		0x200: append([]byte{0xBB}, movRAX(0x108)...),
	})
	img := testImage(code)
	snap := fieldSnapshot(t, "position", 0x108)

	store, err := NewExtractor(img, ExtractOptions{}).Extract(context.Background(), snap)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(store.Signatures) != 1 {
		t.Fatalf("got %d signatures, want 1", len(store.Signatures))
	}
	s := store.Signatures[0]
	if s.MatchCount != 1 {
		t.Errorf("MatchCount = %d, want 1 after window growth", s.MatchCount)
	}
	if len(s.Pattern) <= 7 {
		t.Errorf("pattern did not grow beyond the instruction: %s", s.Pattern)
	}
}

func TestScanRelocatedOffset(t *testing.T) {
	refCode := nopSled(0x400, map[int][]byte{0x120: movRAX(0x108)})
	snap := fieldSnapshot(t, "position", 0x108)

	store, err := NewExtractor(testImage(refCode), ExtractOptions{}).Extract(context.Background(), snap)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	// new build: same code shape, field moved to 0x110
	newCode := nopSled(0x400, map[int][]byte{0x120: movRAX(0x110)})
	results, err := Scan(context.Background(), testImage(newCode), store, ScanOptions{})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	r := results[0]
	if !r.Found {
		t.Fatalf("Found = false (%s), want true", r.Error)
	}
	if r.NewOffset != 0x110 || r.Delta != 0x8 {
		t.Errorf("NewOffset = %#x Delta = %#x, want 0x110 and 0x8", r.NewOffset, r.Delta)
	}
}

func TestScanFunctionRemoved(t *testing.T) {
	refCode := nopSled(0x400, map[int][]byte{0x120: movRAX(0x108)})
	snap := fieldSnapshot(t, "position", 0x108)

	store, err := NewExtractor(testImage(refCode), ExtractOptions{}).Extract(context.Background(), snap)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	// the referencing code is gone entirely
	results, err := Scan(context.Background(), testImage(nopSled(0x400, nil)), store, ScanOptions{})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	r := results[0]
	if r.Found {
		t.Fatal("Found = true, want false")
	}
	if !r.NoMatch() {
		t.Errorf("result not classified as no-match: %q", r.Error)
	}
}

func TestScanAmbiguous(t *testing.T) {
	pat, err := ParsePattern("8b 83 ?? ?? ?? ??")
	if err != nil {
		t.Fatal(err)
	}
	store := &Store{
		Version: "v1",
		Signatures: []FieldSignature{{
			Struct:    "Player",
			Field:     "position",
			Offset:    0x108,
			Pattern:   pat,
			DispPos:   2,
			DispWidth: 4,
			Kind:      InsnLoad,
		}},
	}

	code := nopSled(0x400, map[int][]byte{
		0x100: movRAX(0x108)[1:], // drop REX so both sites match the pattern
		0x200: movRAX(0x208)[1:],
	})
	results, err := Scan(context.Background(), testImage(code), store, ScanOptions{})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	r := results[0]
	if r.Found {
		t.Fatal("Found = true, want false")
	}
	if !r.Ambiguous() {
		t.Errorf("result not classified as ambiguous: %q", r.Error)
	}
	if len(r.Candidates) != 2 {
		t.Errorf("got %d candidate addresses, want 2", len(r.Candidates))
	}
}

func TestExtractCancellation(t *testing.T) {
	code := nopSled(0x400, map[int][]byte{0x120: movRAX(0x108)})
	snap := fieldSnapshot(t, "position", 0x108)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store, err := NewExtractor(testImage(code), ExtractOptions{}).Extract(ctx, snap)
	if err != context.Canceled {
		t.Errorf("Extract() error = %v, want context.Canceled", err)
	}
	if store == nil {
		t.Fatal("cancelled extraction must still return the partial store")
	}
	if len(store.Signatures) != 0 {
		t.Errorf("got %d signatures, want 0 (nothing dispatched)", len(store.Signatures))
	}
}

func TestPatternStringRoundTrip(t *testing.T) {
	tests := []string{
		"48 8b 83 ?? ?? ?? ??",
		"?? 90 48",
		"f3 0f 10 43 ??",
	}
	for _, s := range tests {
		pat, err := ParsePattern(s)
		if err != nil {
			t.Fatalf("ParsePattern(%q) error = %v", s, err)
		}
		if got := pat.String(); got != s {
			t.Errorf("round trip = %q, want %q", got, s)
		}
	}

	if _, err := ParsePattern("48 zz"); err == nil {
		t.Error("ParsePattern accepted a bad byte")
	}
}

func TestPatternValidate(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{"good", "48 8b ??", false},
		{"empty", "", true},
		{"no wildcard", "48 8b 83", true},
		{"all wildcards", "?? ?? ??", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pat, err := ParsePattern(tt.pattern)
			if err != nil {
				t.Fatal(err)
			}
			if err := pat.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	code := nopSled(0x400, map[int][]byte{0x120: movRAX(0x108)})
	snap := fieldSnapshot(t, "position", 0x108)

	store, err := NewExtractor(testImage(code), ExtractOptions{}).Extract(context.Background(), snap)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "sigs.json")
	if err := store.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}

	if len(loaded.Signatures) != len(store.Signatures) {
		t.Fatalf("got %d signatures, want %d", len(loaded.Signatures), len(store.Signatures))
	}
	a, b := store.Signatures[0], loaded.Signatures[0]
	if a.Pattern.String() != b.Pattern.String() {
		t.Errorf("pattern changed across save/load: %q vs %q", a.Pattern, b.Pattern)
	}
	if a.ID != b.ID || a.DispPos != b.DispPos || a.DispWidth != b.DispWidth {
		t.Error("signature metadata changed across save/load")
	}
}

func TestStoreSupports(t *testing.T) {
	tests := []struct {
		name     string
		min, max string
		version  string
		want     bool
	}{
		{"in range", "1.2.0", "1.4.0", "1.3.0", true},
		{"below min", "1.2.0", "1.4.0", "1.1.0", false},
		{"above max", "1.2.0", "1.4.0", "1.5.0", false},
		{"no range", "", "", "9.9.9", true},
		{"free form label", "1.2.0", "1.4.0", "build-42", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Store{MinVersion: tt.min, MaxVersion: tt.max}
			got, err := s.Supports(tt.version)
			if err != nil {
				t.Fatalf("Supports() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Supports(%q) = %v, want %v", tt.version, got, tt.want)
			}
		})
	}
}

func TestAggregate(t *testing.T) {
	var results []ScanResult
	for _, s := range []string{"Actor", "Entity", "World"} {
		for i := 0; i < 3; i++ {
			off := uint64(0x100 + i*0x10)
			results = append(results, ScanResult{
				Struct: s, Field: "f", OldOffset: off,
				Found: true, NewOffset: off + 0x8, Delta: 0x8,
			})
		}
		// a field that could not be relocated must not poison the clustering
		results = append(results, ScanResult{Struct: s, Field: "gone", OldOffset: 0x50, Error: ErrNoMatch.Error()})
	}

	patterns := Aggregate(results, nil)
	if len(patterns) != 1 {
		t.Fatalf("got %d patterns, want 1", len(patterns))
	}
	p := patterns[0]
	if p.Delta != 0x8 || p.StartOffset != 0x100 || len(p.Structs) != 3 {
		t.Errorf("unexpected pattern: %+v", p)
	}
	if p.Confidence < 0.9 {
		t.Errorf("Confidence = %f, want >= 0.9", p.Confidence)
	}
}
