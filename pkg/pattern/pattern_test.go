package pattern

import (
	"reflect"
	"testing"
)

// bulkShift builds observations for n structs, each with 3 stable fields
// below 0x100 and 3 fields at/above 0x100 shifted by delta.
func bulkShift(n int, delta int64) []Observation {
	names := []string{"Actor", "Camera", "Entity", "Scene", "World", "Physics"}
	var obs []Observation
	for i := 0; i < n; i++ {
		s := names[i]
		for _, off := range []uint64{0x10, 0x20, 0x30} {
			obs = append(obs, Observation{Struct: s, Field: "f", Old: off, New: off})
		}
		for _, off := range []uint64{0x100, 0x110, 0x120} {
			obs = append(obs, Observation{Struct: s, Field: "g", Old: off, New: uint64(int64(off) + delta)})
		}
	}
	return obs
}

func TestDetectBulkShift(t *testing.T) {
	patterns := Detect(KindFieldOffset, bulkShift(5, 0x8), nil)

	if len(patterns) != 1 {
		t.Fatalf("Detect() returned %d patterns, want 1", len(patterns))
	}
	p := patterns[0]
	if p.Delta != 0x8 {
		t.Errorf("Delta = %#x, want 0x8", p.Delta)
	}
	if p.StartOffset != 0x100 {
		t.Errorf("StartOffset = %#x, want 0x100", p.StartOffset)
	}
	if len(p.Structs) != 5 {
		t.Errorf("affected structs = %d, want 5", len(p.Structs))
	}
	if p.Confidence < 0.9 {
		t.Errorf("Confidence = %f, want >= 0.9", p.Confidence)
	}
	if p.Kind != KindFieldOffset {
		t.Errorf("Kind = %s, want %s", p.Kind, KindFieldOffset)
	}
}

func TestDetectNoDeltas(t *testing.T) {
	obs := bulkShift(3, 0)
	if patterns := Detect(KindFieldOffset, obs, nil); len(patterns) != 0 {
		t.Errorf("Detect() on unchanged fields returned %d patterns, want 0", len(patterns))
	}
}

func TestDetectConfidenceMonotonic(t *testing.T) {
	base := bulkShift(3, 0x8)
	clean := Detect(KindFieldOffset, base, nil)
	if len(clean) != 1 {
		t.Fatalf("Detect() returned %d patterns, want 1", len(clean))
	}

	// one extra field above the threshold in an affected struct that did NOT
	// move contradicts the hypothesis
	contradicted := Detect(KindFieldOffset, append(base, Observation{
		Struct: "Actor", Field: "stuck", Old: 0x200, New: 0x200,
	}), nil)
	if len(contradicted) != 1 {
		t.Fatalf("Detect() with contradiction returned %d patterns, want 1", len(contradicted))
	}

	if contradicted[0].Confidence >= clean[0].Confidence {
		t.Errorf("contradicting field did not lower confidence: %f >= %f",
			contradicted[0].Confidence, clean[0].Confidence)
	}
}

func TestDetectSmallSampleCeiling(t *testing.T) {
	// perfect evidence, but only 1 struct and 2 shifted fields
	obs := []Observation{
		{Struct: "Foo", Field: "C", Old: 0x100, New: 0x108},
		{Struct: "Foo", Field: "D", Old: 0x108, New: 0x110},
	}
	patterns := Detect(KindFieldOffset, obs, nil)
	if len(patterns) != 1 {
		t.Fatalf("Detect() returned %d patterns, want 1", len(patterns))
	}
	if patterns[0].Confidence >= 0.9 {
		t.Errorf("small sample Confidence = %f, want < 0.9", patterns[0].Confidence)
	}
}

func TestDetectReportingFloor(t *testing.T) {
	// 2 moved vs 6 stuck above threshold in the same struct
	obs := []Observation{
		{Struct: "Foo", Field: "a", Old: 0x100, New: 0x108},
		{Struct: "Foo", Field: "b", Old: 0x110, New: 0x118},
	}
	for i := 0; i < 6; i++ {
		obs = append(obs, Observation{Struct: "Foo", Field: "s", Old: 0x120 + uint64(i)*8, New: 0x120 + uint64(i)*8})
	}
	if patterns := Detect(KindFieldOffset, obs, nil); len(patterns) != 0 {
		t.Errorf("Detect() returned %d patterns, want 0 (confidence 0.25 below floor)", len(patterns))
	}
}

func TestDetectDeterministicOrder(t *testing.T) {
	obs := bulkShift(5, 0x8)
	// weaker second group in separate structs
	for _, s := range []string{"Mesh", "Light"} {
		obs = append(obs,
			Observation{Struct: s, Field: "x", Old: 0x40, New: 0x30},
			Observation{Struct: s, Field: "y", Old: 0x50, New: 0x40},
			Observation{Struct: s, Field: "z", Old: 0x60, New: 0x60},
		)
	}

	first := Detect(KindFieldOffset, obs, nil)
	if len(first) != 2 {
		t.Fatalf("Detect() returned %d patterns, want 2", len(first))
	}
	if first[0].Delta != 0x8 || first[1].Delta != -0x10 {
		t.Errorf("patterns out of order: got deltas %#x, %#x", first[0].Delta, first[1].Delta)
	}

	// same input, same output
	second := Detect(KindFieldOffset, obs, nil)
	if !reflect.DeepEqual(first, second) {
		t.Error("Detect() is not deterministic across invocations")
	}
}

func TestDetectVTableKind(t *testing.T) {
	var obs []Observation
	for _, s := range []string{"Actor", "Entity", "World"} {
		obs = append(obs,
			Observation{Struct: s, Field: "Update", Old: 3, New: 4},
			Observation{Struct: s, Field: "Render", Old: 4, New: 5},
			Observation{Struct: s, Field: "Destroy", Old: 5, New: 6},
			Observation{Struct: s, Field: "Init", Old: 0, New: 0},
		)
	}
	patterns := Detect(KindVTableSlot, obs, nil)
	if len(patterns) != 1 {
		t.Fatalf("Detect() returned %d patterns, want 1", len(patterns))
	}
	if patterns[0].Kind != KindVTableSlot {
		t.Errorf("Kind = %s, want %s", patterns[0].Kind, KindVTableSlot)
	}
	if patterns[0].Delta != 1 || patterns[0].StartOffset != 3 {
		t.Errorf("got delta %d start %d, want delta 1 start 3", patterns[0].Delta, patterns[0].StartOffset)
	}
}
