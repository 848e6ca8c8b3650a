// Package pattern clusters individual field/vtable deltas into bulk-shift
// hypotheses with confidence scores. Detect is a pure function of its input
// so the same engine serves catalog-vs-catalog diffs and binary scan results.
package pattern

import (
	"fmt"
	"sort"
)

// Kind tags what a pattern's deltas are measured in.
type Kind string

const (
	// KindFieldOffset patterns explain byte-offset shifts.
	KindFieldOffset Kind = "field-offset"
	// KindVTableSlot patterns explain virtual-function slot shifts.
	KindVTableSlot Kind = "vtable-slot"
)

// Observation is one matched field (or named vtable entry) seen in both
// versions of a comparison. Unchanged fields carry Old == New; the detector
// needs them to test bulk-shift hypotheses against the full field universe.
type Observation struct {
	Struct string `json:"struct"`
	Field  string `json:"field"`
	Old    uint64 `json:"old"`
	New    uint64 `json:"new"`
}

// Delta returns new minus old.
func (o Observation) Delta() int64 {
	return int64(o.New) - int64(o.Old)
}

// OffsetPattern is one bulk-shift hypothesis: every field at or above
// StartOffset in the affected structs moved by Delta.
type OffsetPattern struct {
	Kind        Kind     `json:"kind"`
	Delta       int64    `json:"delta"`
	StartOffset uint64   `json:"start_offset"`
	Structs     []string `json:"structs"`
	Confidence  float64  `json:"confidence"`
	Explained   int      `json:"explained"`
	Total       int      `json:"total"`
	Description string   `json:"description"`
}

// Options tune the clustering. The zero value is usable; Detect fills in
// defaults.
type Options struct {
	// MinGroup is the minimum number of same-delta observations required to
	// form a hypothesis.
	MinGroup int
	// MinConfidence is the reporting floor; weaker patterns are suppressed.
	MinConfidence float64
	// SmallSampleCeiling caps the confidence of hypotheses drawn from fewer
	// than 3 structs or fewer than 3 shifted fields.
	SmallSampleCeiling float64
}

func (o *Options) defaults() Options {
	out := Options{MinGroup: 2, MinConfidence: 0.5, SmallSampleCeiling: 0.85}
	if o == nil {
		return out
	}
	if o.MinGroup > 0 {
		out.MinGroup = o.MinGroup
	}
	if o.MinConfidence > 0 {
		out.MinConfidence = o.MinConfidence
	}
	if o.SmallSampleCeiling > 0 {
		out.SmallSampleCeiling = o.SmallSampleCeiling
	}
	return out
}

// Detect groups non-zero deltas by value and, for each group, hypothesizes
// that everything at or above the group's lowest old offset in the affected
// structs moved together. Contradicting fields lower confidence instead of
// rejecting the hypothesis. Output ordering is deterministic.
func Detect(kind Kind, obs []Observation, options *Options) []OffsetPattern {
	opts := options.defaults()

	groups := make(map[int64][]Observation)
	for _, o := range obs {
		if d := o.Delta(); d != 0 {
			groups[d] = append(groups[d], o)
		}
	}

	var patterns []OffsetPattern
	for delta, group := range groups {
		if len(group) < opts.MinGroup {
			continue
		}

		start := group[0].Old
		affected := make(map[string]struct{})
		for _, o := range group {
			if o.Old < start {
				start = o.Old
			}
			affected[o.Struct] = struct{}{}
		}

		var explained, total int
		for _, o := range obs {
			if _, ok := affected[o.Struct]; !ok {
				continue
			}
			switch {
			case o.Old >= start:
				total++
				if o.Delta() == delta {
					explained++
				}
			case o.Delta() != 0:
				// below the threshold only delta 0 is consistent
				total++
			}
		}
		if total == 0 {
			continue
		}

		conf := float64(explained) / float64(total)
		if len(affected) < 3 || len(group) < 3 {
			conf = min(conf, opts.SmallSampleCeiling)
		}
		if conf < opts.MinConfidence {
			continue
		}

		structs := make([]string, 0, len(affected))
		for name := range affected {
			structs = append(structs, name)
		}
		sort.Strings(structs)

		unit := "offsets"
		if kind == KindVTableSlot {
			unit = "slots"
		}
		patterns = append(patterns, OffsetPattern{
			Kind:        kind,
			Delta:       delta,
			StartOffset: start,
			Structs:     structs,
			Confidence:  conf,
			Explained:   explained,
			Total:       total,
			Description: fmt.Sprintf("%d of %d fields across %d struct(s) shifted by %+#x at %s >= %#x",
				explained, total, len(structs), delta, unit, start),
		})
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		if len(patterns[i].Structs) != len(patterns[j].Structs) {
			return len(patterns[i].Structs) > len(patterns[j].Structs)
		}
		return patterns[i].Delta < patterns[j].Delta
	})

	return patterns
}
