package sig

import (
	"github.com/blacktop/drift/pkg/pattern"
)

// Aggregate feeds successful scan results through the same bulk-shift
// detector used for catalog diffs, so a catalog-vs-binary comparison yields
// the same report shape as a catalog-vs-catalog one.
func Aggregate(results []ScanResult, opts *pattern.Options) []pattern.OffsetPattern {
	var obs []pattern.Observation
	for _, r := range results {
		if !r.Found {
			continue
		}
		obs = append(obs, pattern.Observation{
			Struct: r.Struct,
			Field:  r.Field,
			Old:    r.OldOffset,
			New:    r.NewOffset,
		})
	}
	return pattern.Detect(pattern.KindFieldOffset, obs, opts)
}
