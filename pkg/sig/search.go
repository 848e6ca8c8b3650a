package sig

import (
	"bytes"

	"github.com/blacktop/drift/pkg/binimg"
)

// longestConcreteRun returns the start and length of the longest stretch of
// concrete bytes in the pattern, used to anchor the masked search.
func longestConcreteRun(p Pattern) (start, length int) {
	var curStart, curLen int
	for i, t := range p {
		if t.Wildcard {
			curLen = 0
			continue
		}
		if curLen == 0 {
			curStart = i
		}
		curLen++
		if curLen > length {
			start, length = curStart, curLen
		}
	}
	return start, length
}

// matchesAt reports whether the pattern matches data at pos.
func matchesAt(data []byte, pos int, p Pattern) bool {
	if pos < 0 || pos+len(p) > len(data) {
		return false
	}
	for i, t := range p {
		if !t.Wildcard && data[pos+i] != t.Value {
			return false
		}
	}
	return true
}

// findMasked returns the positions (up to limit, 0 for unlimited) where the
// pattern matches data. The search is seeded with bytes.Index on the longest
// concrete run and each seed hit is verified against the full mask.
func findMasked(data []byte, p Pattern, limit int) []int {
	anchor, anchorLen := longestConcreteRun(p)
	if anchorLen == 0 {
		return nil
	}
	needle := make([]byte, anchorLen)
	for i := 0; i < anchorLen; i++ {
		needle[i] = p[anchor+i].Value
	}

	var positions []int
	from := 0
	for from <= len(data)-anchorLen {
		idx := bytes.Index(data[from:], needle)
		if idx == -1 {
			break
		}
		pos := from + idx - anchor
		if matchesAt(data, pos, p) {
			positions = append(positions, pos)
			if limit > 0 && len(positions) >= limit {
				break
			}
		}
		from += idx + 1
	}
	return positions
}

// countInImage counts pattern occurrences across all executable regions,
// stopping once limit is reached (0 for unlimited).
func countInImage(img *binimg.Image, p Pattern, limit int) int {
	var n int
	for _, region := range img.Regions {
		rem := 0
		if limit > 0 {
			rem = limit - n
		}
		n += len(findMasked(region.Data, p, rem))
		if limit > 0 && n >= limit {
			return n
		}
	}
	return n
}
