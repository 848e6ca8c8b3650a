package sig

import (
	"context"
	"fmt"
	"runtime"

	"github.com/apex/log"
	"github.com/blacktop/drift/pkg/binimg"
	"golang.org/x/sync/errgroup"
)

// highConfidence is assigned to exact single-occurrence relocations; it is
// the only way a scan result reaches a high score.
const highConfidence = 0.95

// ScanOptions tune signature scanning. Zero values mean defaults.
type ScanOptions struct {
	// Workers bounds the per-signature worker pool.
	Workers int
	// MaxCandidates caps the addresses listed for ambiguous matches.
	MaxCandidates int
}

func (o ScanOptions) defaults() ScanOptions {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = 16
	}
	return o
}

// Scan relocates every signature in the store against a new binary. One
// result is returned per signature, in store order; a field that cannot be
// relocated never fails the batch. Cancelling ctx stops dispatching new
// signatures; the skipped ones are reported as cancelled and ctx's error is
// returned alongside the full result set.
func Scan(ctx context.Context, img *binimg.Image, store *Store, opts ScanOptions) ([]ScanResult, error) {
	opts = opts.defaults()

	results := make([]ScanResult, len(store.Signatures))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	var cancelled bool
	for i, s := range store.Signatures {
		if gctx.Err() != nil {
			cancelled = true
			results[i] = ScanResult{
				SignatureID: s.ID,
				Struct:      s.Struct,
				Field:       s.Field,
				OldOffset:   s.Offset,
				Error:       "scan cancelled",
			}
			continue
		}
		i, s := i, s
		g.Go(func() error {
			results[i] = scanOne(img, s, opts.MaxCandidates)
			return nil
		})
	}
	g.Wait()

	var found, missing, ambiguous int
	for _, r := range results {
		switch {
		case r.Found:
			found++
		case r.Ambiguous():
			ambiguous++
		default:
			missing++
		}
	}
	log.WithFields(log.Fields{
		"total":     len(results),
		"found":     found,
		"missing":   missing,
		"ambiguous": ambiguous,
	}).Info("Scan STATS")

	if cancelled {
		return results, ctx.Err()
	}
	return results, nil
}

// scanOne searches every executable region for the signature's concrete
// bytes and decodes the displacement at each hit. It always returns a
// result, never an error: zero hits and multiple hits are recorded on the
// result itself.
func scanOne(img *binimg.Image, s FieldSignature, maxCandidates int) ScanResult {
	res := ScanResult{
		SignatureID: s.ID,
		Struct:      s.Struct,
		Field:       s.Field,
		OldOffset:   s.Offset,
	}

	type hit struct {
		addr uint64
		data []byte
		pos  int
	}
	var hits []hit
	for _, region := range img.Regions {
		rem := maxCandidates + 1 - len(hits)
		if rem <= 0 {
			break
		}
		for _, pos := range findMasked(region.Data, s.Pattern, rem) {
			hits = append(hits, hit{addr: region.Addr + uint64(pos), data: region.Data, pos: pos})
		}
	}

	switch len(hits) {
	case 0:
		res.Error = ErrNoMatch.Error()
	case 1:
		disp, err := decodeDisp(hits[0].data, hits[0].pos+s.DispPos, s.DispWidth)
		if err != nil {
			res.Error = err.Error()
			break
		}
		if disp < 0 {
			res.Error = fmt.Sprintf("decoded negative displacement %d", disp)
			break
		}
		res.Found = true
		res.NewOffset = uint64(disp)
		res.Delta = disp - int64(s.Offset)
		res.MatchAddress = hits[0].addr
		res.Confidence = highConfidence
	default:
		res.Error = ErrAmbiguousMatch.Error()
		for _, h := range hits {
			res.Candidates = append(res.Candidates, h.addr)
		}
	}

	return res
}

// decodeDisp reads the little-endian signed displacement recorded at the
// pattern's wildcard position.
func decodeDisp(data []byte, pos, width int) (int64, error) {
	if pos < 0 || pos+width > len(data) {
		return 0, fmt.Errorf("displacement at %d (width %d) out of bounds", pos, width)
	}
	switch width {
	case 1:
		return int64(int8(data[pos])), nil
	case 4:
		return int64(int32(uint32(data[pos]) | uint32(data[pos+1])<<8 | uint32(data[pos+2])<<16 | uint32(data[pos+3])<<24)), nil
	default:
		return 0, fmt.Errorf("unsupported displacement width %d", width)
	}
}
