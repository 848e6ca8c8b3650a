package sig

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/drift/pkg/binimg"
	"github.com/blacktop/drift/pkg/catalog"
	"golang.org/x/sync/errgroup"
)

// ExtractOptions tune signature extraction. Zero values mean defaults.
type ExtractOptions struct {
	// MaxWindow is the largest pattern length in bytes a candidate may grow
	// to while searching for uniqueness.
	MaxWindow int
	// MaxCandidates caps how many referencing instructions are tried per
	// field.
	MaxCandidates int
	// MinConfidence drops fields whose best signature scores below it.
	MinConfidence float64
	// Workers bounds the per-field worker pool.
	Workers int
	// CountLimit caps occurrence counting for non-unique patterns.
	CountLimit int
}

func (o ExtractOptions) defaults() ExtractOptions {
	if o.MaxWindow <= 0 {
		o.MaxWindow = 32
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = 8
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = 0.5
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.CountLimit <= 0 {
		o.CountLimit = 64
	}
	return o
}

// Extractor finds unique wildcarded byte patterns for catalog fields in a
// reference binary.
type Extractor struct {
	img  *binimg.Image
	opts ExtractOptions
}

// NewExtractor returns an extractor over the given loaded binary.
func NewExtractor(img *binimg.Image, opts ExtractOptions) *Extractor {
	return &Extractor{img: img, opts: opts.defaults()}
}

// Extract builds a signature store covering every field of every struct in
// the snapshot. Per-field searches run on a bounded worker pool; cancelling
// ctx stops dispatching new fields and the partial store remains valid, with
// ctx's error returned alongside it.
func (e *Extractor) Extract(ctx context.Context, snap *catalog.Snapshot) (*Store, error) {
	type job struct {
		structName string
		field      catalog.FieldDef
	}
	var jobs []job
	for _, name := range snap.StructNames() {
		for _, f := range snap.Structs[name].Fields {
			jobs = append(jobs, job{structName: name, field: f})
		}
	}

	var (
		mu   sync.Mutex
		sigs []FieldSignature
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)

	var cancelled bool
	for _, j := range jobs {
		if gctx.Err() != nil {
			cancelled = true
			break
		}
		j := j
		g.Go(func() error {
			if fs, ok := e.extractField(j.structName, j.field); ok {
				mu.Lock()
				sigs = append(sigs, fs)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	sort.Slice(sigs, func(i, j int) bool {
		if sigs[i].Struct != sigs[j].Struct {
			return sigs[i].Struct < sigs[j].Struct
		}
		return sigs[i].Offset < sigs[j].Offset
	})

	store := &Store{
		Version:    snap.Version,
		Timestamp:  time.Now().UTC(),
		Signatures: sigs,
	}

	log.WithFields(log.Fields{
		"fields":  len(jobs),
		"covered": len(sigs),
		"missed":  len(jobs) - len(sigs),
	}).Info("Extraction STATS")

	if cancelled {
		return store, ctx.Err()
	}
	return store, nil
}

// extractField tries every referencing instruction it can find for the field
// and keeps the tightest pattern: unique with the fewest wildcards, else the
// lowest occurrence count with confidence scaled down accordingly.
func (e *Extractor) extractField(structName string, f catalog.FieldDef) (FieldSignature, bool) {
	var (
		best      FieldSignature
		bestCount int
		found     bool
	)

	better := func(sig FieldSignature, count int) bool {
		if !found {
			return true
		}
		if (count == 1) != (bestCount == 1) {
			return count == 1
		}
		if count == 1 {
			if w1, w2 := sig.Pattern.Wildcards(), best.Pattern.Wildcards(); w1 != w2 {
				return w1 < w2
			}
			return len(sig.Pattern) < len(best.Pattern)
		}
		return count < bestCount
	}

	for _, region := range e.img.Regions {
		for _, cand := range findCandidates(region.Data, int64(f.Offset), e.opts.MaxCandidates) {
			pat, dispPos := e.growWindow(region.Data, cand)
			count := countInImage(e.img, pat, e.opts.CountLimit)
			if count == 0 {
				continue // cannot happen for a pattern built from the data itself
			}
			sig := FieldSignature{
				Struct:     structName,
				Field:      f.Name,
				Offset:     f.Offset,
				Pattern:    pat,
				DispPos:    dispPos,
				DispWidth:  cand.dispWidth,
				Kind:       cand.kind,
				MatchCount: count,
				Confidence: 1.0 / float64(count),
			}
			if better(sig, count) {
				best, bestCount, found = sig, count, true
			}
		}
	}

	if !found || best.Confidence < e.opts.MinConfidence {
		log.WithFields(log.Fields{
			"struct": structName,
			"field":  f.Name,
		}).Debug("no usable signature")
		return FieldSignature{}, false
	}

	best.ID = signatureID(best.Struct, best.Field, best.Pattern)

	log.WithFields(log.Fields{
		"struct":  structName,
		"field":   f.Name,
		"kind":    best.Kind,
		"matches": best.MatchCount,
		"bytes":   len(best.Pattern),
	}).Debug("extracted signature")

	return best, true
}

// growWindow starts from the instruction's own bytes (displacement
// wildcarded) and widens the window alternately right and left until the
// masked pattern occurs exactly once in the image or MaxWindow is reached.
func (e *Extractor) growWindow(data []byte, cand insnRef) (Pattern, int) {
	lo, hi := cand.pos, cand.pos+cand.length
	wlo := cand.pos + cand.dispPos
	whi := wlo + cand.dispWidth

	build := func() Pattern {
		pat := make(Pattern, 0, hi-lo)
		for i := lo; i < hi; i++ {
			pat = append(pat, Token{Value: data[i], Wildcard: i >= wlo && i < whi})
		}
		return pat
	}

	pat := build()
	for countInImage(e.img, pat, 2) > 1 && hi-lo < e.opts.MaxWindow {
		grew := false
		if hi < len(data) {
			hi++
			grew = true
		}
		if hi-lo < e.opts.MaxWindow && lo > 0 {
			lo--
			grew = true
		}
		if !grew {
			break
		}
		pat = build()
	}

	return pat, wlo - lo
}
