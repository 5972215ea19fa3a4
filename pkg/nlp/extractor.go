package nlp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/synaptica-ai/cardiorisk/pkg/common/apperr"
	"github.com/synaptica-ai/cardiorisk/pkg/common/logger"
	"github.com/synaptica-ai/cardiorisk/pkg/common/models"
	"github.com/synaptica-ai/cardiorisk/pkg/observability/metrics"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Timeout bounds one backend call. Zero disables the budget.
	Timeout time.Duration
	// CacheSize is the number of distinct note texts whose entities are
	// kept. Zero disables caching.
	CacheSize int
	// MinConfidence drops spans scored below it.
	MinConfidence float64
	// Workers bounds concurrent notes in ExtractNotes.
	Workers int
}

type Extractor struct {
	backend Backend
	opts    Options
	cache   *lru.Cache[string, []models.ClinicalEntity]
}

func NewExtractor(backend Backend, opts Options) (*Extractor, error) {
	e := &Extractor{backend: backend, opts: opts}
	if e.opts.Workers <= 0 {
		e.opts.Workers = 4
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, []models.ClinicalEntity](opts.CacheSize)
		if err != nil {
			return nil, err
		}
		e.cache = cache
	}
	return e, nil
}

// Extract returns the non-overlapping entities of note ordered by start
// offset. Blank text yields an empty slice without calling the backend.
func (e *Extractor) Extract(ctx context.Context, note models.ClinicalNote) ([]models.ClinicalEntity, error) {
	if strings.TrimSpace(note.Text) == "" {
		return []models.ClinicalEntity{}, nil
	}

	key := textKey(note.Text)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return withSource(cached, note.ID), nil
		}
	}

	spans, err := e.call(ctx, note.Text)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.ObserveExtraction(0, true)
			return nil, apperr.ExtractionTimeout(note.ID, err)
		}
		return nil, err
	}

	entities := Resolve(note.Text, spans, e.opts.MinConfidence)
	metrics.ObserveExtraction(len(entities), false)
	if e.cache != nil {
		e.cache.Add(key, entities)
	}
	return withSource(entities, note.ID), nil
}

// call runs the backend under the time budget. The backend goroutine is
// abandoned, not killed, when it ignores cancellation.
func (e *Extractor) call(ctx context.Context, text string) ([]Span, error) {
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	type result struct {
		spans []Span
		err   error
	}
	done := make(chan result, 1)
	go func() {
		spans, err := e.backend.Extract(ctx, text)
		done <- result{spans: spans, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return r.spans, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NoteResult is the outcome of one note in ExtractNotes.
type NoteResult struct {
	NoteID   string
	Entities []models.ClinicalEntity
	Err      error
}

// ExtractNotes processes notes concurrently. A failing note does not affect
// the others; results keep the input order.
func (e *Extractor) ExtractNotes(ctx context.Context, notes []models.ClinicalNote) []NoteResult {
	results := make([]NoteResult, len(notes))
	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for i, note := range notes {
		i, note := i, note
		g.Go(func() error {
			entities, err := e.Extract(ctx, note)
			if err != nil {
				logger.Log.WithError(err).WithFields(map[string]interface{}{
					"note_id":    note.ID,
					"patient_id": note.PatientID,
				}).Warn("entity extraction failed")
			}
			results[i] = NoteResult{NoteID: note.ID, Entities: entities, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func textKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func withSource(entities []models.ClinicalEntity, noteID string) []models.ClinicalEntity {
	out := make([]models.ClinicalEntity, len(entities))
	for i, ent := range entities {
		ent.SourceNoteID = noteID
		out[i] = ent
	}
	return out
}

type piece struct {
	start, end int
	kind       string
	score      float64
	inside     bool
	parts      int
}

// Resolve turns raw backend spans into clean entities: spans are clamped to
// the text and to rune boundaries, labels are canonicalized, adjacent
// word pieces of one entity are merged and overlaps are resolved by length,
// then confidence, then earlier start.
func Resolve(text string, spans []Span, minConfidence float64) []models.ClinicalEntity {
	pieces := make([]piece, 0, len(spans))
	for _, s := range spans {
		p, ok := clean(text, s)
		if !ok || p.score < minConfidence {
			continue
		}
		pieces = append(pieces, p)
	}
	sort.SliceStable(pieces, func(i, j int) bool {
		if pieces[i].start != pieces[j].start {
			return pieces[i].start < pieces[j].start
		}
		return pieces[i].end < pieces[j].end
	})

	merged := mergePieces(text, pieces)
	kept := resolveOverlaps(merged)

	entities := make([]models.ClinicalEntity, 0, len(kept))
	for _, p := range kept {
		entities = append(entities, models.ClinicalEntity{
			Text:       text[p.start:p.end],
			Type:       p.kind,
			Confidence: p.score,
			Start:      utf8.RuneCountInString(text[:p.start]),
			End:        utf8.RuneCountInString(text[:p.end]),
		})
	}
	return entities
}

func clean(text string, s Span) (piece, bool) {
	if math.IsNaN(s.Score) {
		return piece{}, false
	}
	start, end := s.Start, s.End
	if start < 0 {
		start = 0
	}
	if end > len(text) {
		end = len(text)
	}
	for start < end && !utf8.RuneStart(text[start]) {
		start++
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	// trim surrounding whitespace so offsets cover the entity text only
	for start < end && isSpace(text[start]) {
		start++
	}
	for end > start && isSpace(text[end-1]) {
		end--
	}
	if start >= end {
		return piece{}, false
	}
	score := math.Max(0, math.Min(1, s.Score))
	_, inside := splitLabel(s.Label)
	return piece{start: start, end: end, kind: Canonical(s.Label), score: score, inside: inside, parts: 1}, true
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// mergePieces joins a piece into its predecessor when both have the same type
// and they touch, or when the follower is an I- continuation separated only by
// spaces or a hyphen. The merged score is the mean of the parts.
func mergePieces(text string, pieces []piece) []piece {
	var out []piece
	for _, p := range pieces {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.kind == p.kind && p.start >= last.end && joinable(text[last.end:p.start], p.inside) {
				total := last.score*float64(last.parts) + p.score
				last.parts++
				last.score = total / float64(last.parts)
				last.end = p.end
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func joinable(gap string, inside bool) bool {
	if gap == "" {
		return true
	}
	if !inside {
		return false
	}
	return strings.Trim(gap, " -") == ""
}

func resolveOverlaps(pieces []piece) []piece {
	ranked := append([]piece(nil), pieces...)
	sort.SliceStable(ranked, func(i, j int) bool {
		li, lj := ranked[i].end-ranked[i].start, ranked[j].end-ranked[j].start
		if li != lj {
			return li > lj
		}
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].start < ranked[j].start
	})

	var kept []piece
	for _, p := range ranked {
		overlaps := false
		for _, k := range kept {
			if p.start < k.end && k.start < p.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, p)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })
	return kept
}
