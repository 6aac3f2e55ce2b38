// Package merge reconciles partial records from many sources into one
// scored record.
package merge

import (
	"math"
	"sort"
	"time"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Engine merges source partials. It holds no per-call state and is safe for
// concurrent use.
type Engine struct {
	expectedFields int
	nowFunc        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithExpectedFields overrides the schema breadth used for completeness.
func WithExpectedFields(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.expectedFields = n
		}
	}
}

// WithClock sets the timestamp source for ProducedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFunc = now }
}

// NewEngine creates a merge engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		expectedFields: model.ExpectedFieldCount,
		nowFunc:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Merge combines partials on top of prior (which may be nil) and scores the
// result. A field is overwritten only by a strictly heavier source; on equal
// weight the incumbent keeps it. Partials are ordered by weight then name
// before applying, so completion order never changes the outcome.
// Merge never fails: if every source failed the record is empty with zero scores.
func (e *Engine) Merge(key string, depth model.Depth, partials []model.PartialRecord, prior *model.MergedRecord) *model.MergedRecord {
	rec := &model.MergedRecord{
		Key:             key,
		Depth:           depth,
		Fields:          make(model.Fields),
		FieldProvenance: make(map[model.FieldKey]string),
		Contributors:    make(map[string]float64),
		SourcesCalled:   make([]model.SourceCall, 0, len(partials)),
		ProducedAt:      e.nowFunc().UTC(),
	}

	if prior != nil {
		for k, v := range prior.Fields {
			src, ok := prior.FieldProvenance[k]
			if !ok || !k.Valid() || v == "" {
				continue
			}
			rec.Fields[k] = v
			rec.FieldProvenance[k] = src
		}
		for src, w := range prior.Contributors {
			rec.Contributors[src] = w
		}
	}

	ordered := Order(partials)
	for _, p := range ordered {
		fields := p.Fields.Compact()
		call := model.SourceCall{
			Source:     p.Source,
			Tier:       p.Tier,
			Weight:     p.Weight,
			Success:    p.Success,
			ErrorKind:  p.ErrorKind,
			DurationMs: p.DurationMs,
			Cached:     p.Cached,
		}
		// Cached answers are free whatever the adapter reported.
		if !p.Cached {
			call.CostIncurred = p.CostIncurred
			rec.TotalCost += p.CostIncurred
		}

		if p.Success {
			rec.Contributors[p.Source] = p.Weight
			for k, v := range fields {
				incumbent, set := rec.FieldProvenance[k]
				if set && p.Weight <= rec.Contributors[incumbent] && incumbent != p.Source {
					continue
				}
				rec.Fields[k] = v
				rec.FieldProvenance[k] = p.Source
				call.FieldsSupplied++
			}
		}
		rec.SourcesCalled = append(rec.SourcesCalled, call)
	}

	rec.CompletenessScore = Completeness(len(rec.Fields), e.expectedFields)
	rec.ConfidenceScore = Confidence(rec.Contributors)
	rec.QualityTier = model.TierForCompleteness(rec.CompletenessScore)
	rec.TotalCost = round(rec.TotalCost, 6)
	return rec
}

// Order returns a copy of partials sorted by weight descending, then source
// name ascending.
func Order(partials []model.PartialRecord) []model.PartialRecord {
	out := append([]model.PartialRecord(nil), partials...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// Completeness is the populated share of the schema as a 0-100 score.
func Completeness(populated, expected int) float64 {
	if expected <= 0 || populated <= 0 {
		return 0
	}
	return round(math.Min(100, 100*float64(populated)/float64(expected)), 2)
}

// Confidence is 100 times the unweighted mean reliability of the sources
// that succeeded. No successful sources scores 0.
func Confidence(contributors map[string]float64) float64 {
	if len(contributors) == 0 {
		return 0
	}
	var sum float64
	for _, w := range contributors {
		sum += w
	}
	return round(100*sum/float64(len(contributors)), 2)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
