package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Depth is the enrichment tier a record was produced at.
type Depth string

const (
	DepthQuick Depth = "quick"
	DepthDeep  Depth = "deep"
)

// ParseDepth validates a depth string.
func ParseDepth(s string) (Depth, error) {
	switch Depth(s) {
	case DepthQuick, DepthDeep:
		return Depth(s), nil
	default:
		return "", eris.Errorf("model: unknown depth %q", s)
	}
}

// ErrorKind classifies why a source call failed.
type ErrorKind string

const (
	ErrorKindNone     ErrorKind = ""
	ErrorKindTimeout  ErrorKind = "timeout"
	ErrorKindHTTP     ErrorKind = "http-error"
	ErrorKindParse    ErrorKind = "parse-error"
	ErrorKindRejected ErrorKind = "rejected"
	ErrorKindInternal ErrorKind = "internal"
)

// PartialRecord is one source's contribution to a single lookup.
type PartialRecord struct {
	Source       string    `json:"source"`
	Tier         Depth     `json:"tier"`
	Weight       float64   `json:"weight"`
	Success      bool      `json:"success"`
	Fields       Fields    `json:"fields,omitempty"`
	CostIncurred float64   `json:"cost_incurred"`
	DurationMs   int64     `json:"duration_ms"`
	Cached       bool      `json:"cached"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// SourceCall summarizes one source invocation inside a MergedRecord.
type SourceCall struct {
	Source         string    `json:"source"`
	Tier           Depth     `json:"tier"`
	Weight         float64   `json:"weight"`
	Success        bool      `json:"success"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	FieldsSupplied int       `json:"fields_supplied"`
	CostIncurred   float64   `json:"cost_incurred"`
	DurationMs     int64     `json:"duration_ms"`
	Cached         bool      `json:"cached"`
}

// MergedRecord is the reconciled enrichment result for a lookup key.
type MergedRecord struct {
	Key               string              `json:"key"`
	Depth             Depth               `json:"depth"`
	Fields            Fields              `json:"fields"`
	FieldProvenance   map[FieldKey]string `json:"field_provenance"`
	CompletenessScore float64             `json:"completeness_score"`
	ConfidenceScore   float64             `json:"confidence_score"`
	QualityTier       QualityTier         `json:"quality_tier"`
	TotalCost         float64             `json:"total_cost"`
	SourcesCalled     []SourceCall        `json:"sources_called"`
	// Contributors maps every source that succeeded for this key (including
	// those inherited from a prior record) to its reliability weight.
	Contributors map[string]float64 `json:"contributors"`
	ProducedAt   time.Time          `json:"produced_at"`
	FromCache    bool               `json:"from_cache"`
}

// Clone returns a deep copy so callers can't mutate cached state.
func (r *MergedRecord) Clone() *MergedRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = r.Fields.Clone()
	out.FieldProvenance = make(map[FieldKey]string, len(r.FieldProvenance))
	for k, v := range r.FieldProvenance {
		out.FieldProvenance[k] = v
	}
	out.Contributors = make(map[string]float64, len(r.Contributors))
	for k, v := range r.Contributors {
		out.Contributors[k] = v
	}
	out.SourcesCalled = append([]SourceCall(nil), r.SourcesCalled...)
	return &out
}

// CacheEntry is the persisted wrapper around a MergedRecord.
type CacheEntry struct {
	CacheKey          string    `json:"cache_key"`
	Depth             Depth     `json:"depth"`
	Payload           []byte    `json:"payload"`
	ExpiresAt         time.Time `json:"expires_at"`
	HitCount          int64     `json:"hit_count"`
	CumulativeSavings float64   `json:"cumulative_savings"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Expired reports whether the entry is past its TTL at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
