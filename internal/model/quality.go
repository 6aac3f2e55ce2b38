package model

import "github.com/rotisserie/eris"

// QualityTier buckets a record by completeness. Ordering is meaningful.
type QualityTier int

const (
	QualityMinimal QualityTier = iota
	QualityModerate
	QualityHigh
	QualityExcellent
)

func (q QualityTier) String() string {
	switch q {
	case QualityMinimal:
		return "minimal"
	case QualityModerate:
		return "moderate"
	case QualityHigh:
		return "high"
	case QualityExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// MarshalText encodes the tier by name.
func (q QualityTier) MarshalText() ([]byte, error) {
	return []byte(q.String()), nil
}

// UnmarshalText decodes a tier name.
func (q *QualityTier) UnmarshalText(b []byte) error {
	switch string(b) {
	case "minimal":
		*q = QualityMinimal
	case "moderate":
		*q = QualityModerate
	case "high":
		*q = QualityHigh
	case "excellent":
		*q = QualityExcellent
	default:
		return eris.Errorf("model: unknown quality tier %q", string(b))
	}
	return nil
}

// TierForCompleteness maps a 0-100 completeness score to a quality tier.
func TierForCompleteness(score float64) QualityTier {
	switch {
	case score >= 90:
		return QualityExcellent
	case score >= 70:
		return QualityHigh
	case score >= 40:
		return QualityModerate
	default:
		return QualityMinimal
	}
}
