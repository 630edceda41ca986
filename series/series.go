package series

import "time"

// Quality grades the confidence of a single sample.
type Quality string

const (
	// QualityGood marks a sample computed from fully valid inputs.
	QualityGood Quality = "good"
	// QualityUncertain marks a sample derived from degraded inputs, for
	// example a carried-forward raw value.
	QualityUncertain Quality = "uncertain"
	// QualityBad marks a sample whose evaluation failed or whose inputs
	// were missing.
	QualityBad Quality = "bad"
)

// Worse reports the lower of two quality grades.
func Worse(a, b Quality) Quality {
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

func rank(q Quality) int {
	switch q {
	case QualityBad:
		return 2
	case QualityUncertain:
		return 1
	default:
		return 0
	}
}

// RawSample is a single historical reading delivered by a source data
// provider. Values carry the provider's native type and are converted at
// evaluation time.
type RawSample struct {
	Timestamp time.Time
	Value     interface{}
	Quality   Quality
}

// ComputedSample is one output of a backfill evaluation. Samples are never
// mutated after creation; provenance lists the inputs that contributed and,
// on a downgrade, the input or error responsible.
type ComputedSample struct {
	Timestamp  time.Time   `json:"timestamp"`
	Value      interface{} `json:"value"`
	Quality    Quality     `json:"quality"`
	Provenance []string    `json:"provenance,omitempty"`
}
