package core

import "strings"

// Confidence flags whether resolution of a lineage entry completed fully
// or was truncated or ambiguous.
type Confidence int

const (
	// ConfidenceHigh means every reference was resolved.
	ConfidenceHigh Confidence = iota
	// ConfidenceLow means at least one reference was left as-is.
	ConfidenceLow
)

// String returns the string representation of the confidence.
func (c Confidence) String() string {
	if c == ConfidenceLow {
		return "low"
	}
	return "high"
}

// ParseConfidence converts a string to a Confidence value.
func ParseConfidence(s string) (Confidence, bool) {
	switch strings.ToLower(s) {
	case "high":
		return ConfidenceHigh, true
	case "low":
		return ConfidenceLow, true
	default:
		return ConfidenceHigh, false
	}
}

// Min returns the lower of two confidences.
func (c Confidence) Min(o Confidence) Confidence {
	if c == ConfidenceLow || o == ConfidenceLow {
		return ConfidenceLow
	}
	return ConfidenceHigh
}

// MarshalText implements encoding.TextMarshaler.
func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Confidence) UnmarshalText(b []byte) error {
	*c, _ = ParseConfidence(string(b))
	return nil
}
