package task

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// Priority is a scheduling tier. Lower values are more urgent.
type Priority int

const (
	P0Critical Priority = 0
	P1High     Priority = 1
	P2Medium   Priority = 2
	P3Low      Priority = 3
)

// DefaultPriority is used when a request names no tier.
const DefaultPriority = P2Medium

var priorityNames = [...]string{"P0_CRITICAL", "P1_HIGH", "P2_MEDIUM", "P3_LOW"}

var priorityAliases = map[string]Priority{
	"p0":          P0Critical,
	"critical":    P0Critical,
	"p0-critical": P0Critical,
	"p1":          P1High,
	"high":        P1High,
	"p1-high":     P1High,
	"p2":          P2Medium,
	"medium":      P2Medium,
	"p2-medium":   P2Medium,
	"p3":          P3Low,
	"low":         P3Low,
	"p3-low":      P3Low,
}

var fold = cases.Fold()

// normalizeToken narrows fullwidth forms (as typed with CJK input methods),
// case folds, and treats "_" like "-".
func normalizeToken(s string) string {
	s = fold.String(width.Fold.String(strings.TrimSpace(s)))
	return strings.ReplaceAll(s, "_", "-")
}

// Priorities lists every tier from most to least urgent.
func Priorities() []Priority {
	return []Priority{P0Critical, P1High, P2Medium, P3Low}
}

// ParsePriority accepts P0..P3, CRITICAL/HIGH/MEDIUM/LOW and the combined
// forms (P1-HIGH, P1_HIGH), case-insensitively.
func ParsePriority(s string) (Priority, error) {
	if p, ok := priorityAliases[normalizeToken(s)]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrMalformedPriority, s)
}

// Valid reports whether p is one of the four tiers.
func (p Priority) Valid() bool { return p >= P0Critical && p <= P3Low }

// Name returns the record form, e.g. P1_HIGH.
func (p Priority) Name() string {
	if !p.Valid() {
		return fmt.Sprintf("P%d_UNKNOWN", int(p))
	}
	return priorityNames[p]
}

// String returns the display form, e.g. P1-HIGH.
func (p Priority) String() string {
	return strings.ReplaceAll(p.Name(), "_", "-")
}

// Next returns the adjacent more urgent tier. P0 stays P0.
func (p Priority) Next() Priority {
	if p <= P0Critical {
		return P0Critical
	}
	return p - 1
}
