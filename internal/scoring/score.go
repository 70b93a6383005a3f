// Package scoring turns a catalog signal and a workforce size into a final
// stress score.
package scoring

import (
	"errors"
	"fmt"

	"cqm/api/internal/catalog"
)

var ErrInvalidSignal = errors.New("invalid signal")

const (
	SizeStartup    = "startup"
	SizeSmall      = "small"
	SizeMedium     = "medium"
	SizeLarge      = "large"
	SizeEnterprise = "enterprise"
)

type Band string

const (
	BandCritical Band = "critical"
	BandElevated Band = "elevated"
	BandModerate Band = "moderate"
)

// Result is a signal joined with its computed score.
type Result struct {
	catalog.SignalEntry
	FinalScore int    `json:"finalScore"`
	Gatekeeper string `json:"gatekeeper"`
}

// Resolve is pure: the same inputs always give the same score.
func Resolve(cat *catalog.Catalog, signalID, workforceSize string) (Result, error) {
	entry, ok := cat.Lookup(signalID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidSignal, signalID)
	}
	return Result{
		SignalEntry: entry,
		FinalScore:  clamp(entry.StressScore+Modifier(workforceSize), 0, 100),
	}, nil
}

// Modifier is the additive adjustment for a workforce size. Unknown and empty
// sizes contribute nothing.
func Modifier(workforceSize string) int {
	switch workforceSize {
	case SizeEnterprise:
		return 10
	case SizeLarge:
		return 5
	case SizeSmall:
		return -5
	default:
		return 0
	}
}

// BandFor buckets a score the way the score card colours it.
func BandFor(score int) Band {
	switch {
	case score >= 80:
		return BandCritical
	case score >= 60:
		return BandElevated
	default:
		return BandModerate
	}
}

func clamp(value, lo, hi int) int {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
