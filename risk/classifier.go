package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Level is the risk tier assigned to an exchange at creation. It is computed
// once and persisted; later changes to the underlying signals never move an
// exchange between tiers.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

var levelRank = map[Level]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// Valid reports whether l is one of the four known tiers.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// RequiresBroker reports whether exchanges at this tier must pass broker
// review before acceptance.
func (l Level) RequiresBroker() bool {
	return l == LevelHigh || l == LevelCritical
}

func maxLevel(a, b Level) Level {
	if levelRank[b] > levelRank[a] {
		return b
	}
	return a
}

// Signals are the classifier inputs, gathered by the caller from the listing
// catalog and member history.
type Signals struct {
	// ListingRiskLevel is the moderation tag on the listing; empty means the
	// listing was never tagged.
	ListingRiskLevel Level
	// ListingRequiresApproval is an explicit per-listing broker flag.
	ListingRequiresApproval bool

	RequesterDisputes   int
	ProviderDisputes    int
	RequesterAccountAge time.Duration
	ProviderAccountAge  time.Duration

	ProposedHours decimal.Decimal
	// MaxHoursWithoutApproval is the configured threshold above which size
	// alone forces broker review.
	MaxHoursWithoutApproval decimal.Decimal
}

const (
	newAccountAge    = 14 * 24 * time.Hour
	criticalDisputes = 3
	elevatedDisputes = 1
)

// Classify derives the risk tier for a proposed exchange. Pure function: same
// signals, same tier.
func Classify(s Signals) Level {
	level := LevelLow
	if s.ListingRiskLevel.Valid() {
		level = s.ListingRiskLevel
	}

	if s.ListingRequiresApproval {
		level = maxLevel(level, LevelHigh)
	}

	disputes := s.RequesterDisputes
	if s.ProviderDisputes > disputes {
		disputes = s.ProviderDisputes
	}
	switch {
	case disputes >= criticalDisputes:
		level = maxLevel(level, LevelCritical)
	case disputes >= elevatedDisputes:
		level = maxLevel(level, LevelMedium)
	}

	age := s.RequesterAccountAge
	if s.ProviderAccountAge < age {
		age = s.ProviderAccountAge
	}
	if age < newAccountAge {
		level = maxLevel(level, LevelMedium)
	}

	if s.MaxHoursWithoutApproval.IsPositive() && s.ProposedHours.GreaterThan(s.MaxHoursWithoutApproval) {
		level = maxLevel(level, LevelHigh)
	}

	return level
}
