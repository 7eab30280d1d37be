package listing

import (
	"time"

	"github.com/shopspring/decimal"

	"hourbank/risk"
)

// Kind distinguishes offers of service from requests for it.
type Kind string

const (
	KindOffer   Kind = "offer"
	KindRequest Kind = "request"
)

// Listing is the catalog entry an exchange is created against. The catalog
// itself lives outside the engine; this package only reads it.
type Listing struct {
	ID      string
	OwnerID string
	Title   string
	Kind    Kind
	// SuggestedHours is the owner's estimate, used as the default proposal.
	SuggestedHours decimal.NullDecimal
	// RiskLevel is the moderation tag, empty when the listing was never tagged.
	RiskLevel risk.Level
	// RequiresApproval forces broker review regardless of tier.
	RequiresApproval bool
	CreatedAt        time.Time
}
