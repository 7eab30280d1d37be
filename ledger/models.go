package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is one member's time-credit balance.
type Account struct {
	MemberID  string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// Transfer is one append-only ledger movement. The unique exchange_id
// constraint is what makes settlement at-most-once.
type Transfer struct {
	ID         string
	ExchangeID string
	SenderID   string
	ReceiverID string
	Amount     decimal.Decimal
	CreatedAt  time.Time
}

// Policy decides how far a balance may fall. With AllowNegative unset the
// floor is zero regardless of Floor.
type Policy struct {
	AllowNegative bool
	Floor         decimal.Decimal
}

func (p Policy) floor() decimal.Decimal {
	if !p.AllowNegative {
		return decimal.Zero
	}
	return p.Floor
}
