package exchange

import (
	"time"

	"github.com/shopspring/decimal"

	"hourbank/listing"
	"hourbank/risk"
)

// Status is the closed set of exchange lifecycle states. Transitions between
// them are governed exclusively by the table in status.go.
type Status string

const (
	StatusPendingProvider     Status = "pending_provider"
	StatusPendingBroker       Status = "pending_broker"
	StatusAccepted            Status = "accepted"
	StatusInProgress          Status = "in_progress"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusCompleted           Status = "completed"
	StatusDisputed            Status = "disputed"
	StatusCancelled           Status = "cancelled"
	StatusExpired             Status = "expired"
)

// Role identifies who performed an action on an exchange.
type Role string

const (
	RoleRequester Role = "requester"
	RoleProvider  Role = "provider"
	RoleBroker    Role = "broker"
	RoleSystem    Role = "system"
)

// Action names the kind of event appended to an exchange's history.
type Action string

const (
	ActionRequestCreated     Action = "request_created"
	ActionStatusChanged      Action = "status_changed"
	ActionRequesterConfirmed Action = "requester_confirmed"
	ActionProviderConfirmed  Action = "provider_confirmed"
	ActionBrokerNoteAdded    Action = "broker_note_added"
)

// Exchange is one proposed, negotiated and settled time-for-time transaction
// between two members. Version increases on every persisted mutation and is
// the optimistic concurrency token writers must present.
type Exchange struct {
	ID          string
	ListingID   string
	RequesterID string
	ProviderID  string
	ListingKind listing.Kind

	ProposedHours decimal.Decimal
	// FinalHours is set exactly once, when settlement is determined, and
	// never changes afterward.
	FinalHours decimal.NullDecimal

	Status    Status
	RiskLevel risk.Level

	BrokerID    *string
	BrokerNotes *string
	// RequesterNotes carries the optional message sent with the request.
	RequesterNotes *string

	RequesterConfirmedHours decimal.NullDecimal
	RequesterConfirmedAt    *time.Time
	ProviderConfirmedHours  decimal.NullDecimal
	ProviderConfirmedAt     *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// PartyRole returns the role memberID plays on this exchange, or "" when the
// member is not a party.
func (e Exchange) PartyRole(memberID string) Role {
	switch memberID {
	case e.RequesterID:
		return RoleRequester
	case e.ProviderID:
		return RoleProvider
	}
	return ""
}

// BothConfirmed reports whether both parties have submitted hour confirmations.
func (e Exchange) BothConfirmed() bool {
	return e.RequesterConfirmedAt != nil && e.ProviderConfirmedAt != nil
}

// SettlementParties resolves who pays whom. Against an offer listing the
// provider performed the service, so hours flow requester to provider; against
// a request listing the roles invert.
func (e Exchange) SettlementParties() (senderID, receiverID string) {
	if e.ListingKind == listing.KindRequest {
		return e.ProviderID, e.RequesterID
	}
	return e.RequesterID, e.ProviderID
}

// Event is one append-only history entry. Events are never mutated or deleted;
// they are the evidence the dispute process relies on.
type Event struct {
	ID         int64
	ExchangeID string
	Action     Action
	OldStatus  *Status
	NewStatus  *Status
	ActorID    *string
	ActorRole  Role
	Notes      *string
	CreatedAt  time.Time
}

// Statistics summarises exchange activity over a reporting window.
type Statistics struct {
	Total        int
	Completed    int
	Disputed     int
	Cancelled    int
	Expired      int
	PendingTotal int
	ActiveTotal  int
	SettledHours decimal.Decimal
}
