package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"hourbank/ledger"
	"hourbank/listing"
	"hourbank/risk"
)

// DB abstracts pgxpool.Pool: transactions for writes, direct queries for reads.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Querier
}

// Catalog is the listing collaborator; the engine only ever reads from it.
type Catalog interface {
	GetByID(ctx context.Context, id string) (listing.Listing, error)
}

// Settler performs the atomic ledger movement inside the caller's transaction.
type Settler interface {
	Settle(ctx context.Context, q ledger.Querier, p ledger.SettleParams) (ledger.Transfer, error)
}

// store is the repository surface the service depends on, narrowed for
// testability.
type store interface {
	Insert(ctx context.Context, q Querier, e Exchange) (Exchange, error)
	Get(ctx context.Context, q Querier, id string) (Exchange, error)
	UpdateStatus(ctx context.Context, q Querier, id string, version int64, next Status) (Exchange, error)
	SetBroker(ctx context.Context, q Querier, id string, version int64, brokerID string, notes *string) (Exchange, error)
	AppendBrokerNote(ctx context.Context, q Querier, id string, version int64, note string) (Exchange, error)
	SetConfirmation(ctx context.Context, q Querier, id string, version int64, role Role, hours decimal.Decimal) (Exchange, error)
	SetFinalHours(ctx context.Context, q Querier, id string, version int64, hours decimal.Decimal) (Exchange, error)
	InsertEvent(ctx context.Context, q Querier, ev Event) error
	History(ctx context.Context, q Querier, exchangeID string) ([]Event, error)
	ListForMember(ctx context.Context, q Querier, memberID string, filters ListFilters) ([]Exchange, int, error)
	PendingBrokerQueue(ctx context.Context, q Querier, limit int) ([]Exchange, error)
	Stale(ctx context.Context, q Querier, statuses []Status, before time.Time, limit int) ([]Exchange, error)
	PartyHistory(ctx context.Context, q Querier, memberID string) (PartyHistory, error)
	Statistics(ctx context.Context, q Querier, since time.Time) (Statistics, error)
	EnqueueOutbox(ctx context.Context, q Querier, topic string, payload map[string]any) error
}

// Config carries the engine tunables, already converted to fixed-point.
type Config struct {
	Tolerance               decimal.Decimal
	Granularity             decimal.Decimal
	MaxHours                decimal.Decimal
	MaxHoursWithoutApproval decimal.Decimal
	RequestTTL              time.Duration
	ConfirmDeadline         time.Duration
}

// Service owns the exchange lifecycle. Every mutating call runs as one
// transaction: status write, event append and any ledger settlement commit or
// roll back together, so a failure never leaves partial state behind.
type Service struct {
	db         DB
	repo       store
	catalog    Catalog
	ledger     Settler
	reconciler Reconciler
	cfg        Config
	idGen      func() string
	now        func() time.Time
}

func NewService(db DB, repo store, catalog Catalog, settler Settler, cfg Config) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		db:      db,
		repo:    repo,
		catalog: catalog,
		ledger:  settler,
		reconciler: Reconciler{
			Tolerance:   cfg.Tolerance,
			Granularity: cfg.Granularity,
			MaxHours:    cfg.MaxHours,
		},
		cfg:   cfg,
		idGen: func() string { return uuid.NewString() },
		now:   time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateParams describe a new exchange request.
type CreateParams struct {
	ListingID   string
	RequesterID string
	// ProposedHours may be zero to adopt the listing's suggested hours.
	ProposedHours decimal.Decimal
	Message       *string
}

// Create opens a new exchange against a listing. The risk tier is classified
// exactly once here; high and critical tiers are routed straight to the
// broker queue by an automatic system transition.
func (s *Service) Create(ctx context.Context, params CreateParams) (Exchange, error) {
	if params.RequesterID == "" {
		return Exchange{}, fmt.Errorf("%w: missing requester id", ErrValidation)
	}

	l, err := s.catalog.GetByID(ctx, params.ListingID)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			return Exchange{}, fmt.Errorf("%w: listing %s not found", ErrValidation, params.ListingID)
		}
		return Exchange{}, fmt.Errorf("exchange: fetch listing: %w", err)
	}
	if l.OwnerID == params.RequesterID {
		return Exchange{}, fmt.Errorf("%w: cannot request your own listing", ErrValidation)
	}

	hours := params.ProposedHours
	if hours.IsZero() {
		if !l.SuggestedHours.Valid {
			return Exchange{}, fmt.Errorf("%w: proposed hours required, listing has no suggestion", ErrValidation)
		}
		hours = l.SuggestedHours.Decimal
	}
	if err := s.reconciler.ValidateHours(hours); err != nil {
		return Exchange{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Exchange{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	requesterHist, err := s.repo.PartyHistory(ctx, tx, params.RequesterID)
	if err != nil {
		return Exchange{}, err
	}
	providerHist, err := s.repo.PartyHistory(ctx, tx, l.OwnerID)
	if err != nil {
		return Exchange{}, err
	}

	now := s.now()
	level := risk.Classify(risk.Signals{
		ListingRiskLevel:        l.RiskLevel,
		ListingRequiresApproval: l.RequiresApproval,
		RequesterDisputes:       requesterHist.DisputeCount,
		ProviderDisputes:        providerHist.DisputeCount,
		RequesterAccountAge:     now.Sub(requesterHist.MemberSince),
		ProviderAccountAge:      now.Sub(providerHist.MemberSince),
		ProposedHours:           hours,
		MaxHoursWithoutApproval: s.cfg.MaxHoursWithoutApproval,
	})

	rec, err := s.repo.Insert(ctx, tx, Exchange{
		ID:             s.idGen(),
		ListingID:      l.ID,
		RequesterID:    params.RequesterID,
		ProviderID:     l.OwnerID,
		ListingKind:    l.Kind,
		ProposedHours:  hours,
		Status:         StatusPendingProvider,
		RiskLevel:      level,
		RequesterNotes: trimmed(params.Message),
	})
	if err != nil {
		return Exchange{}, err
	}

	created := StatusPendingProvider
	if err := s.repo.InsertEvent(ctx, tx, Event{
		ExchangeID: rec.ID,
		Action:     ActionRequestCreated,
		NewStatus:  &created,
		ActorID:    &params.RequesterID,
		ActorRole:  RoleRequester,
		Notes:      rec.RequesterNotes,
	}); err != nil {
		return Exchange{}, err
	}

	topic := "exchange.requested"
	if level.RequiresBroker() {
		note := fmt.Sprintf("risk tier %s requires broker review", level)
		rec, err = s.transition(ctx, tx, rec, StatusPendingBroker, nil, RoleSystem, &note)
		if err != nil {
			return Exchange{}, err
		}
		topic = "exchange.escalated"
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, topic, map[string]any{
		"exchange_id":    rec.ID,
		"listing_id":     rec.ListingID,
		"requester_id":   rec.RequesterID,
		"provider_id":    rec.ProviderID,
		"proposed_hours": rec.ProposedHours,
		"risk_level":     rec.RiskLevel,
	}); err != nil {
		return Exchange{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Exchange{}, fmt.Errorf("exchange: commit create: %w", err)
	}
	return rec, nil
}

// Accept is the provider's direct acceptance, only valid for low and medium
// tiers: an exchange in the broker queue rejects provider acceptance as
// unauthorized rather than invalid, since the action exists but is reserved
// for the broker at that tier.
func (s *Service) Accept(ctx context.Context, exchangeID, actorID string) (Exchange, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Exchange{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Get(ctx, tx, exchangeID)
	if err != nil {
		return Exchange{}, err
	}
	if rec.Status == StatusExpired {
		return Exchange{}, ErrExpired
	}
	if rec.PartyRole(actorID) != RoleProvider {
		return Exchange{}, ErrUnauthorized
	}
	if rec.Status == StatusPendingBroker {
		return Exchange{}, fmt.Errorf("%w: broker approval required for %s risk", ErrUnauthorized, rec.RiskLevel)
	}
	if rec.Status != StatusPendingProvider {
		return Exchange{}, fmt.Errorf("%w: cannot accept from %s", ErrInvalidTransition, rec.Status)
	}

	note := "provider accepted request"
	rec, err = s.transition(ctx, tx, rec, StatusAccepted, &actorID, RoleProvider, &note)
	if err != nil {
		return Exchange{}, err
	}
	rec, err = s.startProgress(ctx, tx, rec)
	if err != nil {
		return Exchange{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, "exchange.accepted", map[string]any{
		"exchange_id":  rec.ID,
		"requester_id": rec.RequesterID,
		"provider_id":  rec.ProviderID,
	}); err != nil {
		return Exchange{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Exchange{}, fmt.Errorf("exchange: commit accept: %w", err)
	}
	return rec, nil
}

// Decline is the provider refusing a pending request.
func (s *Service) Decline(ctx context.Context, exchangeID, actorID, reason string) (Exchange, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Exchange{}, fmt.Errorf("%w: decline reason required", ErrValidation)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Exchange{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Get(ctx, tx, exchangeID)
	if err != nil {
		return Exchange{}, err
	}
	if rec.Status == StatusExpired {
		return Exchange{}, ErrExpired
	}
	if rec.PartyRole(actorID) != RoleProvider {
		return Exchange{}, ErrUnauthorized
	}
	if rec.Status != StatusPendingProvider {
		return Exchange{}, fmt.Errorf("%w: cannot decline from %s", ErrInvalidTransition, rec.Status)
	}

	rec, err = s.transition(ctx, tx, rec, StatusCancelled, &actorID, RoleProvider, &reason)
	if err != nil {
		return Exchange{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, "exchange.declined", map[string]any{
		"exchange_id":  rec.ID,
		"requester_id": rec.RequesterID,
		"reason":       reason,
	}); err != nil {
		return Exchange{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Exchange{}, fmt.Errorf("exchange: commit decline: %w", err)
	}
	return rec, nil
}

// CancelParams identify who is cancelling and why.
type CancelParams struct {
	ExchangeID string
	ActorID    string
	// ActorRole must be RoleBroker for broker cancellations; parties are
	// identified by id.
	ActorRole Role
	Reason    string
}

// Cancel aborts an exchange from any state that still allows it. Disputed
// exchanges may only be cancelled by a broker resolving the dispute.
func (s *Service) Cancel(ctx context.Context, params CancelParams) (Exchange, error) {
	reason := strings.TrimSpace(params.Reason)
	if reason == "" {
		return Exchange{}, fmt.Errorf("%w: cancel reason required", ErrValidation)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Exchange{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Get(ctx, tx, params.ExchangeID)
	if err != nil {
		return Exchange{}, err
	}
	if rec.Status == StatusExpired {
		return Exchange{}, ErrExpired
	}

	role := rec.PartyRole(params.ActorID)
	if params.ActorRole == RoleBroker {
		role = RoleBroker
	}
	if role == "" {
		return Exchange{}, ErrUnauthorized
	}
	if rec.Status == StatusDisputed && role != RoleBroker {
		return Exchange{}, fmt.Errorf("%w: only a broker may resolve a dispute", ErrUnauthorized)
	}
	if !rec.Status.Cancellable() {
		return Exchange{}, fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, rec.Status)
	}

	rec, err = s.transition(ctx, tx, rec, StatusCancelled, &params.ActorID, role, &reason)
	if err != nil {
		return Exchange{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, "exchange.cancelled", map[string]any{
		"exchange_id":  rec.ID,
		"cancelled_by": role,
		"reason":       reason,
	}); err != nil {
		return Exchange{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Exchange{}, fmt.Errorf("exchange: commit cancel: %w", err)
	}
	return rec, nil
}

// BrokerApprove moves a queued exchange past broker review. The identity
// layer guarantees the caller holds the broker role.
func (s *Service) BrokerApprove(ctx context.Context, exchangeID, brokerID string, notes *string) (Exchange, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Exchange{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Get(ctx, tx, exchangeID)
	if err != nil {
		return Exchange{}, err
	}
	if rec.Status == StatusExpired {
		return Exchange{}, ErrExpired
	}
	if rec.Status != StatusPendingBroker {
		return Exchange{}, fmt.Errorf("%w: cannot approve from %s", ErrInvalidTransition, rec.Status)
	}

	rec, err = s.repo.SetBroker(ctx, tx, rec.ID, rec.Version, brokerID, trimmed(notes))
	if err != nil {
		return Exchange{}, err
	}

	note := "broker approved"
	if n := trimmed(notes); n != nil {
		note = *n
	}
	rec, err = s.transition(ctx, tx, rec, StatusAccepted, &brokerID, RoleBroker, &note)
	if err != nil {
		return Exchange{}, err
	}
	rec, err = s.startProgress(ctx, tx, rec)
	if err != nil {
		return Exchange{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, "exchange.approved", map[string]any{
		"exchange_id":  rec.ID,
		"broker_id":    brokerID,
		"requester_id": rec.RequesterID,
		"provider_id":  rec.ProviderID,
	}); err != nil {
		return Exchange{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Exchange{}, fmt.Errorf("exchange: commit approve: %w", err)
	}
	return rec, nil
}

// BrokerReject refuses a queued exchange with a mandatory reason.
func (s *Service) BrokerReject(ctx context.Context, exchangeID, brokerID, reason string) (Exchange, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Exchange{}, fmt.Errorf("%w: rejection reason required", ErrValidation)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Exchange{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Get(ctx, tx, exchangeID)
	if err != nil {
		return Exchange{}, err
	}
	if rec.Status == StatusExpired {
		return Exchange{}, ErrExpired
	}
	if rec.Status != StatusPendingBroker {
		return Exchange{}, fmt.Errorf("%w: cannot reject from %s", ErrInvalidTransition, rec.Status)
	}

	rec, err = s.repo.SetBroker(ctx, tx, rec.ID, rec.Version, brokerID, &reason)
	if err != nil {
		return Exchange{}, err
	}
	rec, err = s.transition(ctx, tx, rec, StatusCancelled, &brokerID, RoleBroker, &reason)
	if err != nil {
		return Exchange{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, "exchange.rejected", map[string]any{
		"exchange_id":  rec.ID,
		"broker_id":    brokerID,
		"requester_id": rec.RequesterID,
		"provider_id":  rec.ProviderID,
		"reason":       reason,
	}); err != nil {
		return Exchange{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Exchange{}, fmt.Errorf("exchange: commit reject: %w", err)
	}
	return rec, nil
}

// SubmitConfirmation records one party's report of hours actually performed.
// The first confirmation moves work to pending_confirmation; the second
// triggers reconciliation, which either settles the exchange or disputes it.
// A repeated submission returns the unchanged exchange with
// ErrDuplicateConfirmation.
func (s *Service) SubmitConfirmation(ctx context.Context, exchangeID, actorID string, hours decimal.Decimal) (Exchange, error) {
	if err := s.reconciler.ValidateHours(hours); err != nil {
		return Exchange{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Exchange{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Get(ctx, tx, exchangeID)
	if err != nil {
		return Exchange{}, err
	}
	if rec.Status == StatusExpired {
		return Exchange{}, ErrExpired
	}
	role := rec.PartyRole(actorID)
	if role == "" {
		return Exchange{}, ErrUnauthorized
	}
	if rec.Status != StatusInProgress && rec.Status != StatusPendingConfirmation {
		return Exchange{}, fmt.Errorf("%w: cannot confirm from %s", ErrInvalidTransition, rec.Status)
	}

	if (role == RoleRequester && rec.RequesterConfirmedAt != nil) ||
		(role == RoleProvider && rec.ProviderConfirmedAt != nil) {
		return rec, ErrDuplicateConfirmation
	}

	rec, err = s.repo.SetConfirmation(ctx, tx, rec.ID, rec.Version, role, hours)
	if err != nil {
		return Exchange{}, err
	}

	note := fmt.Sprintf("confirmed %s hours", hours)
	action := ActionRequesterConfirmed
	if role == RoleProvider {
		action = ActionProviderConfirmed
	}
	if err := s.repo.InsertEvent(ctx, tx, Event{
		ExchangeID: rec.ID,
		Action:     action,
		ActorID:    &actorID,
		ActorRole:  role,
		Notes:      &note,
	}); err != nil {
		return Exchange{}, err
	}

	if rec.Status == StatusInProgress {
		stepNote := "work reported complete, awaiting confirmation"
		rec, err = s.transition(ctx, tx, rec, StatusPendingConfirmation, &actorID, role, &stepNote)
		if err != nil {
			return Exchange{}, err
		}
	}

	if rec.BothConfirmed() {
		rec, err = s.reconcile(ctx, tx, rec)
		if err != nil {
			return Exchange{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Exchange{}, fmt.Errorf("exchange: commit confirmation: %w", err)
	}
	return rec, nil
}

// ForceSettle is the broker's dispute resolution: fix the final hours and
// complete the exchange.
func (s *Service) ForceSettle(ctx context.Context, exchangeID, brokerID string, finalHours decimal.Decimal, notes string) (Exchange, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return Exchange{}, fmt.Errorf("%w: settlement notes required", ErrValidation)
	}
	if err := s.reconciler.ValidateHours(finalHours); err != nil {
		return Exchange{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Exchange{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Get(ctx, tx, exchangeID)
	if err != nil {
		return Exchange{}, err
	}
	if rec.Status == StatusExpired {
		return Exchange{}, ErrExpired
	}
	if rec.Status != StatusDisputed {
		return Exchange{}, fmt.Errorf("%w: force settle only from disputed, not %s", ErrInvalidTransition, rec.Status)
	}

	rec, err = s.repo.SetBroker(ctx, tx, rec.ID, rec.Version, brokerID, &notes)
	if err != nil {
		return Exchange{}, err
	}

	note := fmt.Sprintf("broker settled dispute at %s hours: %s", finalHours, notes)
	rec, err = s.finalize(ctx, tx, rec, finalHours, &brokerID, RoleBroker, note)
	if err != nil {
		return Exchange{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Exchange{}, fmt.Errorf("exchange: commit force settle: %w", err)
	}
	return rec, nil
}

// AppendBrokerNote attaches a record-keeping note. This is the only mutation
// permitted once an exchange is terminal.
func (s *Service) AppendBrokerNote(ctx context.Context, exchangeID, brokerID, note string) (Exchange, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return Exchange{}, fmt.Errorf("%w: note required", ErrValidation)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Exchange{}, fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Get(ctx, tx, exchangeID)
	if err != nil {
		return Exchange{}, err
	}

	rec, err = s.repo.AppendBrokerNote(ctx, tx, rec.ID, rec.Version, note)
	if err != nil {
		return Exchange{}, err
	}
	if err := s.repo.InsertEvent(ctx, tx, Event{
		ExchangeID: rec.ID,
		Action:     ActionBrokerNoteAdded,
		ActorID:    &brokerID,
		ActorRole:  RoleBroker,
		Notes:      &note,
	}); err != nil {
		return Exchange{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Exchange{}, fmt.Errorf("exchange: commit note: %w", err)
	}
	return rec, nil
}

// Get fetches a single exchange.
func (s *Service) Get(ctx context.Context, exchangeID string) (Exchange, error) {
	return s.repo.Get(ctx, s.db, exchangeID)
}

// List returns the member's exchanges plus the unpaginated total.
func (s *Service) List(ctx context.Context, memberID string, filters ListFilters) ([]Exchange, int, error) {
	return s.repo.ListForMember(ctx, s.db, memberID, filters)
}

// History returns the append-only event trail for an exchange.
func (s *Service) History(ctx context.Context, exchangeID string) ([]Event, error) {
	return s.repo.History(ctx, s.db, exchangeID)
}

// BrokerQueue lists exchanges awaiting broker review, oldest first.
func (s *Service) BrokerQueue(ctx context.Context, limit int) ([]Exchange, error) {
	return s.repo.PendingBrokerQueue(ctx, s.db, limit)
}

// Stats aggregates exchange activity over the trailing window.
func (s *Service) Stats(ctx context.Context, window time.Duration) (Statistics, error) {
	return s.repo.Statistics(ctx, s.db, s.now().Add(-window))
}

// transition applies one table-validated status move with its event, all
// against the supplied transaction.
func (s *Service) transition(ctx context.Context, q Querier, e Exchange, next Status, actorID *string, role Role, notes *string) (Exchange, error) {
	if !e.Status.CanTransition(next) {
		return Exchange{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}

	updated, err := s.repo.UpdateStatus(ctx, q, e.ID, e.Version, next)
	if err != nil {
		return Exchange{}, err
	}

	old := e.Status
	if err := s.repo.InsertEvent(ctx, q, Event{
		ExchangeID: e.ID,
		Action:     ActionStatusChanged,
		OldStatus:  &old,
		NewStatus:  &next,
		ActorID:    actorID,
		ActorRole:  role,
		Notes:      notes,
	}); err != nil {
		return Exchange{}, err
	}

	return updated, nil
}

// startProgress is the automatic system move that follows any acceptance.
func (s *Service) startProgress(ctx context.Context, q Querier, e Exchange) (Exchange, error) {
	note := "work may begin"
	return s.transition(ctx, q, e, StatusInProgress, nil, RoleSystem, &note)
}

// reconcile resolves two present confirmations into completion or dispute.
func (s *Service) reconcile(ctx context.Context, q Querier, e Exchange) (Exchange, error) {
	outcome := s.reconciler.Reconcile(e.RequesterConfirmedHours.Decimal, e.ProviderConfirmedHours.Decimal)
	if outcome.Agreed {
		note := fmt.Sprintf("confirmations reconciled at %s hours", outcome.FinalHours)
		return s.finalize(ctx, q, e, outcome.FinalHours, nil, RoleSystem, note)
	}

	note := fmt.Sprintf("hours diverge beyond tolerance %s: requester=%s provider=%s",
		s.reconciler.Tolerance, e.RequesterConfirmedHours.Decimal, e.ProviderConfirmedHours.Decimal)
	rec, err := s.transition(ctx, q, e, StatusDisputed, nil, RoleSystem, &note)
	if err != nil {
		return Exchange{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, q, "exchange.disputed", map[string]any{
		"exchange_id":     rec.ID,
		"requester_hours": rec.RequesterConfirmedHours.Decimal,
		"provider_hours":  rec.ProviderConfirmedHours.Decimal,
	}); err != nil {
		return Exchange{}, err
	}
	return rec, nil
}

// finalize writes final_hours once, settles the ledger and completes the
// exchange, all inside the caller's transaction. A settlement failure rolls
// back every part of it.
func (s *Service) finalize(ctx context.Context, q Querier, e Exchange, finalHours decimal.Decimal, actorID *string, role Role, note string) (Exchange, error) {
	rec, err := s.repo.SetFinalHours(ctx, q, e.ID, e.Version, finalHours)
	if err != nil {
		return Exchange{}, err
	}

	sender, receiver := rec.SettlementParties()
	transfer, err := s.ledger.Settle(ctx, q, ledger.SettleParams{
		ExchangeID: rec.ID,
		SenderID:   sender,
		ReceiverID: receiver,
		Amount:     finalHours,
	})
	if err != nil {
		return Exchange{}, err
	}

	rec, err = s.transition(ctx, q, rec, StatusCompleted, actorID, role, &note)
	if err != nil {
		return Exchange{}, err
	}

	if err := s.repo.EnqueueOutbox(ctx, q, "exchange.completed", map[string]any{
		"exchange_id": rec.ID,
		"final_hours": finalHours,
		"transfer_id": transfer.ID,
		"sender_id":   sender,
		"receiver_id": receiver,
	}); err != nil {
		return Exchange{}, err
	}

	return rec, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}
