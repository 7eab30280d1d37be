package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"hourbank/ledger"
	"hourbank/listing"
	"hourbank/risk"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testConfig() Config {
	return Config{
		Tolerance:               d("0.5"),
		Granularity:             d("0.1"),
		MaxHours:                d("24"),
		MaxHoursWithoutApproval: d("8"),
		RequestTTL:              7 * 24 * time.Hour,
		ConfirmDeadline:         72 * time.Hour,
	}
}

type fixture struct {
	svc     *Service
	pool    *fakePool
	store   *fakeStore
	catalog *fakeCatalog
	settler *fakeSettler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pool := &fakePool{}
	store := newFakeStore()
	catalog := &fakeCatalog{listings: map[string]listing.Listing{
		"listing-gardening": {
			ID:             "listing-gardening",
			OwnerID:        "provider-1",
			Title:          "Garden help",
			Kind:           listing.KindOffer,
			SuggestedHours: decimal.NewNullDecimal(d("3")),
			RiskLevel:      risk.LevelLow,
		},
		"listing-childcare": {
			ID:               "listing-childcare",
			OwnerID:          "provider-1",
			Title:            "Evening childcare",
			Kind:             listing.KindOffer,
			RiskLevel:        risk.LevelHigh,
			RequiresApproval: true,
		},
		"listing-errand": {
			ID:      "listing-errand",
			OwnerID: "requester-2",
			Title:   "Pick up groceries",
			Kind:    listing.KindRequest,
		},
	}}
	settler := &fakeSettler{}

	svc := NewService(pool, store, catalog, settler, testConfig()).
		WithClock(func() time.Time { return testNow })

	var seq int
	svc.WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("exchange-%d", seq)
	})

	return &fixture{svc: svc, pool: pool, store: store, catalog: catalog, settler: settler}
}

func (f *fixture) create(t *testing.T, listingID, requesterID string, hours decimal.Decimal) Exchange {
	t.Helper()
	rec, err := f.svc.Create(context.Background(), CreateParams{
		ListingID:     listingID,
		RequesterID:   requesterID,
		ProposedHours: hours,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rec
}

func (f *fixture) accepted(t *testing.T) Exchange {
	t.Helper()
	rec := f.create(t, "listing-gardening", "requester-1", d("3"))
	rec, err := f.svc.Accept(context.Background(), rec.ID, "provider-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return rec
}

func TestService_CreateLowRisk(t *testing.T) {
	f := newFixture(t)

	rec := f.create(t, "listing-gardening", "requester-1", d("3"))

	if rec.Status != StatusPendingProvider {
		t.Fatalf("expected %s got %s", StatusPendingProvider, rec.Status)
	}
	if rec.RiskLevel != risk.LevelLow {
		t.Fatalf("expected low risk got %s", rec.RiskLevel)
	}
	if rec.Version != 1 {
		t.Fatalf("expected version 1 got %d", rec.Version)
	}

	events := f.store.eventsFor(rec.ID)
	if len(events) != 1 || events[0].Action != ActionRequestCreated {
		t.Fatalf("expected single request_created event, got %+v", events)
	}
	if got := f.store.topics(); len(got) != 1 || got[0] != "exchange.requested" {
		t.Fatalf("expected exchange.requested outbox, got %v", got)
	}
}

func TestService_CreateHighRiskEscalates(t *testing.T) {
	f := newFixture(t)

	rec := f.create(t, "listing-childcare", "requester-1", d("2"))

	if rec.Status != StatusPendingBroker {
		t.Fatalf("expected %s got %s", StatusPendingBroker, rec.Status)
	}

	events := f.store.eventsFor(rec.ID)
	if len(events) != 2 {
		t.Fatalf("expected creation plus escalation events, got %d", len(events))
	}
	if events[1].ActorRole != RoleSystem || *events[1].NewStatus != StatusPendingBroker {
		t.Fatalf("expected system escalation event, got %+v", events[1])
	}
	if got := f.store.topics(); len(got) != 1 || got[0] != "exchange.escalated" {
		t.Fatalf("expected exchange.escalated outbox, got %v", got)
	}
}

func TestService_CreateLargeProposalEscalates(t *testing.T) {
	f := newFixture(t)

	// 10 hours against a low-risk listing still exceeds the unsupervised cap.
	rec := f.create(t, "listing-gardening", "requester-1", d("10"))

	if rec.Status != StatusPendingBroker {
		t.Fatalf("expected %s got %s", StatusPendingBroker, rec.Status)
	}
	if !rec.RiskLevel.RequiresBroker() {
		t.Fatalf("expected broker-tier risk, got %s", rec.RiskLevel)
	}
}

func TestService_CreateDisputeHistoryRaisesRisk(t *testing.T) {
	f := newFixture(t)
	f.store.histories["requester-1"] = PartyHistory{DisputeCount: 3, MemberSince: testNow.Add(-400 * 24 * time.Hour)}

	rec := f.create(t, "listing-gardening", "requester-1", d("2"))

	if rec.RiskLevel != risk.LevelCritical {
		t.Fatalf("expected critical risk got %s", rec.RiskLevel)
	}
	if rec.Status != StatusPendingBroker {
		t.Fatalf("expected %s got %s", StatusPendingBroker, rec.Status)
	}
}

func TestService_CreateOwnListing(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), CreateParams{
		ListingID:   "listing-gardening",
		RequesterID: "provider-1",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestService_CreateAdoptsSuggestedHours(t *testing.T) {
	f := newFixture(t)

	rec := f.create(t, "listing-gardening", "requester-1", decimal.Decimal{})

	if !rec.ProposedHours.Equal(d("3")) {
		t.Fatalf("expected suggested 3 hours, got %s", rec.ProposedHours)
	}
}

func TestService_CreateHourValidation(t *testing.T) {
	f := newFixture(t)

	cases := []decimal.Decimal{d("-1"), d("25"), d("2.33")}
	for _, hours := range cases {
		_, err := f.svc.Create(context.Background(), CreateParams{
			ListingID:     "listing-gardening",
			RequesterID:   "requester-1",
			ProposedHours: hours,
		})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("hours %s: expected ErrValidation, got %v", hours, err)
		}
	}

	// No proposal and no suggestion on the listing.
	_, err := f.svc.Create(context.Background(), CreateParams{
		ListingID:   "listing-childcare",
		RequesterID: "requester-1",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing hours, got %v", err)
	}
}

func TestService_AcceptStartsProgress(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "listing-gardening", "requester-1", d("3"))

	rec, err := f.svc.Accept(context.Background(), rec.ID, "provider-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected %s got %s", StatusInProgress, rec.Status)
	}

	events := f.store.eventsFor(rec.ID)
	if len(events) != 3 {
		t.Fatalf("expected 3 events (created, accepted, started), got %d", len(events))
	}
	if *events[1].NewStatus != StatusAccepted || events[1].ActorRole != RoleProvider {
		t.Fatalf("unexpected acceptance event %+v", events[1])
	}
	if *events[2].NewStatus != StatusInProgress || events[2].ActorRole != RoleSystem {
		t.Fatalf("unexpected start event %+v", events[2])
	}
}

func TestService_AcceptUnauthorized(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "listing-gardening", "requester-1", d("3"))

	for _, actor := range []string{"requester-1", "stranger"} {
		if _, err := f.svc.Accept(context.Background(), rec.ID, actor); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("actor %s: expected ErrUnauthorized, got %v", actor, err)
		}
	}
}

func TestService_AcceptDuringBrokerReview(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "listing-childcare", "requester-1", d("2"))

	_, err := f.svc.Accept(context.Background(), rec.ID, "provider-1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized during broker review, got %v", err)
	}
}

func TestService_BrokerApprove(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "listing-childcare", "requester-1", d("2"))

	notes := "checked references"
	rec, err := f.svc.BrokerApprove(context.Background(), rec.ID, "broker-1", &notes)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected %s got %s", StatusInProgress, rec.Status)
	}
	if rec.BrokerID == nil || *rec.BrokerID != "broker-1" {
		t.Fatalf("expected broker recorded, got %v", rec.BrokerID)
	}
}

func TestService_BrokerReject(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "listing-childcare", "requester-1", d("2"))

	rec, err := f.svc.BrokerReject(context.Background(), rec.ID, "broker-1", "listing under review")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rec.Status != StatusCancelled {
		t.Fatalf("expected %s got %s", StatusCancelled, rec.Status)
	}

	if _, err := f.svc.BrokerReject(context.Background(), rec.ID, "broker-1", "   "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for blank reason, got %v", err)
	}
}

func TestService_Decline(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "listing-gardening", "requester-1", d("3"))

	rec, err := f.svc.Decline(context.Background(), rec.ID, "provider-1", "fully booked")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if rec.Status != StatusCancelled {
		t.Fatalf("expected %s got %s", StatusCancelled, rec.Status)
	}
}

func TestService_CancelDisputedRequiresBroker(t *testing.T) {
	f := newFixture(t)
	rec := f.disputed(t)

	_, err := f.svc.Cancel(context.Background(), CancelParams{
		ExchangeID: rec.ID,
		ActorID:    "requester-1",
		Reason:     "give up",
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for party cancel of dispute, got %v", err)
	}

	rec, err = f.svc.Cancel(context.Background(), CancelParams{
		ExchangeID: rec.ID,
		ActorID:    "broker-1",
		ActorRole:  RoleBroker,
		Reason:     "parties agreed to void",
	})
	if err != nil {
		t.Fatalf("broker cancel: %v", err)
	}
	if rec.Status != StatusCancelled {
		t.Fatalf("expected %s got %s", StatusCancelled, rec.Status)
	}
}

func TestService_ConfirmationFlow(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(t)

	rec, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "requester-1", d("2.5"))
	if err != nil {
		t.Fatalf("requester confirmation: %v", err)
	}
	if rec.Status != StatusPendingConfirmation {
		t.Fatalf("expected %s got %s", StatusPendingConfirmation, rec.Status)
	}

	rec, err = f.svc.SubmitConfirmation(context.Background(), rec.ID, "provider-1", d("3"))
	if err != nil {
		t.Fatalf("provider confirmation: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected %s got %s", StatusCompleted, rec.Status)
	}
	// Average of 2.5 and 3.0 rounded to the 0.1 granularity.
	if !rec.FinalHours.Valid || !rec.FinalHours.Decimal.Equal(d("2.8")) {
		t.Fatalf("expected final hours 2.8, got %+v", rec.FinalHours)
	}

	if len(f.settler.calls) != 1 {
		t.Fatalf("expected one settlement, got %d", len(f.settler.calls))
	}
	call := f.settler.calls[0]
	if call.SenderID != "requester-1" || call.ReceiverID != "provider-1" {
		t.Fatalf("expected requester->provider settlement, got %s->%s", call.SenderID, call.ReceiverID)
	}
	if !call.Amount.Equal(d("2.8")) {
		t.Fatalf("expected settlement of 2.8, got %s", call.Amount)
	}

	topics := f.store.topics()
	if topics[len(topics)-1] != "exchange.completed" {
		t.Fatalf("expected exchange.completed outbox, got %v", topics)
	}
}

func TestService_ConfirmationDuplicate(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(t)

	if _, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "requester-1", d("2.5")); err != nil {
		t.Fatalf("first confirmation: %v", err)
	}

	rec, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "requester-1", d("4"))
	if !errors.Is(err, ErrDuplicateConfirmation) {
		t.Fatalf("expected ErrDuplicateConfirmation, got %v", err)
	}
	if !rec.RequesterConfirmedHours.Decimal.Equal(d("2.5")) {
		t.Fatalf("duplicate must not overwrite, got %s", rec.RequesterConfirmedHours.Decimal)
	}
}

func TestService_ConfirmationDivergenceDisputes(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(t)

	if _, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "requester-1", d("2")); err != nil {
		t.Fatalf("requester confirmation: %v", err)
	}
	rec, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "provider-1", d("4"))
	if err != nil {
		t.Fatalf("provider confirmation: %v", err)
	}

	if rec.Status != StatusDisputed {
		t.Fatalf("expected %s got %s", StatusDisputed, rec.Status)
	}
	if len(f.settler.calls) != 0 {
		t.Fatal("disputed exchange must not settle")
	}
	topics := f.store.topics()
	if topics[len(topics)-1] != "exchange.disputed" {
		t.Fatalf("expected exchange.disputed outbox, got %v", topics)
	}
}

func TestService_ConfirmationByStranger(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(t)

	if _, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "stranger", d("1")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestService_ForceSettleResolvesDispute(t *testing.T) {
	f := newFixture(t)
	rec := f.disputed(t)

	rec, err := f.svc.ForceSettle(context.Background(), rec.ID, "broker-1", d("3"), "split the difference")
	if err != nil {
		t.Fatalf("force settle: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected %s got %s", StatusCompleted, rec.Status)
	}
	if !rec.FinalHours.Decimal.Equal(d("3")) {
		t.Fatalf("expected final hours 3, got %s", rec.FinalHours.Decimal)
	}
	if len(f.settler.calls) != 1 || !f.settler.calls[0].Amount.Equal(d("3")) {
		t.Fatalf("expected settlement of 3, got %+v", f.settler.calls)
	}
}

func TestService_ForceSettleOnlyFromDisputed(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(t)

	_, err := f.svc.ForceSettle(context.Background(), rec.ID, "broker-1", d("3"), "notes")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestService_SettlementDirectionForRequestListing(t *testing.T) {
	f := newFixture(t)

	rec := f.create(t, "listing-errand", "requester-1", d("1"))
	rec, err := f.svc.Accept(context.Background(), rec.ID, "requester-2")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "requester-1", d("1")); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "requester-2", d("1")); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// The provider fulfilled their own need, so hours flow provider->requester.
	call := f.settler.calls[0]
	if call.SenderID != "requester-2" || call.ReceiverID != "requester-1" {
		t.Fatalf("expected provider->requester settlement, got %s->%s", call.SenderID, call.ReceiverID)
	}
}

func TestService_SettlerFailureAborts(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(t)
	f.settler.err = ledger.ErrInsufficientBalance

	if _, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "requester-1", d("3")); err != nil {
		t.Fatalf("first confirmation: %v", err)
	}
	_, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "provider-1", d("3"))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if f.pool.lastTx == nil || f.pool.lastTx.committed {
		t.Fatal("expected settlement transaction to stay uncommitted")
	}
}

func TestService_ConcurrentModificationSurfaces(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "listing-gardening", "requester-1", d("3"))

	f.store.failNextUpdate = ErrConcurrentModification
	if _, err := f.svc.Accept(context.Background(), rec.ID, "provider-1"); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestService_ActionOnExpiredExchange(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "listing-gardening", "requester-1", d("3"))
	f.store.setStatus(rec.ID, StatusExpired)

	if _, err := f.svc.Accept(context.Background(), rec.ID, "provider-1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestService_AppendBrokerNoteAfterCompletion(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(t)
	if _, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "requester-1", d("3")); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "provider-1", d("3")); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	rec, err := f.svc.AppendBrokerNote(context.Background(), rec.ID, "broker-1", "follow-up resolved")
	if err != nil {
		t.Fatalf("append note: %v", err)
	}
	if rec.BrokerNotes == nil || !strings.Contains(*rec.BrokerNotes, "follow-up resolved") {
		t.Fatalf("expected note recorded, got %v", rec.BrokerNotes)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("note must not move status, got %s", rec.Status)
	}
}

func TestService_ExpireStale(t *testing.T) {
	f := newFixture(t)

	stale := f.create(t, "listing-gardening", "requester-1", d("3"))
	f.store.setUpdatedAt(stale.ID, testNow.Add(-8*24*time.Hour))
	fresh := f.create(t, "listing-gardening", "requester-3", d("3"))

	expired, err := f.svc.ExpireStale(context.Background())
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expiry, got %d", expired)
	}
	if got := f.store.exchanges[stale.ID].Status; got != StatusExpired {
		t.Fatalf("expected stale exchange expired, got %s", got)
	}
	if got := f.store.exchanges[fresh.ID].Status; got != StatusPendingProvider {
		t.Fatalf("fresh exchange must be untouched, got %s", got)
	}
}

func TestService_SettleOverdueLoneConfirmation(t *testing.T) {
	f := newFixture(t)
	rec := f.accepted(t)
	if _, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "requester-1", d("2")); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	f.store.setUpdatedAt(rec.ID, testNow.Add(-96*time.Hour))

	settled, err := f.svc.SettleOverdue(context.Background())
	if err != nil {
		t.Fatalf("settle overdue: %v", err)
	}
	if settled != 1 {
		t.Fatalf("expected 1 settlement, got %d", settled)
	}
	if got := f.store.exchanges[rec.ID]; got.Status != StatusCompleted || !got.FinalHours.Decimal.Equal(d("2")) {
		t.Fatalf("expected completion at the lone confirmation, got %s/%s", got.Status, got.FinalHours.Decimal)
	}
}

func (f *fixture) disputed(t *testing.T) Exchange {
	t.Helper()
	rec := f.accepted(t)
	if _, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "requester-1", d("2")); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	rec, err := f.svc.SubmitConfirmation(context.Background(), rec.ID, "provider-1", d("4"))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if rec.Status != StatusDisputed {
		t.Fatalf("fixture expected dispute, got %s", rec.Status)
	}
	return rec
}

// fakeStore is an in-memory store honouring the repository's version CAS
// contract, so service tests observe the same concurrency behaviour as the
// SQL implementation.
type fakeStore struct {
	exchanges      map[string]Exchange
	events         []Event
	outbox         []outboxEntry
	histories      map[string]PartyHistory
	nextEventID    int64
	failNextUpdate error
}

type outboxEntry struct {
	topic   string
	payload map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		exchanges: make(map[string]Exchange),
		histories: make(map[string]PartyHistory),
	}
}

func (s *fakeStore) topics() []string {
	out := make([]string, len(s.outbox))
	for i, e := range s.outbox {
		out[i] = e.topic
	}
	return out
}

func (s *fakeStore) eventsFor(exchangeID string) []Event {
	var out []Event
	for _, ev := range s.events {
		if ev.ExchangeID == exchangeID {
			out = append(out, ev)
		}
	}
	return out
}

func (s *fakeStore) setUpdatedAt(id string, at time.Time) {
	e := s.exchanges[id]
	e.UpdatedAt = at
	s.exchanges[id] = e
}

func (s *fakeStore) setStatus(id string, status Status) {
	e := s.exchanges[id]
	e.Status = status
	e.Version++
	s.exchanges[id] = e
}

func (s *fakeStore) cas(id string, version int64) (Exchange, error) {
	if err := s.failNextUpdate; err != nil {
		s.failNextUpdate = nil
		return Exchange{}, err
	}
	e, ok := s.exchanges[id]
	if !ok {
		return Exchange{}, ErrNotFound
	}
	if e.Version != version {
		return Exchange{}, ErrConcurrentModification
	}
	return e, nil
}

func (s *fakeStore) put(e Exchange) Exchange {
	e.Version++
	e.UpdatedAt = time.Now()
	s.exchanges[e.ID] = e
	return e
}

func (s *fakeStore) Insert(ctx context.Context, q Querier, e Exchange) (Exchange, error) {
	e.Version = 1
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	s.exchanges[e.ID] = e
	return e, nil
}

func (s *fakeStore) Get(ctx context.Context, q Querier, id string) (Exchange, error) {
	e, ok := s.exchanges[id]
	if !ok {
		return Exchange{}, ErrNotFound
	}
	return e, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, q Querier, id string, version int64, next Status) (Exchange, error) {
	e, err := s.cas(id, version)
	if err != nil {
		return Exchange{}, err
	}
	e.Status = next
	return s.put(e), nil
}

func (s *fakeStore) SetBroker(ctx context.Context, q Querier, id string, version int64, brokerID string, notes *string) (Exchange, error) {
	e, err := s.cas(id, version)
	if err != nil {
		return Exchange{}, err
	}
	e.BrokerID = &brokerID
	e.BrokerNotes = notes
	return s.put(e), nil
}

func (s *fakeStore) AppendBrokerNote(ctx context.Context, q Querier, id string, version int64, note string) (Exchange, error) {
	e, err := s.cas(id, version)
	if err != nil {
		return Exchange{}, err
	}
	if e.BrokerNotes != nil {
		note = *e.BrokerNotes + "\n" + note
	}
	e.BrokerNotes = &note
	return s.put(e), nil
}

func (s *fakeStore) SetConfirmation(ctx context.Context, q Querier, id string, version int64, role Role, hours decimal.Decimal) (Exchange, error) {
	e, err := s.cas(id, version)
	if err != nil {
		return Exchange{}, err
	}
	now := time.Now()
	switch role {
	case RoleRequester:
		e.RequesterConfirmedHours = decimal.NewNullDecimal(hours)
		e.RequesterConfirmedAt = &now
	case RoleProvider:
		e.ProviderConfirmedHours = decimal.NewNullDecimal(hours)
		e.ProviderConfirmedAt = &now
	default:
		return Exchange{}, fmt.Errorf("exchange: confirmation role %q", role)
	}
	return s.put(e), nil
}

func (s *fakeStore) SetFinalHours(ctx context.Context, q Querier, id string, version int64, hours decimal.Decimal) (Exchange, error) {
	e, err := s.cas(id, version)
	if err != nil {
		return Exchange{}, err
	}
	if e.FinalHours.Valid {
		return Exchange{}, ErrConcurrentModification
	}
	e.FinalHours = decimal.NewNullDecimal(hours)
	return s.put(e), nil
}

func (s *fakeStore) InsertEvent(ctx context.Context, q Querier, ev Event) error {
	s.nextEventID++
	ev.ID = s.nextEventID
	ev.CreatedAt = time.Now()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeStore) History(ctx context.Context, q Querier, exchangeID string) ([]Event, error) {
	return s.eventsFor(exchangeID), nil
}

func (s *fakeStore) ListForMember(ctx context.Context, q Querier, memberID string, filters ListFilters) ([]Exchange, int, error) {
	var out []Exchange
	for _, e := range s.exchanges {
		if e.RequesterID == memberID || e.ProviderID == memberID {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

func (s *fakeStore) PendingBrokerQueue(ctx context.Context, q Querier, limit int) ([]Exchange, error) {
	var out []Exchange
	for _, e := range s.exchanges {
		if e.Status == StatusPendingBroker {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeStore) Stale(ctx context.Context, q Querier, statuses []Status, before time.Time, limit int) ([]Exchange, error) {
	var out []Exchange
	for _, e := range s.exchanges {
		if !e.UpdatedAt.Before(before) {
			continue
		}
		for _, st := range statuses {
			if e.Status == st {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) PartyHistory(ctx context.Context, q Querier, memberID string) (PartyHistory, error) {
	if h, ok := s.histories[memberID]; ok {
		return h, nil
	}
	return PartyHistory{MemberSince: testNow.Add(-365 * 24 * time.Hour)}, nil
}

func (s *fakeStore) Statistics(ctx context.Context, q Querier, since time.Time) (Statistics, error) {
	var stats Statistics
	for _, e := range s.exchanges {
		stats.Total++
		if e.Status == StatusCompleted {
			stats.Completed++
		}
	}
	return stats, nil
}

func (s *fakeStore) EnqueueOutbox(ctx context.Context, q Querier, topic string, payload map[string]any) error {
	s.outbox = append(s.outbox, outboxEntry{topic: topic, payload: payload})
	return nil
}

type fakeCatalog struct {
	listings map[string]listing.Listing
}

func (f *fakeCatalog) GetByID(ctx context.Context, id string) (listing.Listing, error) {
	l, ok := f.listings[id]
	if !ok {
		return listing.Listing{}, listing.ErrNotFound
	}
	return l, nil
}

type fakeSettler struct {
	calls []ledger.SettleParams
	err   error
}

func (f *fakeSettler) Settle(ctx context.Context, q ledger.Querier, p ledger.SettleParams) (ledger.Transfer, error) {
	if f.err != nil {
		return ledger.Transfer{}, f.err
	}
	f.calls = append(f.calls, p)
	return ledger.Transfer{
		ID:         fmt.Sprintf("transfer-%d", len(f.calls)),
		ExchangeID: p.ExchangeID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Amount:     p.Amount,
	}, nil
}

type fakePool struct {
	lastTx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.lastTx = &fakeTx{}
	return f.lastTx, nil
}

func (f *fakePool) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakePool) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakePool) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
