package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so reads can run on
// the pool while writes compose inside the caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository owns all SQL touching the exchanges, exchange_events and outbox
// relations. Every mutation is a compare-and-swap on the row version: the
// caller presents the version it read, and a stale version surfaces as
// ErrConcurrentModification.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const exchangeColumns = `
	id, listing_id, requester_id, provider_id, listing_kind,
	proposed_hours, final_hours, status, risk_level,
	broker_id, broker_notes, requester_notes,
	requester_confirmed_hours, requester_confirmed_at,
	provider_confirmed_hours, provider_confirmed_at,
	created_at, updated_at, version`

func scanExchange(row pgx.Row) (Exchange, error) {
	var e Exchange
	err := row.Scan(
		&e.ID,
		&e.ListingID,
		&e.RequesterID,
		&e.ProviderID,
		&e.ListingKind,
		&e.ProposedHours,
		&e.FinalHours,
		&e.Status,
		&e.RiskLevel,
		&e.BrokerID,
		&e.BrokerNotes,
		&e.RequesterNotes,
		&e.RequesterConfirmedHours,
		&e.RequesterConfirmedAt,
		&e.ProviderConfirmedHours,
		&e.ProviderConfirmedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.Version,
	)
	return e, err
}

// Insert persists a freshly created exchange at version 1.
func (r *Repository) Insert(ctx context.Context, q Querier, e Exchange) (Exchange, error) {
	const query = `
		INSERT INTO exchanges
			(id, listing_id, requester_id, provider_id, listing_kind,
			 proposed_hours, status, risk_level, requester_notes, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		RETURNING` + exchangeColumns

	rec, err := scanExchange(q.QueryRow(ctx, query,
		e.ID,
		e.ListingID,
		e.RequesterID,
		e.ProviderID,
		e.ListingKind,
		e.ProposedHours,
		e.Status,
		e.RiskLevel,
		e.RequesterNotes,
	))
	if err != nil {
		return Exchange{}, fmt.Errorf("exchange: insert: %w", err)
	}
	return rec, nil
}

// Get fetches an exchange by id.
func (r *Repository) Get(ctx context.Context, q Querier, id string) (Exchange, error) {
	query := `SELECT` + exchangeColumns + ` FROM exchanges WHERE id = $1`

	rec, err := scanExchange(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Exchange{}, ErrNotFound
		}
		return Exchange{}, fmt.Errorf("exchange: get: %w", err)
	}
	return rec, nil
}

// casUpdate runs a version-guarded update and translates an empty result into
// ErrConcurrentModification or ErrNotFound.
func (r *Repository) casUpdate(ctx context.Context, q Querier, id string, query string, args ...any) (Exchange, error) {
	rec, err := scanExchange(q.QueryRow(ctx, query, args...))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Exchange{}, fmt.Errorf("exchange: update: %w", err)
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM exchanges WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Exchange{}, fmt.Errorf("exchange: existence check: %w", err)
	}
	if !exists {
		return Exchange{}, ErrNotFound
	}
	return Exchange{}, ErrConcurrentModification
}

// UpdateStatus moves the exchange to next, bumping the version.
func (r *Repository) UpdateStatus(ctx context.Context, q Querier, id string, version int64, next Status) (Exchange, error) {
	query := `
		UPDATE exchanges
		SET status = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING` + exchangeColumns
	return r.casUpdate(ctx, q, id, query, id, version, next)
}

// SetBroker records the reviewing broker and their notes.
func (r *Repository) SetBroker(ctx context.Context, q Querier, id string, version int64, brokerID string, notes *string) (Exchange, error) {
	query := `
		UPDATE exchanges
		SET broker_id = $3, broker_notes = $4, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING` + exchangeColumns
	return r.casUpdate(ctx, q, id, query, id, version, brokerID, notes)
}

// AppendBrokerNote adds to broker_notes without touching anything else. This
// is the one mutation allowed after an exchange reaches a terminal status.
func (r *Repository) AppendBrokerNote(ctx context.Context, q Querier, id string, version int64, note string) (Exchange, error) {
	query := `
		UPDATE exchanges
		SET broker_notes = COALESCE(broker_notes || E'\n', '') || $3,
		    version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING` + exchangeColumns
	return r.casUpdate(ctx, q, id, query, id, version, note)
}

// SetConfirmation records one party's hour confirmation.
func (r *Repository) SetConfirmation(ctx context.Context, q Querier, id string, version int64, role Role, hours decimal.Decimal) (Exchange, error) {
	var column string
	switch role {
	case RoleRequester:
		column = "requester"
	case RoleProvider:
		column = "provider"
	default:
		return Exchange{}, fmt.Errorf("exchange: confirmation role %q", role)
	}

	query := fmt.Sprintf(`
		UPDATE exchanges
		SET %[1]s_confirmed_hours = $3, %[1]s_confirmed_at = now(),
		    version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING`, column) + exchangeColumns
	return r.casUpdate(ctx, q, id, query, id, version, hours)
}

// SetFinalHours fixes the settled amount. The WHERE clause refuses to
// overwrite an existing value: final_hours is written exactly once.
func (r *Repository) SetFinalHours(ctx context.Context, q Querier, id string, version int64, hours decimal.Decimal) (Exchange, error) {
	query := `
		UPDATE exchanges
		SET final_hours = $3, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2 AND final_hours IS NULL
		RETURNING` + exchangeColumns
	return r.casUpdate(ctx, q, id, query, id, version, hours)
}

// InsertEvent appends one history entry. Always called inside the same
// transaction as the state change it records.
func (r *Repository) InsertEvent(ctx context.Context, q Querier, ev Event) error {
	const query = `
		INSERT INTO exchange_events
			(exchange_id, action, old_status, new_status, actor_id, actor_role, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := q.Exec(ctx, query,
		ev.ExchangeID,
		ev.Action,
		ev.OldStatus,
		ev.NewStatus,
		ev.ActorID,
		ev.ActorRole,
		ev.Notes,
	); err != nil {
		return fmt.Errorf("exchange: insert event: %w", err)
	}
	return nil
}

// History returns the full event trail for an exchange, oldest first.
func (r *Repository) History(ctx context.Context, q Querier, exchangeID string) ([]Event, error) {
	const query = `
		SELECT id, exchange_id, action, old_status, new_status, actor_id, actor_role, notes, created_at
		FROM exchange_events
		WHERE exchange_id = $1
		ORDER BY id ASC
	`

	rows, err := q.Query(ctx, query, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("exchange: history: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, 8)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.ExchangeID, &ev.Action, &ev.OldStatus, &ev.NewStatus, &ev.ActorID, &ev.ActorRole, &ev.Notes, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("exchange: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange: iterate events: %w", err)
	}
	return events, nil
}

// ListFilters narrows ListForMember. Status accepts a concrete status or the
// umbrella value "active" for everything non-terminal.
type ListFilters struct {
	Status   string
	Page     int
	PageSize int
}

// ListForMember returns exchanges the member participates in, newest first.
func (r *Repository) ListForMember(ctx context.Context, q Querier, memberID string, filters ListFilters) ([]Exchange, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := `(requester_id = $1 OR provider_id = $1)`
	args := []any{memberID}

	switch filters.Status {
	case "":
	case "active":
		where += ` AND status = ANY($2)`
		args = append(args, statusStrings(ActiveStatuses()))
	default:
		if !Status(filters.Status).Valid() {
			return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, filters.Status)
		}
		where += ` AND status = $2`
		args = append(args, filters.Status)
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM exchanges WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("exchange: count: %w", err)
	}

	query := `SELECT` + exchangeColumns + ` FROM exchanges WHERE ` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d`, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("exchange: list: %w", err)
	}
	defer rows.Close()

	items, err := collectExchanges(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// PendingBrokerQueue returns exchanges awaiting broker review, oldest first.
func (r *Repository) PendingBrokerQueue(ctx context.Context, q Querier, limit int) ([]Exchange, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `SELECT` + exchangeColumns + `
		FROM exchanges
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := q.Query(ctx, query, StatusPendingBroker, limit)
	if err != nil {
		return nil, fmt.Errorf("exchange: broker queue: %w", err)
	}
	defer rows.Close()

	return collectExchanges(rows)
}

// Stale returns exchanges in the given statuses untouched since before. Used
// by the scheduler sweep; the returned versions feed its guarded transitions.
func (r *Repository) Stale(ctx context.Context, q Querier, statuses []Status, before time.Time, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT` + exchangeColumns + `
		FROM exchanges
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`

	rows, err := q.Query(ctx, query, statusStrings(statuses), before, limit)
	if err != nil {
		return nil, fmt.Errorf("exchange: stale scan: %w", err)
	}
	defer rows.Close()

	return collectExchanges(rows)
}

// PartyHistory feeds the risk classifier: how often the member ended up in a
// dispute (counted from the immutable event trail, so resolved disputes still
// count) and when the account was created.
type PartyHistory struct {
	DisputeCount int
	MemberSince  time.Time
}

func (r *Repository) PartyHistory(ctx context.Context, q Querier, memberID string) (PartyHistory, error) {
	const query = `
		SELECT
			(SELECT COUNT(*)
			 FROM exchange_events ev
			 JOIN exchanges e ON e.id = ev.exchange_id
			 WHERE ev.new_status = 'disputed'
			   AND (e.requester_id = $1 OR e.provider_id = $1)),
			(SELECT created_at FROM members WHERE id = $1)
	`

	var h PartyHistory
	if err := q.QueryRow(ctx, query, memberID).Scan(&h.DisputeCount, &h.MemberSince); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PartyHistory{}, fmt.Errorf("exchange: member %s not found", memberID)
		}
		return PartyHistory{}, fmt.Errorf("exchange: party history: %w", err)
	}
	if h.MemberSince.IsZero() {
		return PartyHistory{}, fmt.Errorf("exchange: member %s not found", memberID)
	}
	return h, nil
}

// Statistics aggregates exchange activity since the given time.
func (r *Repository) Statistics(ctx context.Context, q Querier, since time.Time) (Statistics, error) {
	const query = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'disputed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE status = 'expired'),
			COUNT(*) FILTER (WHERE status IN ('pending_provider', 'pending_broker')),
			COUNT(*) FILTER (WHERE status IN ('accepted', 'in_progress', 'pending_confirmation')),
			COALESCE(SUM(final_hours) FILTER (WHERE status = 'completed'), 0)
		FROM exchanges
		WHERE created_at >= $1
	`

	var s Statistics
	err := q.QueryRow(ctx, query, since).Scan(
		&s.Total,
		&s.Completed,
		&s.Disputed,
		&s.Cancelled,
		&s.Expired,
		&s.PendingTotal,
		&s.ActiveTotal,
		&s.SettledHours,
	)
	if err != nil {
		return Statistics{}, fmt.Errorf("exchange: statistics: %w", err)
	}
	return s, nil
}

// EnqueueOutbox records a notification for asynchronous delivery. Sharing the
// caller's transaction keeps notifications off the settlement critical path
// while never losing one for a committed transition.
func (r *Repository) EnqueueOutbox(ctx context.Context, q Querier, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("exchange: marshal outbox payload: %w", err)
	}
	if _, err := q.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("exchange: enqueue outbox: %w", err)
	}
	return nil
}

func collectExchanges(rows pgx.Rows) ([]Exchange, error) {
	items := make([]Exchange, 0, 16)
	for rows.Next() {
		rec, err := scanExchange(rows)
		if err != nil {
			return nil, fmt.Errorf("exchange: scan: %w", err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange: iterate: %w", err)
	}
	return items, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
