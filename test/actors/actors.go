package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"hourbank/exchange"
	"hourbank/ledger"
)

// ignorable are outcomes the lifecycle contract allows under contention; an
// actor hitting one simply retries with fresh state.
func ignorable(err error) bool {
	// Chaos terminates backends at random; dropped connections are part of
	// the exercise, not a failure of the engine.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "40001", "40P01", "08006":
			return true
		}
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	return errors.Is(err, exchange.ErrConcurrentModification) ||
		errors.Is(err, ledger.ErrInsufficientBalance) ||
		errors.Is(err, exchange.ErrInvalidTransition) ||
		errors.Is(err, exchange.ErrUnauthorized) ||
		errors.Is(err, exchange.ErrDuplicateConfirmation) ||
		errors.Is(err, exchange.ErrValidation) ||
		errors.Is(err, exchange.ErrExpired) ||
		errors.Is(err, exchange.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// randomHours picks a granularity-aligned duration between 0.1 and 6 hours.
func randomHours() decimal.Decimal {
	return decimal.New(int64(1+rand.Intn(60)), -1)
}

// Requester opens exchanges against random listings.
func Requester(ctx context.Context, svc *exchange.Service, requesterID string, listingIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		_, err := svc.Create(ctx, exchange.CreateParams{
			ListingID:     listingIDs[rand.Intn(len(listingIDs))],
			RequesterID:   requesterID,
			ProposedHours: randomHours(),
		})
		if err != nil && !ignorable(err) {
			return fmt.Errorf("requester create: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Provider races to accept or decline pending requests. Several Provider
// goroutines sharing one member id exercise the version CAS.
func Provider(ctx context.Context, svc *exchange.Service, providerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		items, _, err := svc.List(ctx, providerID, exchange.ListFilters{Status: string(exchange.StatusPendingProvider), PageSize: 10})
		if err != nil && !ignorable(err) {
			return fmt.Errorf("provider list: %w", err)
		}
		for _, rec := range items {
			if rand.Intn(5) == 0 {
				_, err = svc.Decline(ctx, rec.ID, providerID, "cannot make it")
			} else {
				_, err = svc.Accept(ctx, rec.ID, providerID)
			}
			if err != nil && !ignorable(err) {
				return fmt.Errorf("provider act on %s: %w", rec.ID, err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// Confirmer reports hours on the member's running exchanges. Random hours make
// some pairs diverge past tolerance, feeding the dispute path.
func Confirmer(ctx context.Context, svc *exchange.Service, memberID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		for _, status := range []exchange.Status{exchange.StatusInProgress, exchange.StatusPendingConfirmation} {
			items, _, err := svc.List(ctx, memberID, exchange.ListFilters{Status: string(status), PageSize: 10})
			if err != nil && !ignorable(err) {
				return fmt.Errorf("confirmer list: %w", err)
			}
			for _, rec := range items {
				if _, err := svc.SubmitConfirmation(ctx, rec.ID, memberID, randomHours()); err != nil && !ignorable(err) {
					return fmt.Errorf("confirm %s: %w", rec.ID, err)
				}
			}
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Broker drains the review queue and settles disputes.
func Broker(ctx context.Context, svc *exchange.Service, pool *pgxpool.Pool, brokerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		queue, err := svc.BrokerQueue(ctx, 10)
		if err != nil && !ignorable(err) {
			return fmt.Errorf("broker queue: %w", err)
		}
		for _, rec := range queue {
			if rand.Intn(4) == 0 {
				_, err = svc.BrokerReject(ctx, rec.ID, brokerID, "rejected during review")
			} else {
				_, err = svc.BrokerApprove(ctx, rec.ID, brokerID, nil)
			}
			if err != nil && !ignorable(err) {
				return fmt.Errorf("broker review %s: %w", rec.ID, err)
			}
		}

		rows, err := pool.Query(ctx, `SELECT id FROM exchanges WHERE status = 'disputed' LIMIT 10`)
		if err != nil {
			if ignorable(err) {
				continue
			}
			return fmt.Errorf("broker dispute scan: %w", err)
		}
		var disputed []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err == nil {
				disputed = append(disputed, id)
			}
		}
		rows.Close()

		for _, id := range disputed {
			if _, err := svc.ForceSettle(ctx, id, brokerID, randomHours(), "broker resolution"); err != nil && !ignorable(err) {
				return fmt.Errorf("broker settle %s: %w", id, err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Sweeper runs the expiry and overdue-settlement sweeps in a tight loop,
// racing live party actions for the same rows.
func Sweeper(ctx context.Context, svc *exchange.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}

		if _, err := svc.ExpireStale(ctx); err != nil && !ignorable(err) {
			return fmt.Errorf("sweeper expire: %w", err)
		}
		if _, err := svc.SettleOverdue(ctx); err != nil && !ignorable(err) {
			return fmt.Errorf("sweeper settle: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}
