package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const sweepBatchSize = 200

// expirableStatuses are the states the sweep may expire. Exchanges waiting on
// confirmation are not expired; they are force-settled instead.
var expirableStatuses = []Status{
	StatusPendingProvider,
	StatusPendingBroker,
	StatusAccepted,
	StatusInProgress,
}

// ExpireStale expires exchanges untouched past the request TTL. Each expiry
// is its own guarded transition, so concurrent sweep workers and live party
// actions race safely: whoever wins the version swap wins the row.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.RequestTTL)
	stale, err := s.repo.Stale(ctx, s.db, expirableStatuses, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	var errs []error
	for _, rec := range stale {
		if err := s.expireOne(ctx, rec); err != nil {
			if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrInvalidTransition) {
				// Lost the race to a party action or another worker.
				continue
			}
			errs = append(errs, fmt.Errorf("exchange: expire %s: %w", rec.ID, err))
			continue
		}
		expired++
	}
	return expired, errors.Join(errs...)
}

func (s *Service) expireOne(ctx context.Context, rec Exchange) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	note := "request expired without party action"
	rec, err = s.transition(ctx, tx, rec, StatusExpired, nil, RoleSystem, &note)
	if err != nil {
		return err
	}

	if err := s.repo.EnqueueOutbox(ctx, tx, "exchange.expired", map[string]any{
		"exchange_id":  rec.ID,
		"requester_id": rec.RequesterID,
		"provider_id":  rec.ProviderID,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SettleOverdue force-settles exchanges stuck in pending_confirmation past
// the confirmation deadline. The settlement basis is the lone confirmation
// when one party reported, or the proposed hours when neither did; both
// present means a crash interrupted reconciliation, which is simply re-run.
func (s *Service) SettleOverdue(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.ConfirmDeadline)
	stale, err := s.repo.Stale(ctx, s.db, []Status{StatusPendingConfirmation}, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs []error
	for _, rec := range stale {
		if err := s.settleOne(ctx, rec); err != nil {
			if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			errs = append(errs, fmt.Errorf("exchange: force settle %s: %w", rec.ID, err))
			continue
		}
		settled++
	}
	return settled, errors.Join(errs...)
}

func (s *Service) settleOne(ctx context.Context, rec Exchange) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("exchange: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if rec.BothConfirmed() {
		if _, err := s.reconcile(ctx, tx, rec); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	var basis decimal.Decimal
	var basisNote string
	switch {
	case rec.RequesterConfirmedAt != nil:
		basis = rec.RequesterConfirmedHours.Decimal
		basisNote = "requester confirmation"
	case rec.ProviderConfirmedAt != nil:
		basis = rec.ProviderConfirmedHours.Decimal
		basisNote = "provider confirmation"
	default:
		basis = rec.ProposedHours
		basisNote = "proposed hours"
	}

	note := fmt.Sprintf("forced settlement past confirmation deadline, basis: %s (%s hours)", basisNote, basis)
	if _, err := s.finalize(ctx, tx, rec, basis, nil, RoleSystem, note); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
