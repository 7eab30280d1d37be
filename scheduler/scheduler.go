package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper is the background-maintenance surface of the exchange service.
type Sweeper interface {
	ExpireStale(ctx context.Context) (int, error)
	SettleOverdue(ctx context.Context) (int, error)
}

// Scheduler runs the expiry and forced-settlement sweeps on a cron spec.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	log     *logrus.Logger
	timeout time.Duration
}

// New builds a scheduler and registers the sweep on spec. The spec uses
// six fields (with seconds) and runs in UTC.
func New(sweeper Sweeper, spec string, log *logrus.Logger) (*Scheduler, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
	)

	s := &Scheduler{
		cron:    c,
		sweeper: sweeper,
		log:     log,
		timeout: 2 * time.Minute,
	}

	if _, err := c.AddFunc(spec, s.runSweep); err != nil {
		return nil, fmt.Errorf("scheduler: register sweep %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	expired, err := s.sweeper.ExpireStale(ctx)
	if err != nil {
		s.log.WithError(err).Error("expiry sweep finished with errors")
	}
	if expired > 0 {
		s.log.WithField("expired", expired).Info("expired stale exchanges")
	}

	settled, err := s.sweeper.SettleOverdue(ctx)
	if err != nil {
		s.log.WithError(err).Error("forced settlement sweep finished with errors")
	}
	if settled > 0 {
		s.log.WithField("settled", settled).Info("force-settled overdue confirmations")
	}
}

// Start begins the cron loop in the background.
func (s *Scheduler) Start() {
	s.log.Info("starting sweep scheduler")
	s.cron.Start()
}

// Stop waits for any in-flight sweep to finish before returning.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("sweep scheduler stopped")
}
