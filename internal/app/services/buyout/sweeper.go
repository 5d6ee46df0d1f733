package buyout

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Arteon-Labs/vault_layer/internal/app/metrics"
	"github.com/Arteon-Labs/vault_layer/internal/app/storage"
	"github.com/Arteon-Labs/vault_layer/pkg/logger"
)

// DefaultSweepSchedule runs the expiry sweep hourly. The read-time projection
// keeps results correct between runs; the sweep only persists what readers
// already see.
const DefaultSweepSchedule = "@hourly"

// Sweeper periodically persists the expired status for lapsed pending offers.
type Sweeper struct {
	offers   storage.OfferStore
	log      *logger.Logger
	schedule string
	cron     *cron.Cron
}

// NewSweeper constructs an expiry sweeper with the given cron schedule.
func NewSweeper(offers storage.OfferStore, schedule string, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("buyout-sweeper")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{offers: offers, log: log, schedule: schedule}
}

// Name implements system.Service.
func (s *Sweeper) Name() string { return "buyout-expiry-sweeper" }

// Start implements system.Service.
func (s *Sweeper) Start(context.Context) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop implements system.Service. It waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one expiry pass.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	swept, err := s.offers.MarkExpired(ctx, time.Now().UTC())
	if err != nil {
		s.log.WithError(err).Error("expiry sweep failed")
		return
	}
	metrics.RecordExpiredSwept(swept)
	if swept > 0 {
		s.log.WithField("count", swept).Info("expired lapsed offers")
	}
}
