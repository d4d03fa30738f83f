package presence

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/meshtalk-io/meshtalk/internal/metrics"
)

// DefaultSweepInterval is how often the sweeper scans for expired bindings.
// Expiry is already enforced lazily on read; the sweep only bounds memory for
// uids nobody asks about anymore.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically removes expired bindings from a Store and refreshes
// the presence gauge.
type Sweeper struct {
	cron   gocron.Scheduler
	store  *Store
	logger *zap.Logger
}

// NewSweeper creates a Sweeper. interval <= 0 selects DefaultSweepInterval.
func NewSweeper(store *Store, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("presence: creating sweep scheduler: %w", err)
	}

	sw := &Sweeper{
		cron:   s,
		store:  store,
		logger: logger.Named("presence_sweeper"),
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(sw.sweep),
	)
	if err != nil {
		return nil, fmt.Errorf("presence: scheduling sweep job: %w", err)
	}
	return sw, nil
}

// Start begins the periodic sweep.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("presence sweeper started")
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("presence: sweeper shutdown: %w", err)
	}
	s.logger.Info("presence sweeper stopped")
	return nil
}

func (s *Sweeper) sweep() {
	removed := s.store.Sweep()
	live := s.store.Len()
	metrics.PresenceEntries.Set(float64(live))
	if removed > 0 {
		s.logger.Debug("swept expired bindings",
			zap.Int("removed", removed),
			zap.Int("live", live),
		)
	}
}
