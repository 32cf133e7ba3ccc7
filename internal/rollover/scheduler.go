package rollover

import (
	"context"
	"sync"
	"time"

	"github.com/appsentry/appsentry/internal/metrics"
	"github.com/rs/zerolog"
)

// Scheduler runs the rollover engine once per day at a fixed UTC time.
type Scheduler struct {
	engine       *Engine
	rolloverTime time.Time // Time of day to roll over (only hour and minute are used)
	maxRetries   int
	retryBackoff time.Duration
	logger       zerolog.Logger
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// SchedulerConfig holds rollover scheduling configuration
type SchedulerConfig struct {
	Time         string // HH:MM, UTC
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewScheduler creates a new rollover scheduler
func NewScheduler(engine *Engine, config SchedulerConfig, logger zerolog.Logger) (*Scheduler, error) {
	// Parse rollover time (HH:MM format)
	parsedTime, err := time.Parse("15:04", config.Time)
	if err != nil {
		return nil, err
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}

	return &Scheduler{
		engine:       engine,
		rolloverTime: parsedTime,
		maxRetries:   config.MaxRetries,
		retryBackoff: config.RetryBackoff,
		logger:       logger.With().Str("component", "rollover-scheduler").Logger(),
		stopChan:     make(chan struct{}),
	}, nil
}

// Start begins the rollover scheduler
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
	s.logger.Info().
		Str("rollover_time", s.rolloverTime.Format("15:04")).
		Msg("Daily rollover scheduler started")
}

// Stop stops the rollover scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.logger.Info().Msg("Daily rollover scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		nextRollover := s.calculateNextRollover()
		waitDuration := time.Until(nextRollover)

		s.logger.Info().
			Time("next_rollover", nextRollover).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next daily rollover")

		select {
		case <-time.After(waitDuration):
			s.performRollover(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// calculateNextRollover calculates the next rollover time in UTC
func (s *Scheduler) calculateNextRollover() time.Time {
	now := time.Now().UTC()

	todayRollover := time.Date(
		now.Year(), now.Month(), now.Day(),
		s.rolloverTime.Hour(), s.rolloverTime.Minute(), 0, 0,
		time.UTC,
	)

	if now.After(todayRollover) {
		return todayRollover.AddDate(0, 0, 1)
	}

	return todayRollover
}

// performRollover runs the engine with bounded retries. A failed attempt
// leaves the accumulator untouched, so the whole rollover is re-run.
func (s *Scheduler) performRollover(ctx context.Context) {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err := s.engine.Run(ctx)
		if err == nil {
			metrics.RolloversTotal.WithLabelValues("success").Inc()
			return
		}

		metrics.RolloversTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).
			Int("attempt", attempt).
			Int("max_retries", s.maxRetries).
			Msg("Rollover attempt failed")

		if attempt == s.maxRetries {
			s.logger.Error().Msg("Rollover abandoned until next schedule tick")
			return
		}

		select {
		case <-time.After(s.retryBackoff):
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}
