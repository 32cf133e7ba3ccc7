package scoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/appsentry/appsentry/internal/clock"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultTrainInterval is how often the model is retrained.
const DefaultTrainInterval = 24 * time.Hour

// Trainer periodically ships the historical usage window to the scoring
// service for retraining. A failed run is simply retried on the next
// tick; local detection is never blocked on it.
type Trainer struct {
	client     *Client
	usage      storage.UsageStore
	clk        clock.Clock
	interval   time.Duration
	windowDays int
	logger     zerolog.Logger
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// TrainerConfig holds training scheduler configuration
type TrainerConfig struct {
	Interval   time.Duration
	WindowDays int
}

// NewTrainer creates a training scheduler.
func NewTrainer(client *Client, usage storage.UsageStore, clk clock.Clock, config TrainerConfig, logger zerolog.Logger) *Trainer {
	if config.Interval == 0 {
		config.Interval = DefaultTrainInterval
	}
	if config.WindowDays == 0 {
		config.WindowDays = 30
	}
	return &Trainer{
		client:     client,
		usage:      usage,
		clk:        clk,
		interval:   config.Interval,
		windowDays: config.WindowDays,
		logger:     logger.With().Str("component", "trainer").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Start begins the periodic training loop.
func (t *Trainer) Start(ctx context.Context) {
	go t.run(ctx)
	t.logger.Info().Dur("interval", t.interval).Msg("Training scheduler started")
}

// Stop stops the training loop.
func (t *Trainer) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
	t.logger.Info().Msg("Training scheduler stopped")
}

func (t *Trainer) run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.RunOnce(ctx); err != nil {
				t.logger.Error().Err(err).Msg("Training run failed, will retry next tick")
			}
		case <-t.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce ships the trailing history window to the training endpoint.
// An empty window is not an error, there is just nothing to train on.
func (t *Trainer) RunOnce(ctx context.Context) error {
	now := t.clk.Now().UTC()
	to := storage.DayStart(now)
	from := to.AddDate(0, 0, -t.windowDays)

	records, err := t.usage.ListDailyRecords(ctx, from, to)
	if err != nil {
		return fmt.Errorf("list history window: %w", err)
	}
	if len(records) == 0 {
		t.logger.Debug().Msg("No usage history to train on")
		return nil
	}

	resp, err := t.client.Train(ctx, records)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("scoring service rejected training: %s", resp.Message)
	}
	return nil
}
