package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/appsentry/appsentry/internal/clock"
	"github.com/appsentry/appsentry/internal/metrics"
	"github.com/appsentry/appsentry/internal/sampler"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is the default gap between evaluations.
	DefaultInterval = time.Minute

	// DefaultCacheTTL bounds how long a cached profile is served before
	// the store is consulted again.
	DefaultCacheTTL = 5 * time.Minute
)

// Detector periodically samples recent activity and scores it against
// the stored behaviour profile.
type Detector struct {
	sampler   *sampler.Sampler
	profiles  storage.ProfileStore
	profileID string
	clk       clock.Clock
	interval  time.Duration
	cache     *expirable.LRU[string, *storage.BehaviourProfile]
	logger    zerolog.Logger
	stopChan  chan struct{}
	stopOnce  sync.Once

	mu   sync.RWMutex
	last *Verdict
}

// Config holds detector configuration
type Config struct {
	ProfileID string
	Interval  time.Duration
	CacheTTL  time.Duration
}

// NewDetector creates a Detector.
func NewDetector(s *sampler.Sampler, profiles storage.ProfileStore, clk clock.Clock, config Config, logger zerolog.Logger) *Detector {
	if config.ProfileID == "" {
		config.ProfileID = "user_default"
	}
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	return &Detector{
		sampler:   s,
		profiles:  profiles,
		profileID: config.ProfileID,
		clk:       clk,
		interval:  config.Interval,
		cache:     expirable.NewLRU[string, *storage.BehaviourProfile](4, nil, config.CacheTTL),
		logger:    logger.With().Str("component", "detector").Logger(),
		stopChan:  make(chan struct{}),
	}
}

// Start begins the evaluation loop.
func (d *Detector) Start(ctx context.Context) {
	go d.run(ctx)
	d.logger.Info().
		Dur("interval", d.interval).
		Dur("window", d.sampler.Window()).
		Msg("Anomaly detector started")
}

// Stop stops the evaluation loop.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
	d.logger.Info().Msg("Anomaly detector stopped")
}

func (d *Detector) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				d.logger.Error().Err(err).Msg("Evaluation failed")
			}
		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs one sample-and-evaluate pass and returns the verdict.
func (d *Detector) RunOnce(ctx context.Context) (Verdict, error) {
	started := time.Now()

	profile, err := d.loadProfile(ctx)
	if err != nil {
		return Verdict{}, err
	}

	samples, err := d.sampler.Snapshot(ctx)
	if err != nil {
		return Verdict{}, fmt.Errorf("sample window: %w", err)
	}

	verdict := Evaluate(profile, samples, d.clk.Now(), d.sampler.Window())

	metrics.Evaluations.WithLabelValues(verdict.Level.String()).Inc()
	metrics.AnomalyScore.Observe(float64(verdict.Score))
	metrics.EvaluationDuration.Observe(time.Since(started).Seconds())

	d.mu.Lock()
	d.last = &verdict
	d.mu.Unlock()

	event := d.logger.Debug()
	switch verdict.Level {
	case LevelSuspicious:
		event = d.logger.Info()
	case LevelHighAlert:
		event = d.logger.Warn()
	}
	event.
		Str("level", verdict.Level.String()).
		Int("score", verdict.Score).
		Strs("reasons", verdict.Reasons).
		Int("samples", len(samples)).
		Msg("Evaluated activity window")

	return verdict, nil
}

// Last returns the most recent verdict, or nil before the first pass.
func (d *Detector) Last() *Verdict {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// loadProfile returns the current profile, consulting the store through
// an expiring cache. A missing profile returns nil and is not cached,
// so a freshly generated profile is picked up on the next pass.
func (d *Detector) loadProfile(ctx context.Context) (*storage.BehaviourProfile, error) {
	if profile, ok := d.cache.Get(d.profileID); ok {
		return profile, nil
	}

	profile, err := d.profiles.Get(ctx, d.profileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}

	d.cache.Add(d.profileID, profile)
	return profile, nil
}
