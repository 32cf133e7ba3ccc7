package anomaly

import (
	"fmt"
	"time"

	"github.com/appsentry/appsentry/internal/sampler"
	"github.com/appsentry/appsentry/internal/storage"
)

// Rule weights and thresholds. Scores accumulate across rules and the
// total decides the verdict level, except that an alert-grade foreground
// time deviation escalates to HighAlert on its own.
const (
	scoreMissingProfile = 5
	scoreGlobalHour     = 10
	scoreUnprofiledApp  = 15
	scoreUncommonHour   = 5
	scoreTimeWarn       = 10
	scoreTimeAlert      = 20
	scoreTimeFallback   = 10
	scoreLaunchWarn     = 7
	scoreLaunchAlert    = 15
	scoreLaunchFallback = 7

	timeWarnFactor    = 2.5
	timeAlertFactor   = 4.0
	launchWarnFactor  = 3.0
	launchAlertFactor = 5.0

	// Expected-in-window magnitudes below these are too small for a
	// meaningful factor comparison; the raw sample is checked against
	// the daily mean instead.
	minExpectedTimeMs   = 60_000.0
	minExpectedLaunches = 0.5

	// An unprofiled app only scores once it has real window usage.
	unprofiledUsageMs = 60_000

	// HighAlertThreshold is the score at which a verdict escalates.
	HighAlertThreshold = 30
)

const dayMs = 24 * 60 * 60 * 1000

// Evaluate scores a window of samples against the behaviour profile.
// It is a pure function of its inputs: identical inputs always yield
// the identical verdict.
func Evaluate(profile *storage.BehaviourProfile, samples []sampler.Sample, now time.Time, window time.Duration) Verdict {
	if profile == nil {
		return Verdict{
			Level:   LevelSuspicious,
			Score:   scoreMissingProfile,
			Reasons: []string{"profile not available"},
		}
	}

	score := 0
	alertDeviation := false
	var reasons []string
	hour := now.UTC().Hour()

	if len(profile.ActiveHours) > 0 && !profile.HasActiveHour(hour) {
		score += scoreGlobalHour
		reasons = append(reasons, fmt.Sprintf("device active at untypical hour %02d:00 UTC", hour))
	}

	windowFraction := float64(window.Milliseconds()) / dayMs

	for _, sample := range samples {
		app := profile.App(sample.Package)
		if app == nil {
			if profile.AllowsInfrequent(sample.Package) {
				continue
			}
			if sample.ForegroundMs > unprofiledUsageMs {
				score += scoreUnprofiledApp
				reasons = append(reasons, fmt.Sprintf(
					"unprofiled app %s used for %ds in sample window", sample.Package, sample.ForegroundMs/1000))
			}
			continue
		}

		if len(app.CommonHours) > 0 && !app.HasCommonHour(hour) {
			score += scoreUncommonHour
			reasons = append(reasons, fmt.Sprintf("%s used at uncommon hour %02d:00 UTC", sample.Package, hour))
		}

		meanDailyMs := float64(app.ForegroundRangeMs.Mean())
		meanDailyLaunches := float64(app.LaunchRange.Low+app.LaunchRange.High) / 2

		// Foreground time deviation.
		sampledMs := float64(sample.ForegroundMs)
		expectedMs := meanDailyMs * windowFraction
		if expectedMs >= minExpectedTimeMs {
			switch {
			case sampledMs > expectedMs*timeAlertFactor:
				score += scoreTimeAlert
				alertDeviation = true
				reasons = append(reasons, fmt.Sprintf(
					"%s foreground time %ds far above the ~%ds expected in this window",
					sample.Package, sample.ForegroundMs/1000, int64(expectedMs)/1000))
			case sampledMs > expectedMs*timeWarnFactor:
				score += scoreTimeWarn
				reasons = append(reasons, fmt.Sprintf(
					"%s foreground time %ds above the ~%ds expected in this window",
					sample.Package, sample.ForegroundMs/1000, int64(expectedMs)/1000))
			}
		} else if sampledMs > minExpectedTimeMs*timeWarnFactor && sampledMs > meanDailyMs {
			// Expected window usage is near zero yet the sample already
			// outweighs a whole typical day.
			score += scoreTimeFallback
			if expectedMs > 0 && sampledMs > expectedMs*timeAlertFactor {
				alertDeviation = true
			}
			reasons = append(reasons, fmt.Sprintf(
				"%s foreground time %ds despite near-zero expected window activity",
				sample.Package, sample.ForegroundMs/1000))
		}

		// Launch count deviation.
		sampledLaunches := float64(sample.LaunchCount)
		expectedLaunches := meanDailyLaunches * windowFraction
		if expectedLaunches >= minExpectedLaunches {
			switch {
			case sampledLaunches > expectedLaunches*launchAlertFactor:
				score += scoreLaunchAlert
				reasons = append(reasons, fmt.Sprintf(
					"%s launched %d times, far above the ~%.2f expected in this window",
					sample.Package, sample.LaunchCount, expectedLaunches))
			case sampledLaunches > expectedLaunches*launchWarnFactor:
				score += scoreLaunchWarn
				reasons = append(reasons, fmt.Sprintf(
					"%s launched %d times, above the ~%.2f expected in this window",
					sample.Package, sample.LaunchCount, expectedLaunches))
			}
		} else if sampledLaunches > minExpectedLaunches*launchWarnFactor && sampledLaunches > meanDailyLaunches {
			score += scoreLaunchFallback
			reasons = append(reasons, fmt.Sprintf(
				"%s launched %d times despite near-zero expected window activity",
				sample.Package, sample.LaunchCount))
		}
	}

	level := classify(score)
	if alertDeviation && level != LevelHighAlert {
		level = LevelHighAlert
	}

	return Verdict{
		Level:   level,
		Score:   score,
		Reasons: dedupe(reasons),
	}
}

func classify(score int) Level {
	switch {
	case score >= HighAlertThreshold:
		return LevelHighAlert
	case score > 0:
		return LevelSuspicious
	default:
		return LevelNormal
	}
}

func dedupe(reasons []string) []string {
	if len(reasons) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(reasons))
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
