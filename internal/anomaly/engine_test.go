package anomaly

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/appsentry/appsentry/internal/sampler"
	"github.com/appsentry/appsentry/internal/storage"
)

const sampleWindow = 15 * time.Minute

// commonHour falls inside every fixture profile's common and active hours.
var commonHour = time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)

// nightHour falls outside them.
var nightHour = time.Date(2026, 3, 10, 3, 15, 0, 0, time.UTC)

func fixtureProfile() *storage.BehaviourProfile {
	return &storage.BehaviourProfile{
		ID:          "user_default",
		GeneratedAt: commonHour.AddDate(0, 0, -1),
		Apps: []storage.AppProfile{
			{
				Package:           "com.example.mail",
				ForegroundRangeMs: storage.Range{Low: 5 * 60 * 1000, High: 15 * 60 * 1000},
				LaunchRange:       storage.Range{Low: 1, High: 3},
				CommonHours:       []int{9, 10, 11, 12, 13, 14, 15, 16, 17},
				CommonDays:        []int{1, 2, 3, 4, 5},
			},
			{
				Package:           "com.example.browser",
				ForegroundRangeMs: storage.Range{Low: 4 * 60 * 60 * 1000, High: 6 * 60 * 60 * 1000},
				LaunchRange:       storage.Range{Low: 20, High: 60},
				CommonHours:       []int{8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22},
				CommonDays:        []int{0, 1, 2, 3, 4, 5, 6},
			},
		},
		AllowedInfrequentApps: []string{"com.example.banking"},
		ActiveHours:           []int{8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22},
		DailyTotalRangeMs:     storage.Range{Low: 4 * 60 * 60 * 1000, High: 8 * 60 * 60 * 1000},
	}
}

func TestEvaluateNormalWindow(t *testing.T) {
	samples := []sampler.Sample{
		{Package: "com.example.mail", ForegroundMs: 60_000, LaunchCount: 0, FirstHour: 10, LastHour: 10},
	}
	v := Evaluate(fixtureProfile(), samples, commonHour, sampleWindow)
	if v.Level != LevelNormal || v.Score != 0 {
		t.Fatalf("expected Normal(0), got %s(%d) %v", v.Level, v.Score, v.Reasons)
	}
}

func TestEvaluateTimeDeviationEscalates(t *testing.T) {
	// Twenty minutes of a low-usage app inside a fifteen-minute window
	// dwarfs both the scaled expectation and a full typical day.
	samples := []sampler.Sample{
		{Package: "com.example.mail", ForegroundMs: 20 * 60 * 1000, LaunchCount: 1, FirstHour: 10, LastHour: 10},
	}
	v := Evaluate(fixtureProfile(), samples, commonHour, sampleWindow)
	if v.Level != LevelHighAlert {
		t.Fatalf("expected HighAlert, got %s(%d) %v", v.Level, v.Score, v.Reasons)
	}
	if len(v.Reasons) == 0 {
		t.Error("high alert verdict carries no reasons")
	}
}

func TestEvaluateTimeDeviationTiers(t *testing.T) {
	// The browser's daily mean is large enough for the scaled comparison.
	tests := []struct {
		name      string
		sampledMs int64
		wantScore int
		wantLevel Level
	}{
		{"within range", 100_000, 0, LevelNormal},
		{"warn tier", 500_000, scoreTimeWarn, LevelSuspicious},
		{"alert tier", 800_000, scoreTimeAlert, LevelHighAlert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := []sampler.Sample{
				{Package: "com.example.browser", ForegroundMs: tt.sampledMs, FirstHour: 10, LastHour: 10},
			}
			v := Evaluate(fixtureProfile(), samples, commonHour, sampleWindow)
			if v.Score != tt.wantScore {
				t.Errorf("expected score %d, got %d %v", tt.wantScore, v.Score, v.Reasons)
			}
			if v.Level != tt.wantLevel {
				t.Errorf("expected %s, got %s", tt.wantLevel, v.Level)
			}
		})
	}
}

func TestEvaluateUnprofiledApp(t *testing.T) {
	samples := []sampler.Sample{
		{Package: "com.example.dropper", ForegroundMs: 6 * 60 * 1000, LaunchCount: 1, FirstHour: 10, LastHour: 10},
	}
	v := Evaluate(fixtureProfile(), samples, commonHour, sampleWindow)
	if v.Level != LevelSuspicious {
		t.Fatalf("expected Suspicious, got %s(%d)", v.Level, v.Score)
	}
	if v.Score != scoreUnprofiledApp {
		t.Errorf("expected score %d, got %d", scoreUnprofiledApp, v.Score)
	}
	found := false
	for _, r := range v.Reasons {
		if strings.Contains(r, "com.example.dropper") {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons must cite the package: %v", v.Reasons)
	}
}

func TestEvaluateUnprofiledAppBelowThreshold(t *testing.T) {
	samples := []sampler.Sample{
		{Package: "com.example.dropper", ForegroundMs: 30_000, LaunchCount: 1, FirstHour: 10, LastHour: 10},
	}
	v := Evaluate(fixtureProfile(), samples, commonHour, sampleWindow)
	if v.Level != LevelNormal {
		t.Fatalf("brief unprofiled usage should pass, got %s(%d) %v", v.Level, v.Score, v.Reasons)
	}
}

func TestEvaluateAllowedInfrequentApp(t *testing.T) {
	samples := []sampler.Sample{
		{Package: "com.example.banking", ForegroundMs: 10 * 60 * 1000, LaunchCount: 2, FirstHour: 10, LastHour: 10},
	}
	v := Evaluate(fixtureProfile(), samples, commonHour, sampleWindow)
	if v.Level != LevelNormal {
		t.Fatalf("allow-listed app flagged: %s(%d) %v", v.Level, v.Score, v.Reasons)
	}
}

func TestEvaluateGlobalHourRuleAlone(t *testing.T) {
	v := Evaluate(fixtureProfile(), nil, nightHour, sampleWindow)
	if v.Score != scoreGlobalHour {
		t.Fatalf("expected score %d from the global rule alone, got %d %v", scoreGlobalHour, v.Score, v.Reasons)
	}
	if v.Level != LevelSuspicious {
		t.Errorf("expected Suspicious, got %s", v.Level)
	}
}

func TestEvaluateUncommonAppHour(t *testing.T) {
	samples := []sampler.Sample{
		{Package: "com.example.mail", ForegroundMs: 60_000, LaunchCount: 0, FirstHour: 3, LastHour: 3},
	}
	v := Evaluate(fixtureProfile(), samples, nightHour, sampleWindow)
	// Global rule plus the per-app uncommon hour rule.
	if v.Score != scoreGlobalHour+scoreUncommonHour {
		t.Fatalf("expected score %d, got %d %v", scoreGlobalHour+scoreUncommonHour, v.Score, v.Reasons)
	}
}

func TestEvaluateMissingProfile(t *testing.T) {
	v := Evaluate(nil, []sampler.Sample{
		{Package: "com.example.mail", ForegroundMs: 60_000},
	}, commonHour, sampleWindow)

	if v.Level == LevelNormal {
		t.Fatal("missing profile must never be Normal")
	}
	if v.Level != LevelSuspicious {
		t.Fatalf("expected Suspicious, got %s", v.Level)
	}
	if v.Score != scoreMissingProfile {
		t.Errorf("expected fixed low score %d, got %d", scoreMissingProfile, v.Score)
	}
	if !reflect.DeepEqual(v.Reasons, []string{"profile not available"}) {
		t.Errorf("unexpected reasons: %v", v.Reasons)
	}
}

func TestEvaluateScoreMonotonicInForegroundTime(t *testing.T) {
	profile := fixtureProfile()
	prev := -1
	for _, ms := range []int64{0, 30_000, 60_000, 150_001, 600_001, 1_200_000, 3_600_000, 7_200_000} {
		samples := []sampler.Sample{
			{Package: "com.example.mail", ForegroundMs: ms, LaunchCount: 1, FirstHour: 10, LastHour: 10},
		}
		v := Evaluate(profile, samples, commonHour, sampleWindow)
		if v.Score < prev {
			t.Fatalf("score decreased from %d to %d at %dms", prev, v.Score, ms)
		}
		prev = v.Score
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	profile := fixtureProfile()
	samples := []sampler.Sample{
		{Package: "com.example.mail", ForegroundMs: 20 * 60 * 1000, LaunchCount: 4, FirstHour: 3, LastHour: 3},
		{Package: "com.example.dropper", ForegroundMs: 5 * 60 * 1000, LaunchCount: 1, FirstHour: 3, LastHour: 3},
	}
	first := Evaluate(profile, samples, nightHour, sampleWindow)
	second := Evaluate(profile, samples, nightHour, sampleWindow)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("verdicts differ: %+v vs %+v", first, second)
	}
}

func TestEvaluateDeduplicatesReasons(t *testing.T) {
	v := Verdict{Reasons: dedupe([]string{"a", "b", "a", "a", "b"})}
	if !reflect.DeepEqual(v.Reasons, []string{"a", "b"}) {
		t.Fatalf("dedupe failed: %v", v.Reasons)
	}
}
