package scoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/appsentry/appsentry/internal/clock"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/rs/zerolog"
)

type stubUsageStore struct {
	storage.UsageStore
	records []storage.DailyUsageRecord
}

func (s *stubUsageStore) ListDailyRecords(ctx context.Context, from, to time.Time) ([]storage.DailyUsageRecord, error) {
	var out []storage.DailyUsageRecord
	for _, rec := range s.records {
		if rec.DayStart.Before(from) || !rec.DayStart.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func trainerWith(t *testing.T, serverURL string, records []storage.DailyUsageRecord) *Trainer {
	t.Helper()
	client := NewClient(Config{BaseURL: serverURL}, zerolog.Nop())
	clk := &clock.TestClock{CurrentTime: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	return NewTrainer(client, &stubUsageStore{records: records}, clk, TrainerConfig{}, zerolog.Nop())
}

func TestTrainerRunOnceShipsHistory(t *testing.T) {
	var trained int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/train" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if data, ok := req["usage_data"].([]interface{}); !ok || len(data) != 1 {
			t.Errorf("expected 1 usage_data record, got %v", req["usage_data"])
		}
		atomic.AddInt32(&trained, 1)
		_ = json.NewEncoder(w).Encode(TrainResponse{Success: true, ModelID: "m1", TrainingSamples: 1})
	}))
	defer server.Close()

	rec := testRecord("com.example.mail", 600000, 3, 9, 11)
	rec.DayStart = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	rec.DayEnd = rec.DayStart.Add(24 * time.Hour)
	records := []storage.DailyUsageRecord{rec}

	trainer := trainerWith(t, server.URL, records)
	if err := trainer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if atomic.LoadInt32(&trained) != 1 {
		t.Errorf("expected one training request, got %d", trained)
	}
}

func TestTrainerRunOnceEmptyWindowIsNoOp(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty history window")
	}))
	defer server.Close()

	trainer := trainerWith(t, server.URL, nil)
	if err := trainer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
}

func TestTrainerRunOnceRejectedTraining(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TrainResponse{Success: false, Message: "not enough samples"})
	}))
	defer server.Close()

	rec := testRecord("com.example.mail", 600000, 3, 9, 11)
	rec.DayStart = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	rec.DayEnd = rec.DayStart.Add(24 * time.Hour)
	records := []storage.DailyUsageRecord{rec}

	trainer := trainerWith(t, server.URL, records)
	if err := trainer.RunOnce(context.Background()); err == nil {
		t.Error("expected error when the service rejects training")
	}
}
