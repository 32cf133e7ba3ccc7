package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/appsentry/appsentry/internal/metrics"
	"github.com/appsentry/appsentry/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds one request to the scoring service.
	DefaultTimeout = 30 * time.Second

	// DefaultEpochs and DefaultValidationSplit parameterize training.
	DefaultEpochs          = 30
	DefaultValidationSplit = 0.2
)

// UsageData is one daily record on the wire. Foreground time is in
// seconds, hours are always concrete (sentinels are normalized away).
type UsageData struct {
	App                   string `json:"app"`
	Date                  string `json:"date"`
	FirstHour             int    `json:"first_hour"`
	LastHour              int    `json:"last_hour"`
	LaunchCount           int    `json:"launch_count"`
	TotalTimeInForeground int64  `json:"total_time_in_foreground"`
}

type trainRequest struct {
	UsageData       []UsageData `json:"usage_data"`
	Epochs          int         `json:"epochs"`
	ValidationSplit float64     `json:"validation_split"`
}

// TrainResponse is the scoring service's training acknowledgement.
type TrainResponse struct {
	Success         bool    `json:"success"`
	Message         string  `json:"message"`
	ModelID         string  `json:"model_id"`
	Threshold       float64 `json:"threshold"`
	TrainingSamples int     `json:"training_samples"`
}

type detectRequest struct {
	UsageData []UsageData `json:"usage_data"`
}

// DetectResponse carries per-record model verdicts.
type DetectResponse struct {
	Success          bool     `json:"success"`
	Results          []Result `json:"results"`
	OverallRiskLevel string   `json:"overall_risk_level"`
	Timestamp        string   `json:"timestamp"`
}

// Result is the model's verdict for a single record.
type Result struct {
	App               string  `json:"app"`
	Date              string  `json:"date"`
	IsAnomaly         bool    `json:"is_anomaly"`
	AnomalyScore      float64 `json:"anomaly_score"`
	ConfidencePercent float64 `json:"confidence_percent"`
	RiskLevel         string  `json:"risk_level"`
	Details           Details `json:"details"`
}

// Details echoes the scored record plus the applied threshold.
type Details struct {
	FirstHour             int     `json:"first_hour"`
	LastHour              int     `json:"last_hour"`
	LaunchCount           int     `json:"launch_count"`
	TotalTimeInForeground int64   `json:"total_time_in_foreground"`
	Threshold             float64 `json:"threshold"`
}

// Client talks to the remote autoencoder scoring service. Its verdicts
// supplement the local rule engine and failures never block it.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	epochs          int
	validationSplit float64
	logger          zerolog.Logger
}

// Config holds scoring client configuration
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	Epochs          int
	ValidationSplit float64
}

// NewClient creates a scoring service client.
func NewClient(config Config, logger zerolog.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Epochs == 0 {
		config.Epochs = DefaultEpochs
	}
	if config.ValidationSplit == 0 {
		config.ValidationSplit = DefaultValidationSplit
	}
	return &Client{
		baseURL:         strings.TrimRight(config.BaseURL, "/"),
		httpClient:      &http.Client{Timeout: config.Timeout},
		epochs:          config.Epochs,
		validationSplit: config.ValidationSplit,
		logger:          logger.With().Str("component", "scoring-client").Logger(),
	}
}

// FromRecords converts daily records to wire form. Records with no
// signal at all are skipped; hour sentinels are normalized to the day
// edges, keeping last hour consistent with first.
func FromRecords(records []storage.DailyUsageRecord) []UsageData {
	out := make([]UsageData, 0, len(records))
	for _, rec := range records {
		if rec.FirstHour == storage.HourNone && rec.LastHour == storage.HourNone &&
			rec.LaunchCount == 0 && rec.ForegroundMs == 0 {
			continue
		}

		firstHour := rec.FirstHour
		if firstHour == storage.HourNone {
			firstHour = 0
		}
		lastHour := rec.LastHour
		if lastHour == storage.HourNone {
			lastHour = 23
		}
		if lastHour < firstHour && rec.LastHour == storage.HourNone && rec.FirstHour != storage.HourNone {
			lastHour = firstHour
		}

		out = append(out, UsageData{
			App:                   rec.Package,
			Date:                  rec.DayKey(),
			FirstHour:             firstHour,
			LastHour:              lastHour,
			LaunchCount:           rec.LaunchCount,
			TotalTimeInForeground: rec.ForegroundMs / 1000,
		})
	}
	return out
}

// Train ships a window of usage history to the training endpoint.
func (c *Client) Train(ctx context.Context, records []storage.DailyUsageRecord) (*TrainResponse, error) {
	data := FromRecords(records)
	if len(data) == 0 {
		return nil, fmt.Errorf("no usage data to train on")
	}

	var resp TrainResponse
	err := c.post(ctx, "/train", trainRequest{
		UsageData:       data,
		Epochs:          c.epochs,
		ValidationSplit: c.validationSplit,
	}, &resp)
	if err != nil {
		metrics.ScoringRequests.WithLabelValues("train", "error").Inc()
		return nil, err
	}
	metrics.ScoringRequests.WithLabelValues("train", "success").Inc()

	c.logger.Info().
		Str("model_id", resp.ModelID).
		Float64("threshold", resp.Threshold).
		Int("training_samples", resp.TrainingSamples).
		Msg("Model training accepted")
	return &resp, nil
}

// Detect scores a window of records against the trained model.
func (c *Client) Detect(ctx context.Context, records []storage.DailyUsageRecord) (*DetectResponse, error) {
	data := FromRecords(records)
	if len(data) == 0 {
		return nil, fmt.Errorf("no usage data to score")
	}

	var resp DetectResponse
	if err := c.post(ctx, "/detect", detectRequest{UsageData: data}, &resp); err != nil {
		metrics.ScoringRequests.WithLabelValues("detect", "error").Inc()
		return nil, err
	}
	metrics.ScoringRequests.WithLabelValues("detect", "success").Inc()
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("scoring service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("scoring service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
