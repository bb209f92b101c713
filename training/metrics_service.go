package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// MetricsService posts metrics records to a sidecar dashboard over HTTP.
type MetricsService struct {
	baseURL    string
	httpClient *http.Client
	config     MetricsServiceConfig
	enabled    bool
}

// MetricsServiceConfig contains configuration for the metrics service
type MetricsServiceConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// MetricsResponse represents the response from the metrics service
type MetricsResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	DashboardURL string `json:"dashboard_url,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// DefaultMetricsServiceConfig returns default configuration for the metrics service
func DefaultMetricsServiceConfig() MetricsServiceConfig {
	return MetricsServiceConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// NewMetricsService creates an enabled metrics service client
func NewMetricsService(config MetricsServiceConfig) *MetricsService {
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	return &MetricsService{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config:  config,
		enabled: true,
	}
}

func (ms *MetricsService) Enable()         { ms.enabled = true }
func (ms *MetricsService) Disable()        { ms.enabled = false }
func (ms *MetricsService) IsEnabled() bool { return ms.enabled }

// Send posts one record to /api/metrics.
func (ms *MetricsService) Send(ctx context.Context, record MetricsRecord) (*MetricsResponse, error) {
	if !ms.enabled {
		return &MetricsResponse{
			Success: false,
			Message: "Metrics service is disabled",
		}, nil
	}

	jsonData, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal metrics record")
	}

	url := fmt.Sprintf("%s/api/metrics", ms.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-stylegan-training")

	resp, err := ms.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send HTTP request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	var metricsResponse MetricsResponse
	if err := json.Unmarshal(respBody, &metricsResponse); err != nil {
		return nil, errors.Wrap(err, "failed to parse response JSON")
	}

	if resp.StatusCode != http.StatusOK {
		return &metricsResponse, errors.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, metricsResponse.Message)
	}
	return &metricsResponse, nil
}

// SendWithRetry retries Send up to RetryAttempts times, waiting RetryDelay
// between attempts.
func (ms *MetricsService) SendWithRetry(ctx context.Context, record MetricsRecord) (*MetricsResponse, error) {
	var lastErr error
	for attempt := 0; attempt < ms.config.RetryAttempts; attempt++ {
		resp, err := ms.Send(ctx, record)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt < ms.config.RetryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "metrics retry")
			case <-time.After(ms.config.RetryDelay):
			}
		}
	}
	return nil, errors.Wrapf(lastErr, "failed to send metrics after %d attempts", ms.config.RetryAttempts)
}

// CheckHealth checks if the metrics service is available
func (ms *MetricsService) CheckHealth(ctx context.Context) error {
	if !ms.enabled {
		return errors.New("metrics service is disabled")
	}

	url := fmt.Sprintf("%s/health", ms.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to create health check request")
	}
	resp, err := ms.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send health check request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// Emit implements MetricsSink.
func (ms *MetricsService) Emit(ctx context.Context, record MetricsRecord) error {
	_, err := ms.SendWithRetry(ctx, record)
	return err
}

func (ms *MetricsService) Close() error {
	ms.httpClient.CloseIdleConnections()
	return nil
}
