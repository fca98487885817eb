/**
 * Document Intelligence Client - Primary OCR provider
 *
 * Submits a document to the Azure Document Intelligence analyze endpoint and
 * long-polls the returned operation until it reaches a terminal status.
 * - Submission is retried on transient failures (RetryPolicy)
 * - Polling is bounded (PollPolicy) and never retried
 * - A circuit breaker stops calling the service after repeated transient failures
 */

package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/adverant/nexus/ocr-worker/internal/config"
	apperrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
	"github.com/adverant/nexus/ocr-worker/internal/ocr"
)

// maxErrorBody bounds how much of an error response is kept in messages
const maxErrorBody = 512

// DocIntelConfig holds client configuration
type DocIntelConfig struct {
	Endpoint   string
	APIKey     string
	APIVersion string
	Model      string
	Offline    bool

	HTTPTimeout     time.Duration
	Retry           RetryPolicy
	Poll            PollPolicy
	BreakerFailures int
	BreakerReset    time.Duration

	// HTTPClient overrides the default client built from HTTPTimeout
	HTTPClient *http.Client
}

// DocIntelConfigFromConfig maps worker configuration onto the client
func DocIntelConfigFromConfig(cfg *config.Config) *DocIntelConfig {
	return &DocIntelConfig{
		Endpoint:    cfg.AzureEndpoint,
		APIKey:      cfg.AzureAPIKey,
		APIVersion:  cfg.AzureAPIVersion,
		Model:       cfg.AzureModel,
		Offline:     cfg.OfflineMode,
		HTTPTimeout: cfg.HTTPTimeout,
		Retry: RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		Poll: PollPolicy{
			Attempts:    cfg.PollAttempts,
			InitialWait: cfg.InitialPollWait,
			MaxWait:     cfg.MaxPollWait,
			Multiplier:  cfg.PollBackoff,
		},
		BreakerFailures: cfg.BreakerFailures,
		BreakerReset:    cfg.BreakerReset,
	}
}

// DocIntelClient handles communication with Azure Document Intelligence
type DocIntelClient struct {
	cfg        DocIntelConfig
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *logging.Logger
}

// NewDocIntelClient creates a new client
func NewDocIntelClient(cfg *DocIntelConfig) *DocIntelClient {
	c := &DocIntelClient{
		cfg:    *cfg,
		logger: logging.NewLogger("DocIntelClient"),
	}
	c.cfg.Endpoint = strings.TrimRight(c.cfg.Endpoint, "/")

	if c.cfg.Retry.MaxAttempts == 0 {
		c.cfg.Retry = DefaultRetryPolicy()
	}
	if c.cfg.Poll.Attempts == 0 {
		c.cfg.Poll = DefaultPollPolicy()
	}
	if c.cfg.HTTPTimeout == 0 {
		c.cfg.HTTPTimeout = 30 * time.Second
	}
	if c.cfg.BreakerFailures == 0 {
		c.cfg.BreakerFailures = 3
	}
	if c.cfg.BreakerReset == 0 {
		c.cfg.BreakerReset = 60 * time.Second
	}
	if c.cfg.Retry.OnRetry == nil {
		c.cfg.Retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			c.logger.Warn("Azure analyze attempt failed, retrying",
				"attempt", attempt, "wait_ms", wait.Milliseconds(), "error", err)
		}
	}

	c.httpClient = cfg.HTTPClient
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.cfg.HTTPTimeout}
	}

	failures := uint32(c.cfg.BreakerFailures)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "azure-docintel",
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only transient failures say anything about the service's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return c
}

// Describe returns the connection details recorded in the azure_call stage
func (c *DocIntelClient) Describe() map[string]interface{} {
	return map[string]interface{}{
		"endpoint": c.cfg.Endpoint,
		"model":    c.cfg.Model,
	}
}

// MissingFields returns the sorted names of unset required settings
func (c *DocIntelClient) MissingFields() []string {
	var missing []string
	if c.cfg.APIKey == "" {
		missing = append(missing, "AZURE_DI_API_KEY")
	}
	if c.cfg.APIVersion == "" {
		missing = append(missing, "AZURE_DI_API_VERSION")
	}
	if c.cfg.Endpoint == "" {
		missing = append(missing, "AZURE_DI_ENDPOINT")
	}
	if c.cfg.Model == "" {
		missing = append(missing, "AZURE_DI_MODEL")
	}
	return missing
}

// Configured reports whether the client can call the service
func (c *DocIntelClient) Configured() bool {
	return !c.cfg.Offline && len(c.MissingFields()) == 0
}

// BreakerState returns the circuit breaker state name
func (c *DocIntelClient) BreakerState() string {
	return c.breaker.State().String()
}

// Analyze runs the full submit-and-poll cycle for one document
func (c *DocIntelClient) Analyze(ctx context.Context, document []byte, contentType string) (*ocr.Result, error) {
	if c.cfg.Offline {
		return nil, apperrors.NewConfigError(apperrors.StageAzureCall, "Offline mode enabled")
	}
	if missing := c.MissingFields(); len(missing) > 0 {
		return nil, apperrors.NewConfigError(apperrors.StageAzureCall,
			"Missing Azure Document Intelligence configuration: "+strings.Join(missing, ", "))
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.analyze(ctx, document, contentType)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperrors.NewTransientError(apperrors.StageAzureCall,
			fmt.Sprintf("Azure circuit breaker open: %v", err), err)
	}
	if err != nil {
		return nil, err
	}

	return out.(*ocr.Result), nil
}

func (c *DocIntelClient) analyze(ctx context.Context, document []byte, contentType string) (*ocr.Result, error) {
	startTime := time.Now()
	analyzeURL := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s",
		c.cfg.Endpoint, url.PathEscape(c.cfg.Model), url.QueryEscape(c.cfg.APIVersion))

	c.logger.Info("Submitting document to Azure Document Intelligence",
		"model", c.cfg.Model,
		"contentType", contentType,
		"size", len(document))

	var operationURL string
	attempts, err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		operationURL, err = c.submit(ctx, analyzeURL, document, contentType)
		return err
	})
	if err != nil {
		return nil, c.submitFailure(ctx, attempts, err)
	}

	operation, pollAttempts, err := c.pollOperation(ctx, operationURL)
	if err != nil {
		return nil, err
	}

	text := ""
	if operation.AnalyzeResult != nil {
		text = operation.AnalyzeResult.Content
	}
	confidence := ocr.ClampConfidence(operation.AnalyzeResult.MeanWordConfidence())

	c.logger.Info("Azure OCR complete",
		"submitAttempts", attempts,
		"pollAttempts", pollAttempts,
		"confidence", ocr.Round3(confidence),
		"textLength", len(text),
		"duration_ms", time.Since(startTime).Milliseconds())

	return &ocr.Result{
		Text:       text,
		Confidence: confidence,
		Engine:     ocr.EnginePrimary,
		Meta: map[string]interface{}{
			"operation_url": operationURL,
			"poll_attempts": pollAttempts,
			"api_version":   c.cfg.APIVersion,
		},
	}, nil
}

// submit posts the document once and returns the operation handle
func (c *DocIntelClient) submit(ctx context.Context, analyzeURL string, document []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, analyzeURL, bytes.NewReader(document))
	if err != nil {
		return "", apperrors.NewStageErrorf(apperrors.StageAzureCall, "failed to create request: %v", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.APIKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request to Azure failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	operationURL := resp.Header.Get("Operation-Location")
	if operationURL == "" {
		return "", apperrors.NewStageError(apperrors.StageAzureCall, "Missing Operation-Location header from Azure response")
	}

	return operationURL, nil
}

func (c *DocIntelClient) submitFailure(ctx context.Context, attempts int, err error) *apperrors.StageError {
	if se, ok := apperrors.AsStageError(err); ok {
		return se
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return apperrors.NewTransientError(apperrors.StageAzureCall, fmt.Sprintf("Azure analyze failed: %v", ctxErr), err)
	}
	if c.cfg.Retry.Exhausted(attempts, err) {
		return apperrors.NewTransientError(apperrors.StageAzureCall,
			fmt.Sprintf("Azure analyze failed after retries: %v", err), err)
	}

	se := apperrors.NewStageErrorf(apperrors.StageAzureCall, "Azure analyze failed: %v", err)
	se.Cause = err
	if IsTransient(err) {
		se.Kind = apperrors.KindTransient
	}
	return se
}

// pollOperation long-polls the operation until it succeeds, fails, or the poll budget runs out
func (c *DocIntelClient) pollOperation(ctx context.Context, operationURL string) (*AnalyzeOperation, int, error) {
	pollURL := withAPIVersion(operationURL, c.cfg.APIVersion)

	var result *AnalyzeOperation
	attempts, err := c.cfg.Poll.Poll(ctx, func(ctx context.Context, attempt int) (bool, error) {
		operation, err := c.getOperation(ctx, pollURL)
		if err != nil {
			if ctx.Err() != nil {
				return true, apperrors.NewTransientError(apperrors.StageAzureCall,
					fmt.Sprintf("Azure poll interrupted on attempt %d: %v", attempt, ctx.Err()), err)
			}
			se := apperrors.NewStageErrorf(apperrors.StageAzureCall, "Azure poll failed on attempt %d: %v", attempt, err)
			se.Cause = err
			if IsTransient(err) {
				se.Kind = apperrors.KindTransient
			}
			return true, se
		}

		status := strings.ToLower(operation.Status)
		c.logger.Debug("Operation status", "attempt", attempt, "status", status)

		switch status {
		case "succeeded":
			result = operation
			return true, nil
		case "failed", "canceled":
			return true, apperrors.NewStageErrorf(apperrors.StageAzureCall, "Azure OCR %s: %s", status, operation.FailureMessage())
		default:
			// notStarted, running
			return false, nil
		}
	})

	switch {
	case errors.Is(err, ErrPollExhausted):
		return nil, attempts, apperrors.NewTransientError(apperrors.StageAzureCall,
			fmt.Sprintf("Azure OCR timed out while polling (%d attempts)", c.cfg.Poll.Attempts), err)
	case err != nil:
		if se, ok := apperrors.AsStageError(err); ok {
			return nil, attempts, se
		}
		return nil, attempts, apperrors.NewTransientError(apperrors.StageAzureCall,
			fmt.Sprintf("Azure poll interrupted: %v", err), err)
	}

	return result, attempts, nil
}

// getOperation fetches the operation status once
func (c *DocIntelClient) getOperation(ctx context.Context, pollURL string) (*AnalyzeOperation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read poll response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(body)), maxErrorBody)}
	}

	var operation AnalyzeOperation
	if err := json.Unmarshal(body, &operation); err != nil {
		return nil, fmt.Errorf("failed to parse poll response: %w", err)
	}

	return &operation, nil
}

// withAPIVersion adds the api-version query parameter when the handle lacks one
func withAPIVersion(rawURL, version string) string {
	u, err := url.Parse(rawURL)
	if err != nil || version == "" {
		return rawURL
	}
	q := u.Query()
	if q.Get("api-version") != "" {
		return rawURL
	}
	q.Set("api-version", version)
	u.RawQuery = q.Encode()
	return u.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
