package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/liamashdown/claimwatch/internal/claim"
	"github.com/liamashdown/claimwatch/internal/config"
	"github.com/liamashdown/claimwatch/internal/metrics"
	"github.com/liamashdown/claimwatch/internal/ratelimit"
	"github.com/sirupsen/logrus"
)

// Dependency names the oracle in TransientDependencyError
const Dependency = "scoring-oracle"

const scorePath = "/v1/score"

// errPermanent marks responses that retrying will not fix
var errPermanent = errors.New("permanent oracle error")

// Client calls the external batch scoring service
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	log        *logrus.Logger
}

// NewClient creates a new scoring oracle client
func NewClient(cfg config.OracleConfig, log *logrus.Logger) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		retryDelay: 250 * time.Millisecond,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    ratelimit.New(cfg.RPS),
		log:        log,
	}
}

// Score submits one batch of candidates and returns a parallel slice of
// confidence scores in [0,1]. The whole call, retries included, is bounded
// by the configured timeout. Every failure is a *claim.TransientDependencyError.
func (c *Client) Score(ctx context.Context, candidates []claim.Candidate) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(newScoreRequest(candidates))
	if err != nil {
		return nil, claim.Transient(Dependency, fmt.Errorf("marshal request: %w", err))
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, claim.Transient(Dependency, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr))
			case <-time.After(delay):
			}
		}

		start := time.Now()
		scores, err := c.post(ctx, body, len(candidates))
		metrics.RecordAPIRequest("oracle", scorePath, time.Since(start), err)
		if err == nil {
			return scores, nil
		}
		lastErr = err

		if errors.Is(err, errPermanent) || ctx.Err() != nil {
			break
		}

		c.log.WithFields(logrus.Fields{
			"attempt":    attempt + 1,
			"candidates": len(candidates),
			"error":      err.Error(),
		}).Warn("Scoring oracle request failed, retrying")
	}

	return nil, claim.Transient(Dependency, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte, expected int) ([]float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+scorePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%d from oracle - check ORACLE_API_KEY: %w", resp.StatusCode, errPermanent)
	}

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("%v: %w", err, errPermanent)
		}
		return nil, err
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if len(out.Scores) != expected {
		return nil, fmt.Errorf("oracle returned %d scores for %d candidates: %w", len(out.Scores), expected, errPermanent)
	}
	for i, s := range out.Scores {
		if s < 0 || s > 1 {
			return nil, fmt.Errorf("score %d out of range: %v: %w", i, s, errPermanent)
		}
	}

	return out.Scores, nil
}
