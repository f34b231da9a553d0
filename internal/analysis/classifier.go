// Package analysis classifies recorded replies for interest level and
// routes them through a bounded retry pipeline.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reachforge/outreach/internal/pkg/httpretry"
)

// Interest levels a classifier may assign.
const (
	InterestHigh   = "high"
	InterestMedium = "medium"
	InterestLow    = "low"
	InterestNone   = "none"
)

// ErrRateLimited signals the classifier is throttling us. The gate
// retries on its own cadence without burning an attempt.
var ErrRateLimited = errors.New("classifier rate limited")

// ErrMalformed signals the reply cannot be classified at all (empty
// body, unsupported content, verdict the service itself cannot form).
// Terminal: the gate marks the response analysis-failed without retry.
var ErrMalformed = errors.New("reply not classifiable")

// Verdict is the classifier's reading of one reply.
type Verdict struct {
	InterestLevel string   `json:"interest_level"`
	Summary       string   `json:"summary"`
	Quotes        []string `json:"quotes"`
}

// Classifier produces a Verdict for a reply body.
type Classifier interface {
	Classify(ctx context.Context, subject, body string) (Verdict, error)
}

// HTTPClassifier calls an external classification service. Transient
// 5xx responses retry inside the HTTP client; 429 is surfaced as
// ErrRateLimited so the gate can apply its own cadence.
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	client   httpretry.Doer
}

// NewHTTPClassifier builds a classifier against the given endpoint. 429
// is excluded from the HTTP retry set on purpose.
func NewHTTPClassifier(endpoint, apiKey string, timeout time.Duration) *HTTPClassifier {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClassifier{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: httpretry.New(&http.Client{Timeout: timeout}, 2,
			httpretry.WithRetryableStatuses(
				http.StatusInternalServerError,
				http.StatusBadGateway,
				http.StatusServiceUnavailable,
				http.StatusGatewayTimeout,
			)),
	}
}

type classifyRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Classify posts the reply and decodes the verdict.
func (c *HTTPClassifier) Classify(ctx context.Context, subject, body string) (Verdict, error) {
	if body == "" {
		return Verdict{}, ErrMalformed
	}

	payload, err := json.Marshal(classifyRequest{Subject: subject, Body: body})
	if err != nil {
		return Verdict{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("classify call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return Verdict{}, ErrRateLimited
	case resp.StatusCode == http.StatusUnprocessableEntity:
		io.Copy(io.Discard, resp.Body)
		return Verdict{}, ErrMalformed
	case resp.StatusCode != http.StatusOK:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, fmt.Errorf("classifier status %d: %s", resp.StatusCode, data)
	}

	var v Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("%w: decode verdict: %v", ErrMalformed, err)
	}
	if !validInterest(v.InterestLevel) {
		return Verdict{}, fmt.Errorf("%w: unknown interest level %q", ErrMalformed, v.InterestLevel)
	}
	return v, nil
}

func validInterest(level string) bool {
	switch level {
	case InterestHigh, InterestMedium, InterestLow, InterestNone:
		return true
	}
	return false
}
