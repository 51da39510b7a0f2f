package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/basket/agentlens/internal/envelope"
)

// Outcome is the collector's verdict on one envelope.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

// ErrTransient reports a retryable delivery failure: network error, timeout,
// or a 5xx from the collector. The envelope's fate is unknown; redelivery is
// safe because ingestion is idempotent.
var ErrTransient = errors.New("delivery: transient failure")

// RejectedError reports a permanent rejection. The envelope is a producer
// bug; a well-behaved sender never retries it.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("delivery: rejected: %s", e.Reason)
}

// ItemResult is the collector's per-envelope verdict within a batch.
type ItemResult struct {
	EventID string  `json:"event_id"`
	Status  Outcome `json:"status"`
	Reason  string  `json:"reason,omitempty"`
}

// BatchResult is the collector's response to a batch submission.
type BatchResult struct {
	Results    []ItemResult `json:"results"`
	Accepted   int          `json:"accepted"`
	Duplicates int          `json:"duplicates"`
	Rejected   int          `json:"rejected"`
	Total      int          `json:"total"`
}

type singleResponse struct {
	Status Outcome `json:"status"`
	Reason string  `json:"reason,omitempty"`
}

type batchRequest struct {
	Events []envelope.Envelope `json:"events"`
}

// Client speaks the collector's ingest protocol.
type Client struct {
	hubURL string
	http   *http.Client
}

// NewClient creates a client for the hub at hubURL (e.g.
// "http://localhost:4000"). httpClient may be nil for http.DefaultClient;
// per-call deadlines come from the caller's context.
func NewClient(hubURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		hubURL: strings.TrimRight(hubURL, "/"),
		http:   httpClient,
	}
}

// Send submits one envelope. It returns the collector's verdict, a
// *RejectedError on permanent rejection, or an error wrapping ErrTransient
// for anything retryable.
func (c *Client) Send(ctx context.Context, env envelope.Envelope) (Outcome, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hubURL+"/events", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return OutcomeDuplicate, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeAccepted, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var parsed singleResponse
		reason := fmt.Sprintf("http %d", resp.StatusCode)
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&parsed); err == nil && parsed.Reason != "" {
			reason = parsed.Reason
		}
		return OutcomeRejected, &RejectedError{Reason: reason}
	default:
		return "", fmt.Errorf("%w: http %d", ErrTransient, resp.StatusCode)
	}
}

// SendBatch submits envs in one round trip and returns the per-item
// verdicts. A non-2xx response or transport failure fails the whole batch as
// transient; per-item rejection shows up inside the result, never as an
// error.
func (c *Client) SendBatch(ctx context.Context, envs []envelope.Envelope) (*BatchResult, error) {
	body, err := json.Marshal(batchRequest{Events: envs})
	if err != nil {
		return nil, fmt.Errorf("marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hubURL+"/events/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: batch http %d", ErrTransient, resp.StatusCode)
	}
	var result BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode batch response: %v", ErrTransient, err)
	}
	return &result, nil
}

// Healthz probes the collector's health endpoint.
func (c *Client) Healthz(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.hubURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("healthz: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("healthz: http %d", resp.StatusCode)
	}
	return body, nil
}
