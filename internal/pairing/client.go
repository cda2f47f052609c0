package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// peerRecord is the ping endpoint's response. Extra fields are ignored.
type peerRecord struct {
	InternalCode int    `json:"internalCode"`
	BotID        string `json:"botId"`
}

// signalRecord is the deploy-signal endpoint's response.
type signalRecord struct {
	Deploy bool `json:"deploy"`
}

// Client talks to the coordination service. The probe and signal calls go
// through a plain http.Client: their retry policy belongs to the machine,
// one bounded request per attempt. Only the fire-and-forget wake request
// uses a retrying client.
type Client struct {
	baseURL      string
	pingURL      string
	botID        string
	internalCode int

	http   *http.Client
	wake   *http.Client
	logger *slog.Logger
}

// NewClient creates a coordination-service client. connectTimeout bounds
// each probe and signal request.
func NewClient(baseURL, pingURL, botID string, internalCode int, connectTimeout time.Duration, logger *slog.Logger) *Client {
	if pingURL == "" {
		pingURL = baseURL + "/sync/ping?botId=" + url.QueryEscape(botID)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.Logger = nil // suppress default logging

	return &Client{
		baseURL:      baseURL,
		pingURL:      pingURL,
		botID:        botID,
		internalCode: internalCode,
		http:         &http.Client{Timeout: connectTimeout},
		wake:         retryClient.StandardClient(),
		logger:       logger,
	}
}

// ProbeOnce issues a single bounded probe against the ping URL. It reports
// the peer's identifier and whether a valid twin answered. Every failure
// class collapses to "not found": timeout, refused connection, non-2xx,
// malformed body, wrong pairing code, or our own botId echoed back. An
// empty peer identifier is rejected too, slightly stricter than "differs
// from self": a record that names no peer cannot be paired with.
func (c *Client) ProbeOnce(ctx context.Context) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pingURL, nil)
	if err != nil {
		return "", false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("probe failed", "err", err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("probe rejected", "status", resp.StatusCode)
		return "", false
	}

	var peer peerRecord
	if err := json.NewDecoder(resp.Body).Decode(&peer); err != nil {
		c.logger.Debug("probe body malformed", "err", err)
		return "", false
	}

	// A twin must share our pairing code and must not be ourselves.
	if peer.InternalCode != c.internalCode || peer.BotID == c.botID || peer.BotID == "" {
		return "", false
	}
	return peer.BotID, true
}

// DeploySignal polls the deploy-signal endpoint once and reports whether
// deployment was approved.
func (c *Client) DeploySignal(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/deploySignal", nil)
	if err != nil {
		return false, fmt.Errorf("create signal request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("poll deploy signal: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("poll deploy signal: unexpected status %d", resp.StatusCode)
	}

	var sig signalRecord
	if err := json.NewDecoder(resp.Body).Decode(&sig); err != nil {
		return false, fmt.Errorf("decode deploy signal: %w", err)
	}
	return sig.Deploy, nil
}

// Wake asks the coordination service to initiate pairing toward this
// agent. The response body is ignored; only success or failure matters.
func (c *Client) Wake(ctx context.Context) error {
	body, err := json.Marshal(map[string]int{"internalCode": c.internalCode})
	if err != nil {
		return fmt.Errorf("marshal wake request: %w", err)
	}

	wakeURL := c.baseURL + "/sync/wake?botId=" + url.QueryEscape(c.botID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wakeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create wake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.wake.Do(req)
	if err != nil {
		return fmt.Errorf("send wake: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send wake: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// PingURL reports the resolved twin-discovery endpoint.
func (c *Client) PingURL() string { return c.pingURL }
