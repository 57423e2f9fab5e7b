package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"portal-realtime/internal/domain"
	"portal-realtime/pkg/logger"
)

const (
	heartbeatPath         = "/api/v1/presence/heartbeat"
	pushSubscriptionsPath = "/api/v1/push/subscriptions"
)

// Client talks to the portal REST API: the presence heartbeat and the push
// subscription sync.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        logger.Logger
}

func NewClient(baseURL string, timeout time.Duration, log logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func (c *Client) SendHeartbeat(ctx context.Context, token string) error {
	resp, err := c.do(ctx, http.MethodPost, heartbeatPath, token, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, heartbeatPath)
	}
	return nil
}

// SyncSubscription posts the device registration. An empty token sends the
// request anonymously; the body then must carry the anonymous id.
func (c *Client) SyncSubscription(ctx context.Context, token string, req domain.PushSyncRequest) (*domain.PushSyncResponse, error) {
	resp, err := c.do(ctx, http.MethodPost, pushSubscriptionsPath, token, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.log.Warn("Push sync rejected", "status", resp.StatusCode, "body", string(body))
		return nil, classifyStatus(resp.StatusCode, pushSubscriptionsPath)
	}

	var out domain.PushSyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode push sync response: %w", domain.ErrTransport)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", method, path, err, domain.ErrTransport)
	}
	return resp, nil
}

// classifyStatus maps timeouts, throttling and server faults to the
// retryable transport class; any other status is a rejection.
func classifyStatus(status int, path string) error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%s returned %d: %w", path, status, domain.ErrTransport)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%s returned %d: %w: %w", path, status, domain.ErrServerRejected, domain.ErrUnauthorized)
	default:
		return fmt.Errorf("%s returned %d: %w", path, status, domain.ErrServerRejected)
	}
}
