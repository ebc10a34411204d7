package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/voicedesk/internal/signal"
)

// Client is the REST consumer for the queue and call endpoints. All calls are
// fallible network I/O with no implicit retry; retry policy belongs to the
// callers that own it.
type Client struct {
	baseURL string
	tokenFn signal.TokenFunc
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, tokenFn signal.TokenFunc, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		tokenFn: tokenFn,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger.Named("api"),
	}
}

// JoinResponse is the queue membership granted by POST /queue/join.
type JoinResponse struct {
	CustomerRef          string `json:"customerRef"`
	Position             int    `json:"position"`
	EstimatedWaitSeconds int    `json:"estimatedWaitSeconds"`
}

// JoinQueue enters the virtual queue.
func (c *Client) JoinQueue(ctx context.Context) (JoinResponse, error) {
	var out JoinResponse
	err := c.do(ctx, http.MethodPost, "/queue/join", nil, &out)
	return out, err
}

// LeaveQueue abandons queue membership.
func (c *Client) LeaveQueue(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/queue/leave", nil, nil)
}

// CallToken fetches the channel name and short-lived credential for a call.
func (c *Client) CallToken(ctx context.Context, callID string) (signal.SessionCredential, error) {
	var out signal.SessionCredential
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/calls/%s/token", callID), nil, &out)
	return out, err
}

// StartRecording asks the server to begin recording the call.
func (c *Client) StartRecording(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/calls/%s/recording/start", callID), nil, nil)
}

// StopRecording asks the server to stop recording the call.
func (c *Client) StopRecording(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/calls/%s/recording/stop", callID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.tokenFn()
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
