// Package engine is the HTTP client for the remote conversation engine.
// Engine state is ephemeral: any call can come back not-found after a
// restart or eviction, and callers are expected to treat that as the
// trigger for restoration rather than a hard failure.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrSessionNotFound = errors.New("engine: session not found")
	ErrThreadNotFound  = errors.New("engine: thread not found")
)

// IsNotFound reports whether err marks missing engine state.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrThreadNotFound)
}

// Message is the engine's wire representation of a thread message.
type Message struct {
	ID       string   `json:"id"`
	Sender   string   `json:"sender"`
	Content  string   `json:"content"`
	Mentions []string `json:"mentions,omitempty"`
}

type SendMessageParams struct {
	Sender   string   `json:"sender"`
	Content  string   `json:"content"`
	Mentions []string `json:"mentions,omitempty"`
	// Replay marks a synthetic send issued during restoration so the
	// engine refills history without triggering a fresh agent turn.
	Replay bool `json:"replay,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreateSession asks the engine for a session, optionally requesting a
// specific identifier. The engine is not obliged to honor the request;
// the returned id is authoritative.
func (c *Client) CreateSession(ctx context.Context, requestedID string, agentIDs []string) (string, error) {
	body := map[string]any{
		"agents": agentIDs,
	}
	if requestedID != "" {
		body["sessionId"] = requestedID
	}

	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &resp, nil); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("engine returned empty session id")
	}
	return resp.SessionID, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]string, error) {
	var resp struct {
		Sessions []string `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// SessionExists probes the engine's active-session list. This is the
// cheap existence check used before any heavier restoration work.
func (c *Client) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range sessions {
		if id == sessionID {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) ListThreads(ctx context.Context, sessionID, agentID string) ([]string, error) {
	var resp struct {
		Threads []string `json:"threads"`
	}
	path := fmt.Sprintf("/sessions/%s/agents/%s/threads",
		url.PathEscape(sessionID), url.PathEscape(agentID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, ErrSessionNotFound); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

func (c *Client) ThreadExists(ctx context.Context, sessionID, agentID, threadID string) (bool, error) {
	path := c.threadPath(sessionID, agentID, threadID)
	err := c.do(ctx, http.MethodGet, path, nil, nil, ErrThreadNotFound)
	if errors.Is(err, ErrThreadNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateThread creates a remote thread with an explicit participant list
// and returns the engine-assigned thread identifier.
func (c *Client) CreateThread(ctx context.Context, sessionID, agentID string, participants []string) (string, error) {
	body := map[string]any{
		"participants": participants,
	}
	var resp struct {
		ThreadID string `json:"threadId"`
	}
	path := fmt.Sprintf("/sessions/%s/agents/%s/threads",
		url.PathEscape(sessionID), url.PathEscape(agentID))
	if err := c.do(ctx, http.MethodPost, path, body, &resp, ErrSessionNotFound); err != nil {
		return "", err
	}
	if resp.ThreadID == "" {
		return "", fmt.Errorf("engine returned empty thread id")
	}
	return resp.ThreadID, nil
}

func (c *Client) DeleteThread(ctx context.Context, sessionID, agentID, threadID string) error {
	return c.do(ctx, http.MethodDelete, c.threadPath(sessionID, agentID, threadID), nil, nil, ErrThreadNotFound)
}

// SendMessage delivers one message to a thread and returns any agent
// replies the engine produced synchronously.
func (c *Client) SendMessage(ctx context.Context, sessionID, agentID, threadID string, params SendMessageParams) ([]Message, error) {
	var resp struct {
		Replies []Message `json:"replies"`
	}
	path := c.threadPath(sessionID, agentID, threadID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, params, &resp, ErrThreadNotFound); err != nil {
		return nil, err
	}
	return resp.Replies, nil
}

func (c *Client) ListMessages(ctx context.Context, sessionID, agentID, threadID string) ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	path := c.threadPath(sessionID, agentID, threadID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, ErrThreadNotFound); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) threadPath(sessionID, agentID, threadID string) string {
	return fmt.Sprintf("/sessions/%s/agents/%s/threads/%s",
		url.PathEscape(sessionID), url.PathEscape(agentID), url.PathEscape(threadID))
}

// do issues one request and decodes a JSON response into out (when non-nil).
// A 404 is mapped via the engine's error code when present, falling back to
// notFound, so callers can tell missing sessions from missing threads.
func (c *Client) do(ctx context.Context, method, path string, body, out any, notFound error) error {
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
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		log.Warn().
			Err(err).
			Str("method", method).
			Str("path", path).
			Dur("elapsed", elapsed).
			Msg("engine request error")
		return fmt.Errorf("engine request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return c.notFoundError(resp.Body, notFound)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).
			Msg("engine request failed")
		return fmt.Errorf("engine returned status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func (c *Client) notFoundError(body io.Reader, fallback error) error {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err == nil {
		switch payload.Code {
		case "SESSION_NOT_FOUND":
			return ErrSessionNotFound
		case "THREAD_NOT_FOUND":
			return ErrThreadNotFound
		}
	}
	if fallback != nil {
		return fallback
	}
	return ErrSessionNotFound
}
