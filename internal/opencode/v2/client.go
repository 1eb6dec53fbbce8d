// Package v2 is the client for the second-generation OpenCode server API.
// It covers chat turns on the prompt endpoint, the server event stream and
// turn abort control; session CRUD stays on v1. The message wire shapes are
// unchanged between generations, so the v1 types are reused.
package v2

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/zjrosen/telecode/internal/opencode/v1"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("opencode v2: status %d: %s", e.Status, e.Body)
}

// Client talks to one OpenCode server instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for baseURL using the given transport.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// BaseURL returns the server URL this client is bound to.
func (c *Client) BaseURL() string { return c.baseURL }

// Event is one server-sent event. Properties stay raw; consumers decode the
// payloads for the types they care about.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Event types the bot consumes. The server emits more; unknown types pass
// through with their raw payloads.
const (
	EventSessionIdle    = "session.idle"
	EventSessionError   = "session.error"
	EventMessageUpdated = "message.updated"
	EventPartUpdated    = "message.part.updated"
)

// Prompt runs one chat turn and blocks until the assistant reply is
// complete. This replaces the first generation's message endpoint; with
// transport timeouts disabled a turn can take minutes.
func (c *Client) Prompt(ctx context.Context, sessionID string, req v1.PromptRequest) (*v1.Message, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding prompt: %w", err)
	}

	path := c.baseURL + "/session/" + url.PathEscape(sessionID) + "/prompt"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var reply v1.Message
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decoding reply: %w", err)
	}
	return &reply, nil
}

// Abort cancels the in-flight turn of a session, if any. Aborting an idle
// session is not an error on the server side.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	path := c.baseURL + "/session/" + url.PathEscape(sessionID) + "/abort"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Events opens the server's SSE stream and decodes events onto the returned
// channel. The channel closes when the stream ends or ctx is cancelled.
// One server instance has exactly one event stream; reconnecting after a
// restart is the caller's job since the port may have changed.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode, Body: string(data)}
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			var event Event
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
