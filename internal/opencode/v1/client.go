// Package v1 is the client for the first-generation OpenCode server API.
// It covers session management and synchronous chat turns.
package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("opencode v1: status %d: %s", e.Status, e.Body)
}

// Client talks to one OpenCode server instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for baseURL using the given transport. The transport
// is shared with the v2 client; timeouts are the caller's concern.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// BaseURL returns the server URL this client is bound to.
func (c *Client) BaseURL() string { return c.baseURL }

// Session is one OpenCode conversation with its own history and context.
type Session struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Directory string      `json:"directory"`
	Version   string      `json:"version"`
	Time      SessionTime `json:"time"`
}

// SessionTime carries unix-millisecond timestamps.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// Part is one unit of message content: text, reasoning, a tool call.
type Part struct {
	ID    string     `json:"id,omitempty"`
	Type  string     `json:"type"`
	Text  string     `json:"text,omitempty"`
	Tool  string     `json:"tool,omitempty"`
	State *ToolState `json:"state,omitempty"`
}

// ToolState describes a tool call's progress and result.
type ToolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Title  string          `json:"title,omitempty"`
}

// MessageInfo is the metadata half of a message.
type MessageInfo struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	SessionID string `json:"sessionID"`
	ModelID   string `json:"modelID,omitempty"`
}

// Message pairs metadata with content parts.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// ModelRef names a provider/model pair for a chat turn.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// PromptRequest is the body for a chat turn.
type PromptRequest struct {
	Model *ModelRef `json:"model,omitempty"`
	Parts []Part    `json:"parts"`
}

// TextPrompt builds a single-part text prompt.
func TextPrompt(text string, model *ModelRef) PromptRequest {
	return PromptRequest{
		Model: model,
		Parts: []Part{{Type: "text", Text: text}},
	}
}

// ListSessions returns all sessions known to the server.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/session", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession creates a session. Title may be empty; the server will name
// the session from the first prompt.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	var session Session
	if err := c.do(ctx, http.MethodPost, "/session", body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession removes a session and its history.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil, nil)
}

// Messages returns a session's full message history, oldest first.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var messages []Message
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// SendMessage runs one chat turn and blocks until the assistant reply is
// complete. With transport timeouts disabled this can take minutes.
func (c *Client) SendMessage(ctx context.Context, sessionID string, req PromptRequest) (*Message, error) {
	var reply Message
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.do(ctx, http.MethodPost, path, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Health checks whether the server is answering. Any response below 500
// counts, matching the supervisor's readiness rule.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/session", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusInternalServerError {
		return &APIError{Status: resp.StatusCode, Body: readBody(resp.Body)}
	}
	return nil
}

// do runs one request with a JSON body and decodes a JSON response into out.
// Both body and out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: readBody(resp.Body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func readBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	return string(data)
}
