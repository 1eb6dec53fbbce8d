// Package octest runs an in-memory stand-in for the OpenCode server API.
// Tests point clients (or a whole supervisor, via the forced-port
// environment variable) at it instead of spawning a real server.
package octest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/zjrosen/telecode/internal/opencode/v1"
)

// Server is a fake OpenCode API covering the endpoints the bot exercises:
// session CRUD, chat turns, abort and the SSE event stream.
type Server struct {
	ts *httptest.Server

	mu       sync.Mutex
	sessions map[string]v1.Session
	messages map[string][]v1.Message
	aborts   []string
	nextID   int
	reply    func(prompt string) string

	sseMu   sync.Mutex
	sseSubs map[int]chan []byte
	sseNext int
}

// New starts a fake server and registers its shutdown with t.
func New(t *testing.T) *Server {
	t.Helper()

	s := &Server{
		sessions: make(map[string]v1.Session),
		messages: make(map[string][]v1.Message),
		sseSubs:  make(map[int]chan []byte),
		reply: func(prompt string) string {
			return "echo: " + prompt
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /session", s.handleListSessions)
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("DELETE /session/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /session/{id}/message", s.handleListMessages)
	mux.HandleFunc("POST /session/{id}/message", s.handleSendMessage)
	mux.HandleFunc("POST /session/{id}/prompt", s.handleSendMessage)
	mux.HandleFunc("POST /session/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /event", s.handleEvents)

	s.ts = httptest.NewServer(mux)
	t.Cleanup(s.ts.Close)
	return s
}

// URL returns the fake server's base URL.
func (s *Server) URL() string { return s.ts.URL }

// Port returns the loopback port the fake listens on.
func (s *Server) Port() int {
	return s.ts.Listener.Addr().(*net.TCPAddr).Port
}

// SetReply replaces the canned assistant reply builder.
func (s *Server) SetReply(fn func(prompt string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = fn
}

// Sessions returns the stored sessions sorted by id.
func (s *Server) Sessions() []v1.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]v1.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Aborts returns the session ids that received abort calls.
func (s *Server) Aborts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.aborts))
	copy(out, s.aborts)
	return out
}

// Seed installs a session without going through the API.
func (s *Server) Seed(session v1.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

// PushEvent emits one SSE event to every connected stream.
func (s *Server) PushEvent(eventType string, properties any) {
	props, err := json.Marshal(properties)
	if err != nil {
		props = []byte("{}")
	}
	data, err := json.Marshal(map[string]json.RawMessage{
		"type":       json.RawMessage(fmt.Sprintf("%q", eventType)),
		"properties": props,
	})
	if err != nil {
		return
	}

	s.sseMu.Lock()
	defer s.sseMu.Unlock()
	for _, sub := range s.sseSubs {
		select {
		case sub <- data:
		default:
		}
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Sessions())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	s.nextID++
	now := time.Now().UnixMilli()
	session := v1.Session{
		ID:      fmt.Sprintf("ses_%03d", s.nextID),
		Title:   body.Title,
		Version: "0.1.0",
		Time:    v1.SessionTime{Created: now, Updated: now},
	}
	s.sessions[session.ID] = session
	s.mu.Unlock()

	writeJSON(w, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	_, found := s.sessions[id]
	delete(s.sessions, id)
	delete(s.messages, id)
	s.mu.Unlock()

	if !found {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]bool{"deleted": true})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	messages := append([]v1.Message(nil), s.messages[id]...)
	s.mu.Unlock()

	writeJSON(w, messages)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req v1.PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	var prompt string
	for _, part := range req.Parts {
		if part.Type == "text" {
			prompt += part.Text
		}
	}

	s.mu.Lock()
	if _, found := s.sessions[id]; !found {
		s.mu.Unlock()
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	modelID := "default-model"
	if req.Model != nil {
		modelID = req.Model.ModelID
	}

	s.nextID++
	user := v1.Message{
		Info:  v1.MessageInfo{ID: fmt.Sprintf("msg_%03d", s.nextID), Role: "user", SessionID: id},
		Parts: []v1.Part{{Type: "text", Text: prompt}},
	}
	s.nextID++
	assistant := v1.Message{
		Info:  v1.MessageInfo{ID: fmt.Sprintf("msg_%03d", s.nextID), Role: "assistant", SessionID: id, ModelID: modelID},
		Parts: []v1.Part{{Type: "text", Text: s.reply(prompt)}},
	}
	s.messages[id] = append(s.messages[id], user, assistant)
	s.mu.Unlock()

	writeJSON(w, assistant)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	s.aborts = append(s.aborts, id)
	s.mu.Unlock()

	writeJSON(w, map[string]bool{"aborted": true})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := make(chan []byte, 16)
	s.sseMu.Lock()
	s.sseNext++
	id := s.sseNext
	s.sseSubs[id] = sub
	s.sseMu.Unlock()

	defer func() {
		s.sseMu.Lock()
		delete(s.sseSubs, id)
		s.sseMu.Unlock()
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-sub:
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
