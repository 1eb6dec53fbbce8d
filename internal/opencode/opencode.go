// Package opencode builds the HTTP clients used to talk to a supervised
// OpenCode server.
//
// The server ships two API generations, so two independently versioned
// clients are constructed against the same base URL. Call sites pick the
// generation they need: v1 carries session management and synchronous chat
// turns, v2 carries the event stream and abort control.
package opencode

import (
	"net/http"

	"github.com/zjrosen/telecode/internal/opencode/v1"
	"github.com/zjrosen/telecode/internal/opencode/v2"
)

// Clients bundles both API clients for one server instance.
type Clients struct {
	V1 *v1.Client
	V2 *v2.Client
}

// BuildClients constructs both clients against baseURL. They share one
// transport with timeouts disabled: a chat turn can legitimately run for
// minutes while the model works, and the event stream is open indefinitely.
// Plain composition, no retries, no instrumentation; failures surface to
// the caller unchanged.
func BuildClients(baseURL string) Clients {
	httpClient := &http.Client{Timeout: 0}
	return Clients{
		V1: v1.New(baseURL, httpClient),
		V2: v2.New(baseURL, httpClient),
	}
}
