package v2_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/telecode/internal/opencode/octest"
	"github.com/zjrosen/telecode/internal/opencode/v1"
	"github.com/zjrosen/telecode/internal/opencode/v2"
)

func TestClient_PromptReturnsAssistantReply(t *testing.T) {
	fake := octest.New(t)
	client := v2.New(fake.URL(), nil)

	session, err := v1.New(fake.URL(), nil).CreateSession(context.Background(), "prompt test")
	require.NoError(t, err)

	reply, err := client.Prompt(context.Background(), session.ID, v1.TextPrompt("hello", nil))
	require.NoError(t, err)
	require.Equal(t, "assistant", reply.Info.Role)
	require.Len(t, reply.Parts, 1)
	require.Equal(t, "echo: hello", reply.Parts[0].Text)
}

func TestClient_PromptUnknownSession(t *testing.T) {
	fake := octest.New(t)
	client := v2.New(fake.URL(), nil)

	_, err := client.Prompt(context.Background(), "ses_999", v1.TextPrompt("hello", nil))

	var apiErr *v2.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestClient_Abort(t *testing.T) {
	fake := octest.New(t)
	client := v2.New(fake.URL(), nil)

	require.NoError(t, client.Abort(context.Background(), "ses_001"))
	require.Equal(t, []string{"ses_001"}, fake.Aborts())
}

func TestClient_AbortServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"broken"}`, http.StatusInternalServerError)
	}))
	t.Cleanup(ts.Close)

	client := v2.New(ts.URL, nil)
	err := client.Abort(context.Background(), "ses_001")

	var apiErr *v2.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestClient_EventsDeliversPushedEvents(t *testing.T) {
	fake := octest.New(t)
	client := v2.New(fake.URL(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := client.Events(ctx)
	require.NoError(t, err)

	var got v2.Event
	require.Eventually(t, func() bool {
		fake.PushEvent(v2.EventSessionIdle, map[string]string{"sessionID": "ses_042"})
		select {
		case e, ok := <-events:
			if !ok {
				return false
			}
			got = e
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)

	require.Equal(t, v2.EventSessionIdle, got.Type)

	var props struct {
		SessionID string `json:"sessionID"`
	}
	require.NoError(t, json.Unmarshal(got.Properties, &props))
	require.Equal(t, "ses_042", props.SessionID)
}

func TestClient_EventsClosesOnCancel(t *testing.T) {
	fake := octest.New(t)
	client := v2.New(fake.URL(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := client.Events(ctx)
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond, "event channel must close once the stream ends")
}

func TestClient_EventsBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no stream"}`, http.StatusNotFound)
	}))
	t.Cleanup(ts.Close)

	client := v2.New(ts.URL, nil)
	_, err := client.Events(context.Background())

	var apiErr *v2.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
}
