package v1_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/telecode/internal/opencode/octest"
	"github.com/zjrosen/telecode/internal/opencode/v1"
)

func TestClient_SessionLifecycle(t *testing.T) {
	fake := octest.New(t)
	client := v1.New(fake.URL(), nil)
	ctx := context.Background()

	created, err := client.CreateSession(ctx, "weekend refactor")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "weekend refactor", created.Title)

	sessions, err := client.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, created.ID, sessions[0].ID)

	messages, err := client.Messages(ctx, created.ID)
	require.NoError(t, err)
	require.Empty(t, messages)

	reply, err := client.SendMessage(ctx, created.ID, v1.TextPrompt("list the files", nil))
	require.NoError(t, err)
	require.Equal(t, "assistant", reply.Info.Role)
	require.Equal(t, created.ID, reply.Info.SessionID)
	require.Equal(t, "echo: list the files", reply.Parts[0].Text)

	messages, err = client.Messages(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "user", messages[0].Info.Role)
	require.Equal(t, "assistant", messages[1].Info.Role)

	require.NoError(t, client.DeleteSession(ctx, created.ID))

	sessions, err = client.ListSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestClient_SendMessageCarriesModel(t *testing.T) {
	fake := octest.New(t)
	client := v1.New(fake.URL(), nil)
	ctx := context.Background()

	session, err := client.CreateSession(ctx, "")
	require.NoError(t, err)

	model := &v1.ModelRef{ProviderID: "anthropic", ModelID: "claude-sonnet-4"}
	reply, err := client.SendMessage(ctx, session.ID, v1.TextPrompt("hi", model))
	require.NoError(t, err)
	require.Equal(t, "claude-sonnet-4", reply.Info.ModelID)
}

func TestClient_NotFoundIsAPIError(t *testing.T) {
	fake := octest.New(t)
	client := v1.New(fake.URL(), nil)

	err := client.DeleteSession(context.Background(), "ses_missing")

	var apiErr *v1.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.Contains(t, apiErr.Body, "not found")
}

func TestClient_Health(t *testing.T) {
	fake := octest.New(t)
	client := v1.New(fake.URL(), nil)
	require.NoError(t, client.Health(context.Background()))
}

func TestClient_HealthServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(ts.Close)

	client := v1.New(ts.URL, nil)
	err := client.Health(context.Background())

	var apiErr *v1.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestTextPrompt(t *testing.T) {
	prompt := v1.TextPrompt("hello", nil)
	require.Nil(t, prompt.Model)
	require.Len(t, prompt.Parts, 1)
	require.Equal(t, "text", prompt.Parts[0].Type)
	require.Equal(t, "hello", prompt.Parts[0].Text)
}
