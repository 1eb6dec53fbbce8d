package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChatRepository_SetAndGetSession(t *testing.T) {
	repo := newTestStore(t).Chats()

	err := repo.SetSession(100, "ses_abc", "fix the tests", "claude-sonnet-4")
	require.NoError(t, err, "SetSession should succeed")

	binding, err := repo.Session(100)
	require.NoError(t, err, "Session should find the binding")
	require.Equal(t, int64(100), binding.ChatID)
	require.Equal(t, "ses_abc", binding.SessionID)
	require.Equal(t, "fix the tests", binding.Title)
	require.Equal(t, "claude-sonnet-4", binding.Model)
	require.False(t, binding.UpdatedAt.IsZero(), "UpdatedAt should be set")
}

func TestChatRepository_SessionNotFound(t *testing.T) {
	repo := newTestStore(t).Chats()

	_, err := repo.Session(404)
	require.ErrorIs(t, err, ErrNotFound, "Unbound chat should return ErrNotFound")
}

func TestChatRepository_RebindKeepsModelWhenEmpty(t *testing.T) {
	repo := newTestStore(t).Chats()

	require.NoError(t, repo.SetSession(7, "ses_old", "first", "claude-opus-4"))
	// A /new session does not name a model; the chat's choice must survive.
	require.NoError(t, repo.SetSession(7, "ses_new", "second", ""))

	binding, err := repo.Session(7)
	require.NoError(t, err)
	require.Equal(t, "ses_new", binding.SessionID, "Rebind should replace the session")
	require.Equal(t, "claude-opus-4", binding.Model, "Empty model should keep the previous choice")

	// An explicit model replaces the stored one.
	require.NoError(t, repo.SetSession(7, "ses_new", "second", "claude-haiku-4"))
	binding, err = repo.Session(7)
	require.NoError(t, err)
	require.Equal(t, "claude-haiku-4", binding.Model)
}

func TestChatRepository_SetModel(t *testing.T) {
	repo := newTestStore(t).Chats()

	require.ErrorIs(t, repo.SetModel(1, "claude-sonnet-4"), ErrNotFound, "SetModel on unbound chat should fail")

	require.NoError(t, repo.SetSession(1, "ses_1", "", ""))
	require.NoError(t, repo.SetModel(1, "claude-sonnet-4"))

	binding, err := repo.Session(1)
	require.NoError(t, err)
	require.Equal(t, "claude-sonnet-4", binding.Model)
}

func TestChatRepository_ClearSession(t *testing.T) {
	repo := newTestStore(t).Chats()

	require.NoError(t, repo.SetSession(5, "ses_5", "", ""))
	require.NoError(t, repo.ClearSession(5))

	_, err := repo.Session(5)
	require.ErrorIs(t, err, ErrNotFound, "Cleared binding should be gone")

	require.NoError(t, repo.ClearSession(5), "Clearing an unbound chat should be a no-op")
}

func TestChatRepository_ActiveChats(t *testing.T) {
	repo := newTestStore(t).Chats()

	require.NoError(t, repo.SetSession(1, "ses_1", "older", ""))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, repo.SetSession(2, "ses_2", "newer", ""))

	chats, err := repo.ActiveChats()
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, int64(2), chats[0].ChatID, "Most recently updated binding should come first")
	require.Equal(t, int64(1), chats[1].ChatID)
}

func TestChatRepository_LogAndListMessages(t *testing.T) {
	repo := newTestStore(t).Chats()

	require.NoError(t, repo.LogMessage(9, "ses_9", "user", "first"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, repo.LogMessage(9, "ses_9", "assistant", "second"))
	require.NoError(t, repo.LogMessage(8, "ses_8", "user", "other chat"))

	records, err := repo.RecentMessages(9, 10)
	require.NoError(t, err)
	require.Len(t, records, 2, "Only the requested chat's messages should come back")
	require.Equal(t, "second", records[0].Preview, "Newest message should come first")
	require.Equal(t, "assistant", records[0].Role)
	require.Equal(t, "first", records[1].Preview)

	limited, err := repo.RecentMessages(9, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestChatRepository_LogMessageTruncatesPreview(t *testing.T) {
	repo := newTestStore(t).Chats()

	long := strings.Repeat("x", 500)
	require.NoError(t, repo.LogMessage(3, "ses_3", "assistant", long))

	records, err := repo.RecentMessages(3, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, records[0].Preview, previewLimit, "Preview should be capped")
}
