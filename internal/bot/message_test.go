package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/zjrosen/telecode/internal/config"
	"github.com/zjrosen/telecode/internal/flags"
	"github.com/zjrosen/telecode/internal/opencode/v1"
	"github.com/zjrosen/telecode/internal/server"
	"github.com/zjrosen/telecode/internal/store"
)

func TestHandleText_FirstMessageCreatesSessionAndReplies(t *testing.T) {
	b, fake := testBot(t, config.Config{})
	fc := newFakeContext(100, "hello world")

	require.NoError(t, b.handleText(fc))

	require.Equal(t, "echo: hello world", fc.lastSent())
	require.Equal(t, string(tele.ModeMarkdownV2), fc.modes[len(fc.modes)-1])

	binding, err := b.chats.Session(100)
	require.NoError(t, err)
	require.NotEmpty(t, binding.SessionID)

	sessions := fake.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, "hello world", sessions[0].Title, "the first message names the session")

	records, err := b.chats.RecentMessages(100, 10)
	require.NoError(t, err)
	require.Len(t, records, 2, "user message and assistant reply are both audited")
}

func TestHandleText_ReusesBoundSession(t *testing.T) {
	b, fake := testBot(t, config.Config{})

	require.NoError(t, b.handleText(newFakeContext(100, "first")))
	require.NoError(t, b.handleText(newFakeContext(100, "second")))

	require.Len(t, fake.Sessions(), 1, "follow-up messages must stay in the same session")
}

func TestHandleText_SeparateChatsGetSeparateSessions(t *testing.T) {
	b, fake := testBot(t, config.Config{})

	require.NoError(t, b.handleText(newFakeContext(100, "from alice")))
	require.NoError(t, b.handleText(newFakeContext(200, "from the team")))

	require.Len(t, fake.Sessions(), 2)

	a, err := b.chats.Session(100)
	require.NoError(t, err)
	c, err := b.chats.Session(200)
	require.NoError(t, err)
	require.NotEqual(t, a.SessionID, c.SessionID)
}

func TestHandleText_BusyChatIsRefused(t *testing.T) {
	b, fake := testBot(t, config.Config{})

	// Bind the chat first so the blocked turn needs no session setup.
	require.NoError(t, b.handleText(newFakeContext(100, "warmup")))

	release := make(chan struct{})
	fake.SetReply(func(prompt string) string {
		if prompt == "slow" {
			<-release
		}
		return "echo: " + prompt
	})

	slow := newFakeContext(100, "slow")
	done := make(chan error, 1)
	go func() { done <- b.handleText(slow) }()

	require.Eventually(t, func() bool {
		b.busyMu.Lock()
		defer b.busyMu.Unlock()
		return len(b.busy) == 1
	}, 3*time.Second, 5*time.Millisecond, "the slow turn must register as busy")

	refused := newFakeContext(100, "impatient")
	require.NoError(t, b.handleText(refused))
	require.Contains(t, refused.lastSent(), "Still working")

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, "echo: slow", slow.lastSent())
}

func TestHandleText_StaleBindingClearedOn404(t *testing.T) {
	b, _ := testBot(t, config.Config{})

	// Warm the server up, then bind the chat to a session the server has
	// never heard of.
	require.NoError(t, b.handleText(newFakeContext(999, "warmup")))
	require.NoError(t, b.chats.SetSession(100, "ses_gone", "stale", ""))

	fc := newFakeContext(100, "anyone there?")
	require.NoError(t, b.handleText(fc))
	require.Contains(t, fc.lastSent(), "no longer exists")

	_, err := b.chats.Session(100)
	require.ErrorIs(t, err, store.ErrNotFound, "the stale binding must be cleared")
}

func TestHandleText_LegacyMessagesFlag(t *testing.T) {
	cfg := config.Config{Flags: map[string]bool{flags.FlagLegacyMessages: true}}
	b, fake := testBot(t, cfg)

	fc := newFakeContext(100, "old school")
	require.NoError(t, b.handleText(fc))

	require.Equal(t, "echo: old school", fc.lastSent())
	require.Len(t, fake.Sessions(), 1)
}

func TestHandleText_ChatModelFlowsIntoPrompt(t *testing.T) {
	b, fake := testBot(t, config.Config{})

	set := newFakeContext(100, "")
	set.args = []string{"anthropic/sonnet-test"}
	require.NoError(t, b.handleModel(set))
	require.Contains(t, set.lastSent(), "anthropic/sonnet-test")

	require.NoError(t, b.handleText(newFakeContext(100, "build it")))

	binding, err := b.chats.Session(100)
	require.NoError(t, err)
	require.Equal(t, "anthropic/sonnet-test", binding.Model, "the model choice survives session creation")

	msgs, err := v1.New(fake.URL(), nil).Messages(context.Background(), binding.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "sonnet-test", msgs[1].Info.ModelID)
}

func TestHandleText_EmptyTextIgnored(t *testing.T) {
	b, fake := testBot(t, config.Config{})

	fc := newFakeContext(100, "   ")
	require.NoError(t, b.handleText(fc))

	require.Empty(t, fc.sentMessages())
	require.Empty(t, fake.Sessions())
}

func TestSendWithFallback_RetriesPlainOnParseError(t *testing.T) {
	b, _ := testBot(t, config.Config{})

	fc := newFakeContext(100, "")
	fc.sendErr = func(text, mode string) error {
		if mode == string(tele.ModeMarkdownV2) {
			return errors.New("telegram: Bad Request: can't parse entities")
		}
		return nil
	}

	require.NoError(t, b.sendWithFallback(fc, "broken _markup"))

	msgs := fc.sentMessages()
	require.Len(t, msgs, 1, "only the plain-text retry goes through")
	require.Equal(t, "", fc.modes[0])
}

func TestSendWithFallback_PropagatesOtherErrors(t *testing.T) {
	b, _ := testBot(t, config.Config{})

	fc := newFakeContext(100, "")
	fc.sendErr = func(text, mode string) error {
		return errors.New("telegram: Forbidden: bot was blocked by the user")
	}

	require.Error(t, b.sendWithFallback(fc, "hello"))
}

func TestParseModelRef(t *testing.T) {
	require.Nil(t, parseModelRef(""))
	require.Nil(t, parseModelRef("   "))

	ref := parseModelRef("anthropic/claude-sonnet-4-5")
	require.Equal(t, &v1.ModelRef{ProviderID: "anthropic", ModelID: "claude-sonnet-4-5"}, ref)

	bare := parseModelRef("claude-sonnet-4-5")
	require.Equal(t, &v1.ModelRef{ProviderID: "anthropic", ModelID: "claude-sonnet-4-5"}, bare)
}

func TestSessionTitle(t *testing.T) {
	require.Equal(t, "short", sessionTitle("  short  "))

	title := sessionTitle(strings.Repeat("x", 80))
	require.Equal(t, sessionTitleLimit+1, len([]rune(title)))
	require.True(t, strings.HasSuffix(title, "…"))
}

func TestStartErrorText(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&server.DirectoryError{Path: "/missing", Err: errors.New("no such file")}, "Workspace problem"},
		{&server.SpawnError{Err: fmt.Errorf("discovery: %w", server.ErrExecutableNotFound)}, "OPENCODE_PATH"},
		{&server.SpawnError{Path: "/bin/opencode", Err: errors.New("permission denied")}, "Could not launch"},
		{&server.ReadinessTimeoutError{Port: 4242, Attempts: 30}, "port 4242"},
		{&server.AllocationError{Err: errors.New("address in use")}, "No free port"},
		{errors.New("weird"), "Could not start"},
	}
	for _, tc := range cases {
		require.Contains(t, startErrorText(tc.err), tc.want, "error %v", tc.err)
	}
}
