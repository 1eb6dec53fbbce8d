package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tele "gopkg.in/telebot.v4"

	"github.com/zjrosen/telecode/internal/flags"
	"github.com/zjrosen/telecode/internal/log"
	"github.com/zjrosen/telecode/internal/opencode/v1"
	"github.com/zjrosen/telecode/internal/opencode/v2"
	"github.com/zjrosen/telecode/internal/server"
	"github.com/zjrosen/telecode/internal/store"
	"github.com/zjrosen/telecode/internal/tracing"
)

// sessionTitleLimit caps how much of the first message names the session.
const sessionTitleLimit = 48

// handleText runs one chat turn: ensure the server, resolve the chat's
// session, send the prompt and relay the reply. Blocks for the duration of
// the turn; telebot dispatches each update on its own goroutine.
func (b *Bot) handleText(c tele.Context) error {
	text := strings.TrimSpace(c.Text())
	if text == "" {
		return nil
	}
	chatID := c.Chat().ID

	ctx, span := b.tracer.Start(b.ctx, tracing.SpanPrefixBot+"message", trace.WithAttributes(
		attribute.Int64(tracing.AttrChatID, chatID),
	))
	defer span.End()

	inst, err := b.ensureServer()
	if err != nil {
		log.ErrorErr(log.CatBot, "Server start failed for message", err, "chat", chatID)
		return c.Send(startErrorText(err))
	}

	binding, err := b.resolveSession(ctx, chatID, text, inst)
	if err != nil {
		recordError(span, err)
		log.ErrorErr(log.CatBot, "Session resolution failed", err, "chat", chatID)
		return c.Send("Could not set up a session. Check /logs and try again.")
	}
	span.SetAttributes(attribute.String(tracing.AttrSessionID, binding.SessionID))

	if !b.markBusy(chatID, binding.SessionID) {
		return c.Send("Still working on the previous message. Use /abort to cancel it.")
	}
	defer b.clearBusy(chatID)

	stopTyping := b.keepTyping(c)
	defer stopTyping()

	if err := b.chats.LogMessage(chatID, binding.SessionID, "user", text); err != nil {
		log.ErrorErr(log.CatBot, "Failed to record user message", err, "chat", chatID)
	}

	model := b.modelFor(binding)
	if model != nil {
		span.SetAttributes(attribute.String(tracing.AttrModelID, model.ModelID))
	}

	reply, err := b.prompt(ctx, inst, binding.SessionID, text, model)
	if err != nil {
		recordError(span, err)
		return b.replyPromptError(c, chatID, binding.SessionID, err)
	}

	if err := b.chats.LogMessage(chatID, binding.SessionID, "assistant", replyPreview(reply)); err != nil {
		log.ErrorErr(log.CatBot, "Failed to record assistant reply", err, "chat", chatID)
	}

	return b.sendChunks(c, RenderMessage(reply))
}

// prompt sends one turn to the server. The second-generation prompt
// endpoint is the default; the legacy-messages flag routes through the
// first generation instead.
func (b *Bot) prompt(ctx context.Context, inst *server.Instance, sessionID, text string, model *v1.ModelRef) (*v1.Message, error) {
	req := v1.TextPrompt(text, model)
	if b.flags.Enabled(flags.FlagLegacyMessages) {
		return inst.Clients().V1.SendMessage(ctx, sessionID, req)
	}
	return inst.Clients().V2.Prompt(ctx, sessionID, req)
}

// resolveSession returns the chat's session binding, creating a session on
// first contact. A binding whose session id is empty counts as unbound; it
// exists when /model ran before the first message and carries the model
// choice forward.
func (b *Bot) resolveSession(ctx context.Context, chatID int64, text string, inst *server.Instance) (*store.ChatSession, error) {
	binding, err := b.chats.Session(chatID)
	if err == nil && binding.SessionID != "" {
		return binding, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	session, err := inst.Clients().V1.CreateSession(ctx, sessionTitle(text))
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if err := b.chats.SetSession(chatID, session.ID, session.Title, ""); err != nil {
		return nil, err
	}
	b.invalidateSessions()
	log.Info(log.CatBot, "Bound chat to new session", "chat", chatID, "session", session.ID)

	return b.chats.Session(chatID)
}

// replyPromptError maps a failed turn to a user-facing message. A 404 on
// the session means it vanished server-side; the stale binding is cleared
// so the next message starts fresh.
func (b *Bot) replyPromptError(c tele.Context, chatID int64, sessionID string, err error) error {
	if promptStatus(err) == 404 {
		log.Warn(log.CatBot, "Session vanished server-side, clearing binding", "chat", chatID, "session", sessionID)
		if clearErr := b.chats.ClearSession(chatID); clearErr != nil {
			log.ErrorErr(log.CatBot, "Failed to clear stale binding", clearErr, "chat", chatID)
		}
		return c.Send("That session no longer exists. Send your message again to start a new one.")
	}

	log.ErrorErr(log.CatBot, "Prompt failed", err, "chat", chatID, "session", sessionID)
	return c.Send("The server could not answer that. Check /status or /logs.")
}

// promptStatus extracts the HTTP status from either API generation's error.
func promptStatus(err error) int {
	var v1Err *v1.APIError
	if errors.As(err, &v1Err) {
		return v1Err.Status
	}
	var v2Err *v2.APIError
	if errors.As(err, &v2Err) {
		return v2Err.Status
	}
	return 0
}

// modelFor picks the model for a turn: the chat's own choice, then the
// configured default, then none (the server decides).
func (b *Bot) modelFor(binding *store.ChatSession) *v1.ModelRef {
	if binding != nil && binding.Model != "" {
		return parseModelRef(binding.Model)
	}
	return parseModelRef(b.getDefaultModel())
}

// parseModelRef splits "provider/model". A bare model name defaults to the
// anthropic provider.
func parseModelRef(s string) *v1.ModelRef {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	provider, model, found := strings.Cut(s, "/")
	if !found {
		return &v1.ModelRef{ProviderID: "anthropic", ModelID: s}
	}
	return &v1.ModelRef{ProviderID: provider, ModelID: model}
}

// sendChunks delivers rendered MarkdownV2 text as one or more messages,
// falling back to plain text when Telegram rejects the markup.
func (b *Bot) sendChunks(c tele.Context, rendered string) error {
	for _, chunk := range ChunkMessage(rendered) {
		if err := b.sendWithFallback(c, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) sendWithFallback(c tele.Context, text string) error {
	err := c.Send(text, tele.ModeMarkdownV2)
	if err == nil || !isParseError(err) {
		return err
	}
	log.Warn(log.CatBot, "Markdown rejected, resending as plain text", "error", err.Error())
	return c.Send(text)
}

// isParseError detects Telegram's entity parsing rejections.
func isParseError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "can't parse entities") || strings.Contains(s, "parse")
}

// startErrorText maps supervisor start failures to text a chat user can
// act on.
func startErrorText(err error) string {
	var dirErr *server.DirectoryError
	if errors.As(err, &dirErr) {
		return fmt.Sprintf("Workspace problem: %v", err)
	}
	if errors.Is(err, server.ErrExecutableNotFound) {
		return "The opencode binary was not found. Install it or set OPENCODE_PATH."
	}
	var spawnErr *server.SpawnError
	if errors.As(err, &spawnErr) {
		return fmt.Sprintf("Could not launch the OpenCode server: %v", err)
	}
	var readyErr *server.ReadinessTimeoutError
	if errors.As(err, &readyErr) {
		return fmt.Sprintf("The OpenCode server did not become ready on port %d. Check /logs.", readyErr.Port)
	}
	var allocErr *server.AllocationError
	if errors.As(err, &allocErr) {
		return "No free port could be allocated for the OpenCode server."
	}
	return fmt.Sprintf("Could not start the OpenCode server: %v", err)
}

// sessionTitle derives a session title from the first message.
func sessionTitle(text string) string {
	text = strings.TrimSpace(text)
	if runes := []rune(text); len(runes) > sessionTitleLimit {
		return string(runes[:sessionTitleLimit]) + "…"
	}
	return text
}

// replyPreview flattens a reply's text parts for the audit log.
func replyPreview(msg *v1.Message) string {
	var parts []string
	for _, part := range msg.Parts {
		if part.Type == "text" && part.Text != "" {
			parts = append(parts, part.Text)
		}
	}
	return strings.Join(parts, " ")
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String(tracing.AttrErrorMessage, err.Error()))
}
