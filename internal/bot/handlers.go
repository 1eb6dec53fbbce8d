package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/zjrosen/telecode/internal/config"
	"github.com/zjrosen/telecode/internal/log"
	"github.com/zjrosen/telecode/internal/opencode/v1"
	"github.com/zjrosen/telecode/internal/store"
)

const welcomeText = `telecode bridges this chat to an OpenCode agent running against a workspace on the host.

Just send a message to start coding. Commands:
/new - start a fresh session
/sessions - list sessions
/switch <n> - switch to a listed session
/model [name] - show or set the model
/status - server and session status
/abort - cancel the running turn
/stop - stop the server (admin)
/restart - restart the server (admin)
/logs [n] - recent log lines (admin)`

// handleStart greets the chat and warms up the server so the first real
// message does not pay the spawn cost.
func (b *Bot) handleStart(c tele.Context) error {
	log.Info(log.CatBot, "Chat started", "chat", c.Chat().ID)

	inst, err := b.ensureServer()
	if err != nil {
		log.ErrorErr(log.CatBot, "Server start failed on /start", err, "chat", c.Chat().ID)
		return c.Send(welcomeText + "\n\n⚠️ " + startErrorText(err))
	}
	return c.Send(fmt.Sprintf("%s\n\nOpenCode server ready on port %d.", welcomeText, inst.Port()))
}

// handleNew binds the chat to a fresh session. The previous session stays
// on the server and remains reachable through /sessions.
func (b *Bot) handleNew(c tele.Context) error {
	chatID := c.Chat().ID

	inst, err := b.ensureServer()
	if err != nil {
		return c.Send(startErrorText(err))
	}

	session, err := inst.Clients().V1.CreateSession(b.ctx, "")
	if err != nil {
		log.ErrorErr(log.CatBot, "Session create failed", err, "chat", chatID)
		return c.Send("Could not create a session. Check /logs.")
	}
	if err := b.chats.SetSession(chatID, session.ID, session.Title, ""); err != nil {
		log.ErrorErr(log.CatBot, "Failed to persist binding", err, "chat", chatID)
		return c.Send("Could not save the session binding.")
	}
	b.invalidateSessions()

	log.Info(log.CatBot, "Chat rebound to fresh session", "chat", chatID, "session", session.ID)
	return c.Send(fmt.Sprintf("Fresh session started (%s). Previous ones are under /sessions.", session.ID))
}

// handleSessions lists the server's sessions, most recently updated first,
// and remembers the order so /switch can refer to entries by number.
func (b *Bot) handleSessions(c tele.Context) error {
	chatID := c.Chat().ID

	inst, err := b.ensureServer()
	if err != nil {
		return c.Send(startErrorText(err))
	}

	sessions, err := b.sessionCache.Get(b.ctx, sessionCacheKey, inst.Clients().V1, sessionCacheTTL)
	if err != nil {
		log.ErrorErr(log.CatBot, "Session list failed", err, "chat", chatID)
		return c.Send("Could not list sessions. Check /logs.")
	}
	if len(sessions) == 0 {
		return c.Send("No sessions yet. Send a message to start one.")
	}

	sorted := append([]v1.Session(nil), sessions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.Updated > sorted[j].Time.Updated })

	b.listMu.Lock()
	b.listings[chatID] = sorted
	b.listMu.Unlock()

	current := ""
	if binding, err := b.chats.Session(chatID); err == nil {
		current = binding.SessionID
	}

	var sb strings.Builder
	sb.WriteString("Sessions (newest first):\n")
	for i, session := range sorted {
		title := session.Title
		if title == "" {
			title = session.ID
		}
		marker := ""
		if session.ID == current {
			marker = " ← current"
		}
		fmt.Fprintf(&sb, "%2d. %s%s\n", i+1, title, marker)
	}
	sb.WriteString("\nUse /switch <number> to change.")
	return c.Send(sb.String())
}

// handleSwitch rebinds the chat to a session from the last /sessions
// listing.
func (b *Bot) handleSwitch(c tele.Context) error {
	chatID := c.Chat().ID
	args := c.Args()
	if len(args) != 1 {
		return c.Send("Usage: /switch <number> (run /sessions first)")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return c.Send("Usage: /switch <number> (run /sessions first)")
	}

	b.listMu.Lock()
	listing := b.listings[chatID]
	b.listMu.Unlock()

	if len(listing) == 0 {
		return c.Send("Run /sessions first, then /switch <number>.")
	}
	if n < 1 || n > len(listing) {
		return c.Send(fmt.Sprintf("Pick a number between 1 and %d.", len(listing)))
	}

	session := listing[n-1]
	if err := b.chats.SetSession(chatID, session.ID, session.Title, ""); err != nil {
		log.ErrorErr(log.CatBot, "Failed to persist binding", err, "chat", chatID)
		return c.Send("Could not save the session binding.")
	}

	title := session.Title
	if title == "" {
		title = session.ID
	}
	log.Info(log.CatBot, "Chat switched session", "chat", chatID, "session", session.ID)
	return c.Send(fmt.Sprintf("Switched to: %s", title))
}

// handleModel shows or sets the model. A chat's choice overrides the
// default; the admin's choice also becomes the new default and is written
// back to the config file.
func (b *Bot) handleModel(c tele.Context) error {
	chatID := c.Chat().ID
	args := c.Args()

	if len(args) == 0 {
		if binding, err := b.chats.Session(chatID); err == nil && binding.Model != "" {
			return c.Send(fmt.Sprintf("This chat uses %s. Default is %s.", binding.Model, b.describeDefaultModel()))
		}
		return c.Send(fmt.Sprintf("This chat uses the default model: %s.\nSet one with /model provider/model.", b.describeDefaultModel()))
	}

	model := args[0]
	if parseModelRef(model) == nil {
		return c.Send("Usage: /model provider/model")
	}

	// SetModel needs an existing row; first contact gets an unbound row
	// that resolveSession later fills with a real session.
	err := b.chats.SetModel(chatID, model)
	if errors.Is(err, store.ErrNotFound) {
		err = b.chats.SetSession(chatID, "", "", model)
	}
	if err != nil {
		log.ErrorErr(log.CatBot, "Failed to save model", err, "chat", chatID)
		return c.Send("Could not save the model choice.")
	}

	if b.isAdmin(c) && b.configPath != "" {
		if err := config.SaveDefaultModel(b.configPath, model); err != nil {
			log.ErrorErr(log.CatBot, "Failed to persist default model", err, "path", b.configPath)
			return c.Send(fmt.Sprintf("Model set to %s for this chat, but saving the default failed.", model))
		}
		b.setDefaultModel(model)
		log.Info(log.CatBot, "Default model updated", "model", model)
		return c.Send(fmt.Sprintf("Model set to %s and saved as the default.", model))
	}

	log.Info(log.CatBot, "Chat model updated", "chat", chatID, "model", model)
	return c.Send(fmt.Sprintf("Model set to %s for this chat.", model))
}

func (b *Bot) describeDefaultModel() string {
	if model := b.getDefaultModel(); model != "" {
		return model
	}
	return "server's choice"
}

// handleStatus reports the supervised instance and this chat's binding.
func (b *Bot) handleStatus(c tele.Context) error {
	inst := b.sup.Current()
	if inst == nil {
		return c.Send("OpenCode server is not running. It starts with the next message.")
	}

	health := "ok"
	ctx, cancel := context.WithTimeout(b.ctx, 3*time.Second)
	defer cancel()
	if err := inst.Clients().V1.Health(ctx); err != nil {
		health = "unreachable"
	}

	lines := []string{
		fmt.Sprintf("State: %s", inst.State()),
		fmt.Sprintf("Port: %d (pid %d)", inst.Port(), inst.PID()),
		fmt.Sprintf("Directory: %s", inst.Directory()),
		fmt.Sprintf("Uptime: %s", FormatUptime(int64(time.Since(inst.StartedAt()).Seconds()))),
		fmt.Sprintf("Health: %s", health),
	}
	if binding, err := b.chats.Session(c.Chat().ID); err == nil && binding.SessionID != "" {
		lines = append(lines, fmt.Sprintf("Session: %s", binding.SessionID))
	}
	return c.Send(strings.Join(lines, "\n"))
}

// handleAbort cancels the chat's in-flight turn server-side. The blocked
// prompt call returns with whatever the agent produced before the cut.
func (b *Bot) handleAbort(c tele.Context) error {
	chatID := c.Chat().ID

	binding, err := b.chats.Session(chatID)
	if err != nil || binding.SessionID == "" {
		return c.Send("Nothing to abort.")
	}
	inst := b.sup.Current()
	if inst == nil {
		return c.Send("Server is not running.")
	}

	ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
	defer cancel()
	if err := inst.Clients().V2.Abort(ctx, binding.SessionID); err != nil {
		log.ErrorErr(log.CatBot, "Abort failed", err, "chat", chatID, "session", binding.SessionID)
		return c.Send("Abort failed. Check /logs.")
	}

	log.Info(log.CatBot, "Turn aborted", "chat", chatID, "session", binding.SessionID)
	return c.Send("Aborted.")
}

// handleStop shuts the server down. Admin only; anyone may start it again
// by messaging.
func (b *Bot) handleStop(c tele.Context) error {
	if !b.isAdmin(c) {
		return c.Send("Only the admin chat can do that.")
	}
	if b.sup.Current() == nil {
		return c.Send("Server is not running.")
	}

	b.sup.Stop()
	log.Info(log.CatBot, "Server stopped by admin", "chat", c.Chat().ID)
	return c.Send("Server stopped. It starts again with the next message.")
}

// handleRestart stops and immediately restarts the server. Admin only.
func (b *Bot) handleRestart(c tele.Context) error {
	if !b.isAdmin(c) {
		return c.Send("Only the admin chat can do that.")
	}

	b.sup.Stop()
	inst, err := b.ensureServer()
	if err != nil {
		log.ErrorErr(log.CatBot, "Manual restart failed", err, "chat", c.Chat().ID)
		return c.Send(startErrorText(err))
	}

	log.Info(log.CatBot, "Server restarted by admin", "chat", c.Chat().ID, "port", inst.Port())
	return c.Send(fmt.Sprintf("Server restarted on port %d.", inst.Port()))
}

// handleLogs sends the most recent log lines. Admin only; the tail is fed
// by the logger's pubsub stream from the moment the bot was built.
func (b *Bot) handleLogs(c tele.Context) error {
	if !b.isAdmin(c) {
		return c.Send("Only the admin chat can do that.")
	}
	if b.logTail == nil {
		return c.Send("Log capture is not enabled.")
	}

	n := defaultLogLines
	if args := c.Args(); len(args) == 1 {
		if parsed, err := strconv.Atoi(args[0]); err == nil && parsed > 0 {
			n = parsed
		}
	}

	lines := b.logTail.Last(n)
	return b.sendChunks(c, FormatLogLines(lines))
}
