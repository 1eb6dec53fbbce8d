package bot

import (
	"encoding/json"
	"fmt"

	tele "gopkg.in/telebot.v4"

	"github.com/zjrosen/telecode/internal/log"
	"github.com/zjrosen/telecode/internal/opencode/v2"
	"github.com/zjrosen/telecode/internal/pubsub"
	"github.com/zjrosen/telecode/internal/server"
)

// watchLifecycle consumes supervisor events for the life of the bot.
func (b *Bot) watchLifecycle() {
	defer b.wg.Done()

	events := b.sup.Events().Subscribe(b.ctx)
	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			b.handleLifecycle(event)
		}
	}
}

// handleLifecycle reacts to one supervisor event. InstanceRestarting is the
// crash signal: InstanceExited also fires on a deliberate /stop, so it only
// records the exit code and refreshes caches.
func (b *Bot) handleLifecycle(event pubsub.Event[server.LifecycleEvent]) {
	switch event.Type {
	case server.InstanceStarted:
		b.invalidateSessions()
		b.watchServerEvents(event.Payload)

		b.stateMu.Lock()
		recovered := b.recovering
		b.recovering = false
		b.stateMu.Unlock()
		if recovered {
			b.notifyLastChat(fmt.Sprintf("OpenCode server is back on port %d.", event.Payload.Port))
		}

	case server.InstanceExited:
		b.invalidateSessions()
		b.stateMu.Lock()
		b.lastExit = event.Payload.ExitCode
		b.stateMu.Unlock()

	case server.InstanceRestarting:
		b.stateMu.Lock()
		b.recovering = true
		lastExit := b.lastExit
		b.stateMu.Unlock()
		b.notifyLastChat(fmt.Sprintf("OpenCode server crashed (exit %d). Restarting…", lastExit))
	}
}

// notifyLastChat pushes a lifecycle notice to the chat that most recently
// talked to the bot. Silently skipped before the first message or when the
// bot is not connected.
func (b *Bot) notifyLastChat(text string) {
	b.stateMu.Lock()
	chatID := b.lastChat
	b.stateMu.Unlock()

	if chatID == 0 || b.tg == nil {
		log.Debug(log.CatBot, "No chat to notify", "notice", text)
		return
	}
	if _, err := b.tg.Send(tele.ChatID(chatID), text); err != nil {
		log.ErrorErr(log.CatBot, "Failed to deliver lifecycle notice", err, "chat", chatID)
	}
}

// watchServerEvents tails the new instance's SSE stream. The stream dies
// with the instance; each InstanceStarted event gets a fresh watcher since
// the port may have changed.
func (b *Bot) watchServerEvents(payload server.LifecycleEvent) {
	inst := b.sup.Current()
	if inst == nil || inst.ID() != payload.InstanceID {
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		events, err := inst.Clients().V2.Events(b.ctx)
		if err != nil {
			log.ErrorErr(log.CatBot, "Failed to open server event stream", err, "instance", inst.ID())
			return
		}
		log.Debug(log.CatBot, "Watching server events", "instance", inst.ID(), "port", inst.Port())
		for event := range events {
			b.handleServerEvent(event)
		}
		log.Debug(log.CatBot, "Server event stream closed", "instance", inst.ID())
	}()
}

// handleServerEvent maps one SSE event to bot behavior: progress on a busy
// session refreshes the typing action, session errors get logged.
func (b *Bot) handleServerEvent(event v2.Event) {
	switch event.Type {
	case v2.EventMessageUpdated, v2.EventPartUpdated:
		sessionID := eventSessionID(event.Properties)
		if sessionID == "" {
			return
		}
		chatID, busy := b.busyChatFor(sessionID)
		if !busy || b.tg == nil {
			return
		}
		b.refreshTyping(chatID, func() error {
			return b.tg.Notify(tele.ChatID(chatID), tele.Typing)
		})

	case v2.EventSessionError:
		log.Warn(log.CatBot, "Server reported session error", "properties", string(event.Properties))

	case v2.EventSessionIdle:
		// Turn completion is observed by the blocking prompt call.
	}
}

// eventSessionID digs the session id out of an event payload. The field
// sits at the top level or nested under part depending on the event type.
func eventSessionID(properties json.RawMessage) string {
	var props struct {
		SessionID string `json:"sessionID"`
		Part      struct {
			SessionID string `json:"sessionID"`
		} `json:"part"`
	}
	if err := json.Unmarshal(properties, &props); err != nil {
		return ""
	}
	if props.SessionID != "" {
		return props.SessionID
	}
	return props.Part.SessionID
}
