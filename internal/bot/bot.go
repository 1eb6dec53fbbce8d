// Package bot is the Telegram front end for telecode. It long-polls for
// updates, maps each chat to an OpenCode session, relays prompts to the
// supervised server and sends back formatted replies.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	tele "gopkg.in/telebot.v4"

	"github.com/zjrosen/telecode/internal/cachemanager"
	"github.com/zjrosen/telecode/internal/config"
	"github.com/zjrosen/telecode/internal/flags"
	"github.com/zjrosen/telecode/internal/log"
	"github.com/zjrosen/telecode/internal/opencode/v1"
	"github.com/zjrosen/telecode/internal/pubsub"
	"github.com/zjrosen/telecode/internal/server"
	"github.com/zjrosen/telecode/internal/store"
	"github.com/zjrosen/telecode/internal/tracing"
)

const (
	// sessionCacheTTL bounds how stale the /sessions listing may be.
	sessionCacheTTL = 30 * time.Second
	sessionCacheKey = "sessions"

	// typingInterval refreshes the typing action during a turn; Telegram
	// clears the indicator after about five seconds.
	typingInterval = 4 * time.Second
	// typingThrottle keeps the ticker and server progress events from
	// both hitting the sendChatAction endpoint for the same chat.
	typingThrottle = 3 * time.Second

	logTailCapacity = 200
	defaultLogLines = 30
)

// Options carries the bot's dependencies.
type Options struct {
	Config     config.Config
	ConfigPath string
	Supervisor *server.Supervisor
	Chats      *store.ChatRepository
	Tracer     trace.Tracer
	Flags      *flags.Registry
}

// Bot bridges Telegram chats to the supervised OpenCode server.
type Bot struct {
	cfg        config.TelegramConfig
	workspace  string
	configPath string
	sup        *server.Supervisor
	chats      *store.ChatRepository
	tracer     trace.Tracer
	flags      *flags.Registry

	// tg is nil until Connect; handlers and notifiers must tolerate that
	// so they stay testable without a Telegram connection.
	tg *tele.Bot

	sessionCache *cachemanager.ReadThroughCache[string, []v1.Session, *v1.Client]
	typing       *cachemanager.InMemoryCacheManager[string, time.Time]
	logTail      *pubsub.Tail[string]

	allowMu sync.RWMutex
	allowed map[int64]bool

	modelMu      sync.Mutex
	defaultModel string

	busyMu sync.Mutex
	busy   map[int64]string // chat id -> session with an in-flight turn

	listMu   sync.Mutex
	listings map[int64][]v1.Session // chat id -> order last shown by /sessions

	stateMu    sync.Mutex
	lastChat   int64
	lastExit   int
	recovering bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the bot and starts its supervisor lifecycle watcher. Dialing
// Telegram is deferred to Connect.
func New(opts Options) *Bot {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("telecode")
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &Bot{
		cfg:        opts.Config.Telegram,
		workspace:  opts.Config.Workspace,
		configPath: opts.ConfigPath,
		sup:        opts.Supervisor,
		chats:      opts.Chats,
		tracer:     tracer,
		flags:      opts.Flags,
		typing: cachemanager.NewInMemoryCacheManager[string, time.Time](
			"typing", typingThrottle, cachemanager.DefaultCleanupInterval),
		logTail:      log.NewTail(ctx, logTailCapacity),
		allowed:      make(map[int64]bool),
		defaultModel: opts.Config.OpenCode.Model,
		busy:         make(map[int64]string),
		listings:     make(map[int64][]v1.Session),
		ctx:          ctx,
		cancel:       cancel,
	}
	b.sessionCache = cachemanager.NewReadThroughCache(
		cachemanager.NewInMemoryCacheManager[string, []v1.Session](
			"sessions", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval),
		func(ctx context.Context, client *v1.Client) ([]v1.Session, error) {
			return client.ListSessions(ctx)
		},
		false,
	)
	b.SetAllowedChats(opts.Config.Telegram.AllowedChats)

	b.wg.Add(1)
	go b.watchLifecycle()

	return b
}

// Connect dials Telegram and registers the handlers. Split from Run so the
// handler logic stays reachable in tests without network access.
func (b *Bot) Connect() error {
	tg, err := tele.NewBot(tele.Settings{
		Token:  b.cfg.Token,
		Poller: &tele.LongPoller{Timeout: b.cfg.PollTimeout},
	})
	if err != nil {
		return fmt.Errorf("connecting to telegram: %w", err)
	}
	b.tg = tg
	b.register()
	log.Info(log.CatBot, "Connected to Telegram", "bot", tg.Me.Username)
	return nil
}

// Run polls for updates until ctx is cancelled. Connect must have been
// called first.
func (b *Bot) Run(ctx context.Context) error {
	if b.tg == nil {
		return fmt.Errorf("bot is not connected")
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-ctx.Done():
		case <-b.ctx.Done():
		}
		b.tg.Stop()
	}()

	log.Info(log.CatBot, "Polling for updates", "workspace", b.workspace)
	b.tg.Start()
	return nil
}

// Close stops polling and the background watchers.
func (b *Bot) Close() {
	b.cancel()
	b.wg.Wait()
	log.Debug(log.CatBot, "Bot closed")
}

// SetAllowedChats replaces the chat allowlist. The config watcher calls
// this when the file changes on disk.
func (b *Bot) SetAllowedChats(chats []int64) {
	allowed := make(map[int64]bool, len(chats))
	for _, id := range chats {
		allowed[id] = true
	}
	b.allowMu.Lock()
	b.allowed = allowed
	b.allowMu.Unlock()
	log.Debug(log.CatBot, "Allowlist updated", "count", len(chats))
}

func (b *Bot) register() {
	b.tg.Use(b.restrict)

	b.tg.Handle("/start", b.traced("start", b.handleStart))
	b.tg.Handle("/help", b.traced("help", b.handleStart))
	b.tg.Handle("/new", b.traced("new", b.handleNew))
	b.tg.Handle("/sessions", b.traced("sessions", b.handleSessions))
	b.tg.Handle("/switch", b.traced("switch", b.handleSwitch))
	b.tg.Handle("/model", b.traced("model", b.handleModel))
	b.tg.Handle("/status", b.traced("status", b.handleStatus))
	b.tg.Handle("/abort", b.traced("abort", b.handleAbort))
	b.tg.Handle("/stop", b.traced("stop", b.handleStop))
	b.tg.Handle("/restart", b.traced("restart", b.handleRestart))
	b.tg.Handle("/logs", b.traced("logs", b.handleLogs))
	b.tg.Handle(tele.OnText, b.handleText)
}

// traced wraps a command handler in a span named after the command. Text
// messages are not wrapped; handleText opens its own span with the session
// and model attributes a chat turn carries.
func (b *Bot) traced(command string, next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		_, span := b.tracer.Start(b.ctx, tracing.SpanPrefixBot+command, trace.WithAttributes(
			attribute.String(tracing.AttrCommand, command),
			attribute.Int64(tracing.AttrChatID, c.Chat().ID),
		))
		defer span.End()

		err := next(c)
		if err != nil {
			recordError(span, err)
		}
		return err
	}
}

// restrict drops updates from chats outside the allowlist. An empty
// allowlist admits everyone; the admin chat is always admitted.
func (b *Bot) restrict(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil {
			return nil
		}
		if !b.chatAllowed(chat.ID) {
			log.Warn(log.CatBot, "Rejected message from unlisted chat", "chat", chat.ID)
			return c.Send("This bot is private.")
		}
		b.noteChat(chat.ID)
		return next(c)
	}
}

func (b *Bot) chatAllowed(chatID int64) bool {
	if b.cfg.AdminChat != 0 && chatID == b.cfg.AdminChat {
		return true
	}
	b.allowMu.RLock()
	defer b.allowMu.RUnlock()
	return len(b.allowed) == 0 || b.allowed[chatID]
}

func (b *Bot) isAdmin(c tele.Context) bool {
	return b.cfg.AdminChat != 0 && c.Chat() != nil && c.Chat().ID == b.cfg.AdminChat
}

func (b *Bot) noteChat(chatID int64) {
	b.stateMu.Lock()
	b.lastChat = chatID
	b.stateMu.Unlock()
}

// ensureServer starts the OpenCode server if none is running. A live
// instance comes back unchanged.
func (b *Bot) ensureServer() (*server.Instance, error) {
	return b.sup.Start(b.workspace)
}

func (b *Bot) invalidateSessions() {
	if err := b.sessionCache.Invalidate(b.ctx, sessionCacheKey); err != nil {
		log.Debug(log.CatBot, "Session cache invalidation failed", "error", err.Error())
	}
}

// markBusy records an in-flight turn for the chat. Returns false when one
// is already running.
func (b *Bot) markBusy(chatID int64, sessionID string) bool {
	b.busyMu.Lock()
	defer b.busyMu.Unlock()
	if _, running := b.busy[chatID]; running {
		return false
	}
	b.busy[chatID] = sessionID
	return true
}

func (b *Bot) clearBusy(chatID int64) {
	b.busyMu.Lock()
	delete(b.busy, chatID)
	b.busyMu.Unlock()
}

// busyChatFor maps a session with an in-flight turn back to its chat.
func (b *Bot) busyChatFor(sessionID string) (int64, bool) {
	b.busyMu.Lock()
	defer b.busyMu.Unlock()
	for chatID, running := range b.busy {
		if running == sessionID {
			return chatID, true
		}
	}
	return 0, false
}

// keepTyping shows the typing action until the returned stop function is
// called.
func (b *Bot) keepTyping(c tele.Context) func() {
	ctx, cancel := context.WithCancel(b.ctx)
	chatID := c.Chat().ID

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.refreshTyping(chatID, func() error { return c.Notify(tele.Typing) })
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.refreshTyping(chatID, func() error { return c.Notify(tele.Typing) })
			}
		}
	}()
	return cancel
}

// refreshTyping sends the typing action unless one went out for this chat
// within the throttle window. The per-turn ticker and server progress
// events both funnel through here.
func (b *Bot) refreshTyping(chatID int64, notify func() error) {
	key := strconv.FormatInt(chatID, 10)
	if _, recent := b.typing.Get(b.ctx, key); recent {
		return
	}
	b.typing.Set(b.ctx, key, time.Now(), typingThrottle)
	if err := notify(); err != nil {
		log.Debug(log.CatBot, "Typing refresh failed", "chat", chatID, "error", err.Error())
	}
}

func (b *Bot) getDefaultModel() string {
	b.modelMu.Lock()
	defer b.modelMu.Unlock()
	return b.defaultModel
}

func (b *Bot) setDefaultModel(model string) {
	b.modelMu.Lock()
	b.defaultModel = model
	b.modelMu.Unlock()
}
