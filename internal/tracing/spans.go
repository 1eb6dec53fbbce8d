package tracing

// Span attribute keys used across the bot.
const (
	// Server lifecycle attributes
	AttrDirectory  = "server.directory"
	AttrPort       = "server.port"
	AttrInstanceID = "server.instance_id"
	AttrExitCode   = "server.exit_code"

	// Chat attributes
	AttrChatID    = "chat.id"
	AttrCommand   = "chat.command"
	AttrSessionID = "session.id"
	AttrModelID   = "model.id"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixServer = "server."
	SpanPrefixBot    = "bot."
	SpanPrefixStore  = "store."
)
