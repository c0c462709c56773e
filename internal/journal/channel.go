package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/yuri-schmaltz/darktable-mcp/internal/remote"
	"github.com/yuri-schmaltz/darktable-mcp/internal/tools"
)

// Channel records every Invoke on the wrapped channel. Connect, Ping and
// Close pass through unrecorded.
type Channel struct {
	remote.Channel

	store     *Store
	sessionID string
	logger    *slog.Logger
}

// NewChannel wraps inner so that each invocation is written to store
// under sessionID.
func NewChannel(inner remote.Channel, store *Store, sessionID string, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		Channel:   inner,
		store:     store,
		sessionID: sessionID,
		logger:    logger,
	}
}

// Invoke forwards the call and records it. A journal write failure is
// logged and never changes the call's outcome.
func (c *Channel) Invoke(ctx context.Context, method, argument string) (string, error) {
	start := time.Now()
	result, err := c.Channel.Invoke(ctx, method, argument)

	rec := Record{
		Timestamp: start,
		SessionID: c.sessionID,
		Tool:      tools.ToolNameFromContext(ctx),
		Method:    method,
		Script:    argument,
		Result:    result,
		Duration:  time.Since(start),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	if jerr := c.store.Record(context.WithoutCancel(ctx), rec); jerr != nil {
		c.logger.Warn("failed to journal remote call", "method", method, "error", jerr)
	}
	return result, err
}
