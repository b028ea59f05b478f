// Package audit posts operational notes to the ops chat (LOGS_CHAT_ID).
package audit

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"botvip/internal/messenger"
)

// Auditor is a best-effort ops notifier. Notify never fails the caller.
type Auditor interface {
	Notify(ctx context.Context, text string)
}

type Notifier struct {
	messenger messenger.Messenger
	chatID    string
	logger    zerolog.Logger
}

// NewNotifier returns a Notifier. With an empty chatID every note is written
// to the log at warn level instead, so alerts are never lost silently.
func NewNotifier(m messenger.Messenger, chatID string) *Notifier {
	return &Notifier{messenger: m, chatID: chatID, logger: log.Logger}
}

func (n *Notifier) Notify(ctx context.Context, text string) {
	if n == nil {
		log.Warn().Str("note", text).Msg("Ops note not delivered, no notifier")
		return
	}
	if n.chatID == "" || n.messenger == nil {
		n.logger.Warn().Str("note", text).Msg("Ops note not delivered, LOGS_CHAT_ID not set")
		return
	}
	if err := n.messenger.SendMessage(ctx, n.chatID, text); err != nil {
		n.logger.Warn().Err(err).Str("note", text).Msg("Failed to deliver ops note")
	}
}

// Discard drops every note.
type Discard struct{}

func (Discard) Notify(context.Context, string) {}
