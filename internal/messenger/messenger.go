// Package messenger is the chat transport the rest of the bot talks to.
package messenger

import (
	"context"
	"errors"
	"time"
)

type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

var ErrInvalidChatID = errors.New("invalid chat id")

// Button is an inline keyboard button. Exactly one of URL and CallbackData
// is set.
type Button struct {
	Text         string
	URL          string
	CallbackData string
}

func CallbackButton(text, data string) Button {
	return Button{Text: text, CallbackData: data}
}

func URLButton(text, url string) Button {
	return Button{Text: text, URL: url}
}

type SendOptions struct {
	Rows     [][]Button
	Markdown bool
}

type SendOption func(*SendOptions)

// WithButtons attaches an inline keyboard, one slice per row.
func WithButtons(rows ...[]Button) SendOption {
	return func(o *SendOptions) { o.Rows = append(o.Rows, rows...) }
}

func WithMarkdown() SendOption {
	return func(o *SendOptions) { o.Markdown = true }
}

func ApplyOptions(opts []SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Messenger sends messages and manages channel membership.
type Messenger interface {
	SendMessage(ctx context.Context, chatID, text string, opts ...SendOption) error
	CreateSingleUseInvite(ctx context.Context, channelID string, ttl time.Duration) (string, error)
	BanThenUnban(ctx context.Context, channelID, userID string) error
	GetChatType(ctx context.Context, chatID string) (ChatType, error)
}

// MediaSender uploads local files to a chat.
type MediaSender interface {
	SendPhoto(ctx context.Context, chatID, path, caption string) error
	SendAudio(ctx context.Context, chatID, path string) error
}
