// Package messengertest provides an in-memory Messenger for tests.
package messengertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"botvip/internal/messenger"
)

type Message struct {
	ChatID  string
	Text    string
	Options messenger.SendOptions
}

type Media struct {
	ChatID  string
	Kind    string // "photo" or "audio"
	Path    string
	Caption string
}

type Removal struct {
	ChannelID string
	UserID    string
}

// Recorder records every call. Set the Err fields to make calls fail.
type Recorder struct {
	mu sync.Mutex

	Messages []Message
	Invites  []string
	Removals []Removal
	Media    []Media

	ChatTypes map[string]messenger.ChatType

	SendErr   error
	InviteErr error
	BanErr    error
	ChatErr   error
	MediaErr  error

	inviteSeq int
}

func New() *Recorder {
	return &Recorder{ChatTypes: make(map[string]messenger.ChatType)}
}

func (r *Recorder) SendMessage(_ context.Context, chatID, text string, opts ...messenger.SendOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		return r.SendErr
	}
	r.Messages = append(r.Messages, Message{ChatID: chatID, Text: text, Options: messenger.ApplyOptions(opts)})
	return nil
}

func (r *Recorder) CreateSingleUseInvite(_ context.Context, channelID string, _ time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.InviteErr != nil {
		return "", r.InviteErr
	}
	r.inviteSeq++
	link := fmt.Sprintf("https://t.me/+invite%d", r.inviteSeq)
	r.Invites = append(r.Invites, link)
	return link, nil
}

func (r *Recorder) BanThenUnban(_ context.Context, channelID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.BanErr != nil {
		return r.BanErr
	}
	r.Removals = append(r.Removals, Removal{ChannelID: channelID, UserID: userID})
	return nil
}

func (r *Recorder) GetChatType(_ context.Context, chatID string) (messenger.ChatType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ChatErr != nil {
		return "", r.ChatErr
	}
	if t, ok := r.ChatTypes[chatID]; ok {
		return t, nil
	}
	return messenger.ChatPrivate, nil
}

func (r *Recorder) SendPhoto(_ context.Context, chatID, path, caption string) error {
	return r.media(Media{ChatID: chatID, Kind: "photo", Path: path, Caption: caption})
}

func (r *Recorder) SendAudio(_ context.Context, chatID, path string) error {
	return r.media(Media{ChatID: chatID, Kind: "audio", Path: path})
}

func (r *Recorder) media(m Media) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.MediaErr != nil {
		return r.MediaErr
	}
	r.Media = append(r.Media, m)
	return nil
}

// To returns the messages sent to chatID.
func (r *Recorder) To(chatID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.Messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

// Containing returns the messages to chatID whose text contains substr.
func (r *Recorder) Containing(chatID, substr string) []Message {
	var out []Message
	for _, m := range r.To(chatID) {
		if strings.Contains(m.Text, substr) {
			out = append(out, m)
		}
	}
	return out
}

func (r *Recorder) InviteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Invites)
}

func (r *Recorder) RemovalList() []Removal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Removal(nil), r.Removals...)
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Messages)
}
