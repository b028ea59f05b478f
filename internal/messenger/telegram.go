package messenger

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Telegram implements Messenger on top of a telego bot.
type Telegram struct {
	bot *telego.Bot
	now func() time.Time
}

func NewTelegram(bot *telego.Bot) *Telegram {
	return &Telegram{bot: bot, now: time.Now}
}

// ParseChatID accepts numeric ids ("555", "-100123") and public usernames
// ("@channel").
func ParseChatID(raw string) (telego.ChatID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return telego.ChatID{}, fmt.Errorf("%w: empty", ErrInvalidChatID)
	}
	if strings.HasPrefix(raw, "@") {
		return tu.Username(raw), nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("%w: %q", ErrInvalidChatID, raw)
	}
	return tu.ID(id), nil
}

// Keyboard converts button rows to a telego inline keyboard.
func Keyboard(rows [][]Button) *telego.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btn := tu.InlineKeyboardButton(b.Text)
			if b.URL != "" {
				btn = btn.WithURL(b.URL)
			} else {
				btn = btn.WithCallbackData(b.CallbackData)
			}
			buttons = append(buttons, btn)
		}
		out = append(out, tu.InlineKeyboardRow(buttons...))
	}
	return tu.InlineKeyboard(out...)
}

// MessageParams builds send parameters for text and options.
func MessageParams(chatID telego.ChatID, text string, opts ...SendOption) *telego.SendMessageParams {
	o := ApplyOptions(opts)
	params := tu.Message(chatID, text)
	if o.Markdown {
		params = params.WithParseMode(telego.ModeMarkdown)
	}
	if kb := Keyboard(o.Rows); kb != nil {
		params = params.WithReplyMarkup(kb)
	}
	return params
}

func (t *Telegram) SendMessage(ctx context.Context, chatID, text string, opts ...SendOption) error {
	id, err := ParseChatID(chatID)
	if err != nil {
		return err
	}
	if _, err := t.bot.SendMessage(ctx, MessageParams(id, text, opts...)); err != nil {
		return fmt.Errorf("send message to %s: %w", chatID, err)
	}
	return nil
}

// CreateSingleUseInvite creates an invite link valid for one join until ttl
// elapses.
func (t *Telegram) CreateSingleUseInvite(ctx context.Context, channelID string, ttl time.Duration) (string, error) {
	id, err := ParseChatID(channelID)
	if err != nil {
		return "", err
	}
	params := &telego.CreateChatInviteLinkParams{
		ChatID:      id,
		Name:        fmt.Sprintf("vip-%d", t.now().Unix()),
		MemberLimit: 1,
	}
	if ttl > 0 {
		params.ExpireDate = t.now().Add(ttl).Unix()
	}

	link, err := t.bot.CreateChatInviteLink(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create invite for %s: %w", channelID, err)
	}
	return link.InviteLink, nil
}

// BanThenUnban removes userID from the channel without leaving them on the
// ban list, so a later purchase can rejoin.
func (t *Telegram) BanThenUnban(ctx context.Context, channelID, userID string) error {
	channel, err := ParseChatID(channelID)
	if err != nil {
		return err
	}
	uid, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: user %q", ErrInvalidChatID, userID)
	}

	if err := t.bot.BanChatMember(ctx, &telego.BanChatMemberParams{ChatID: channel, UserID: uid}); err != nil {
		return fmt.Errorf("ban %s from %s: %w", userID, channelID, err)
	}
	if err := t.bot.UnbanChatMember(ctx, &telego.UnbanChatMemberParams{ChatID: channel, UserID: uid, OnlyIfBanned: true}); err != nil {
		return fmt.Errorf("unban %s from %s: %w", userID, channelID, err)
	}
	return nil
}

func (t *Telegram) GetChatType(ctx context.Context, chatID string) (ChatType, error) {
	id, err := ParseChatID(chatID)
	if err != nil {
		return "", err
	}
	chat, err := t.bot.GetChat(ctx, &telego.GetChatParams{ChatID: id})
	if err != nil {
		return "", fmt.Errorf("get chat %s: %w", chatID, err)
	}
	return ChatType(chat.Type), nil
}

func (t *Telegram) SendPhoto(ctx context.Context, chatID, path, caption string) error {
	id, err := ParseChatID(chatID)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open photo: %w", err)
	}
	defer f.Close()

	params := tu.Photo(id, tu.File(f))
	if caption != "" {
		params = params.WithCaption(caption)
	}
	if _, err := t.bot.SendPhoto(ctx, params); err != nil {
		return fmt.Errorf("send photo to %s: %w", chatID, err)
	}
	return nil
}

func (t *Telegram) SendAudio(ctx context.Context, chatID, path string) error {
	id, err := ParseChatID(chatID)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	if _, err := t.bot.SendAudio(ctx, tu.Audio(id, tu.File(f))); err != nil {
		return fmt.Errorf("send audio to %s: %w", chatID, err)
	}
	return nil
}
