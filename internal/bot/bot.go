package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/rs/zerolog/log"

	"botvip/internal/config"
	"botvip/internal/messenger"
	"botvip/internal/models"
	"botvip/internal/payment"
)

// CheckoutFactory creates hosted checkout sessions.
type CheckoutFactory interface {
	CreateCheckoutSession(ctx context.Context, req payment.CheckoutRequest) (payment.Session, error)
}

// Subscribers is the read side of the ledger.
type Subscribers interface {
	Get(ctx context.Context, userID string) (models.Subscriber, bool, error)
	IsEntitled(ctx context.Context, userID string) (bool, error)
}

// Followups arms the re-engagement chain.
type Followups interface {
	Start(ctx context.Context, userID string) (bool, error)
}

type Config struct {
	Username       string
	Plans          config.Plans
	AssetsDir      string
	SupportContact string
	ChannelID      string
	InviteTTL      time.Duration
}

type Bot struct {
	instance    *telego.Bot
	chat        messenger.Messenger
	media       messenger.MediaSender
	subscribers Subscribers
	payments    CheckoutFactory
	followups   Followups
	cfg         Config
}

// NewBot wires the chat front-end. instance may be nil when only the action
// methods are used. media and followups are optional.
func NewBot(instance *telego.Bot, chat messenger.Messenger, media messenger.MediaSender, subscribers Subscribers, payments CheckoutFactory, followups Followups, cfg Config) *Bot {
	return &Bot{
		instance:    instance,
		chat:        chat,
		media:       media,
		subscribers: subscribers,
		payments:    payments,
		followups:   followups,
		cfg:         cfg,
	}
}

// LongPolling clears any registered webhook and starts polling.
func (b *Bot) LongPolling(ctx context.Context) (<-chan telego.Update, error) {
	if err := b.instance.DeleteWebhook(ctx, &telego.DeleteWebhookParams{}); err != nil {
		log.Warn().Err(err).Msg("Failed to delete Telegram webhook")
	}
	updates, err := b.instance.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("start long polling: %w", err)
	}
	return updates, nil
}

// RegisterWebhook points Telegram at url, signing pushes with secret.
func (b *Bot) RegisterWebhook(ctx context.Context, url, secret string) error {
	err := b.instance.SetWebhook(ctx, &telego.SetWebhookParams{
		URL:         url,
		SecretToken: secret,
	})
	if err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	return nil
}

// Run dispatches updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context, updates <-chan telego.Update) error {
	handler, err := th.NewBotHandler(b.instance, updates)
	if err != nil {
		return fmt.Errorf("create bot handler: %w", err)
	}
	b.register(handler)

	go func() {
		<-ctx.Done()
		handler.Stop()
	}()

	log.Info().Str("bot", b.cfg.Username).Msg("Bot handler started")
	handler.Start()
	return nil
}

func (b *Bot) register(handler *th.BotHandler) {
	commands := map[string]func(ctx context.Context, msg *telego.Message, args []string){
		"start": func(ctx context.Context, msg *telego.Message, args []string) {
			payload := ""
			if len(args) > 0 {
				payload = args[0]
			}
			b.start(ctx, chatID(msg), userID(msg), payload, msg.Chat.Type == telego.ChatTypePrivate)
		},
		"planos": func(ctx context.Context, msg *telego.Message, _ []string) {
			b.showPlans(ctx, chatID(msg))
		},
		"vip": func(ctx context.Context, msg *telego.Message, _ []string) {
			b.status(ctx, chatID(msg), userID(msg))
		},
		"conteudo": func(ctx context.Context, msg *telego.Message, _ []string) {
			b.content(ctx, chatID(msg), userID(msg))
		},
		"ajuda": func(ctx context.Context, msg *telego.Message, _ []string) {
			b.help(ctx, chatID(msg))
		},
	}

	for name, fn := range commands {
		handler.Handle(func(ctx *th.Context, update telego.Update) error {
			message := update.Message
			if message.From == nil {
				return nil
			}
			fn(ctx.Context(), message, commandArgs(message.Text))
			return nil
		}, th.CommandEqual(name))
	}

	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		b.callback(ctx.Context(), strconv.FormatInt(callback.From.ID, 10), callback.Data)
		return nil
	}, th.AnyCallbackQuery())
}

func chatID(msg *telego.Message) string {
	return strconv.FormatInt(msg.Chat.ID, 10)
}

func userID(msg *telego.Message) string {
	return strconv.FormatInt(msg.From.ID, 10)
}

// commandArgs returns the words after the command itself.
func commandArgs(text string) []string {
	parts := strings.Fields(text)
	if len(parts) <= 1 {
		return nil
	}
	return parts[1:]
}
