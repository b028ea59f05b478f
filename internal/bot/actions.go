package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"botvip/internal/access"
	"botvip/internal/messenger"
	"botvip/internal/metrics"
	"botvip/internal/payment"
)

func (b *Bot) send(ctx context.Context, chatID, text string, opts ...messenger.SendOption) {
	if err := b.chat.SendMessage(ctx, chatID, text, opts...); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("Failed to send message")
	}
}

func (b *Bot) mainMenu() messenger.SendOption {
	return messenger.WithButtons(
		[]messenger.Button{messenger.CallbackButton(btnPlans, cbPlans)},
		[]messenger.Button{messenger.CallbackButton(btnHelp, cbHelp)},
		[]messenger.Button{messenger.CallbackButton(btnSupport, cbSupport)},
	)
}

func plansButton() messenger.SendOption {
	return messenger.WithButtons([]messenger.Button{messenger.CallbackButton(btnPlans, cbPlans)})
}

// start handles /start and its deep-link payloads.
func (b *Bot) start(ctx context.Context, chatID, userID, payload string, private bool) {
	switch payload {
	case payloadPaid:
		b.send(ctx, chatID, msgPaymentSuccess)
		return
	case payloadBack:
		b.send(ctx, chatID, msgPaymentCancelled)
		b.showPlans(ctx, chatID)
		b.armFollowups(ctx, userID, private)
		return
	case payloadMenu:
		b.showPlans(ctx, chatID)
		return
	}

	b.send(ctx, chatID, msgLoading)
	b.sendMedia(ctx, chatID)
	b.send(ctx, chatID, msgWelcome, messenger.WithMarkdown())
	b.send(ctx, chatID, msgMainMenu, b.mainMenu())
	b.armFollowups(ctx, userID, private)
}

func (b *Bot) sendMedia(ctx context.Context, chatID string) {
	if b.media == nil || b.cfg.AssetsDir == "" {
		return
	}
	photo := filepath.Join(b.cfg.AssetsDir, photoAsset)
	if err := b.media.SendPhoto(ctx, chatID, photo, captionWelcome); err != nil {
		log.Warn().Err(err).Str("path", photo).Msg("Failed to send welcome photo")
	}
	audio := filepath.Join(b.cfg.AssetsDir, audioAsset)
	if err := b.media.SendAudio(ctx, chatID, audio); err != nil {
		log.Warn().Err(err).Str("path", audio).Msg("Failed to send welcome audio")
	}
}

func (b *Bot) armFollowups(ctx context.Context, userID string, private bool) {
	if b.followups == nil || !private {
		return
	}
	if _, err := b.followups.Start(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Follow-ups not armed")
	}
}

func (b *Bot) showPlans(ctx context.Context, chatID string) {
	if len(b.cfg.Plans) == 0 {
		b.send(ctx, chatID, msgNoPlans)
		return
	}
	rows := make([][]messenger.Button, 0, len(b.cfg.Plans))
	for _, p := range b.cfg.Plans {
		rows = append(rows, []messenger.Button{messenger.CallbackButton(p.Name, p.Key)})
	}
	b.send(ctx, chatID, msgChoosePlan, messenger.WithButtons(rows...))
}

func (b *Bot) help(ctx context.Context, chatID string) {
	b.send(ctx, chatID, msgHelp)
}

func (b *Bot) support(ctx context.Context, chatID string) {
	b.send(ctx, chatID, fmt.Sprintf(msgSupport, b.cfg.SupportContact))
}

// callback dispatches inline button presses. Callbacks are answered in the
// user's private chat.
func (b *Bot) callback(ctx context.Context, userID, data string) {
	switch data {
	case cbPlans:
		b.showPlans(ctx, userID)
	case cbHelp:
		b.help(ctx, userID)
	case cbSupport:
		b.support(ctx, userID)
	default:
		if _, ok := b.cfg.Plans.ByKey(data); ok {
			b.checkout(ctx, userID, data)
			return
		}
		b.send(ctx, userID, msgUnknown)
	}
}

func (b *Bot) checkout(ctx context.Context, userID, planKey string) {
	logger := log.With().Str("user_id", userID).Str("plan", planKey).Logger()

	plan, ok := b.cfg.Plans.ByKey(planKey)
	if !ok {
		b.send(ctx, userID, msgPlanNotFound)
		return
	}

	session, err := b.payments.CreateCheckoutSession(ctx, payment.CheckoutRequest{
		UserID:     userID,
		PlanRef:    plan.PriceID,
		Mode:       plan.Mode,
		SuccessURL: b.returnURL(payloadPaid),
		CancelURL:  b.returnURL(payloadBack),
	})
	if err != nil {
		outcome := "failed"
		if errors.Is(err, payment.ErrUpstreamUnavailable) {
			outcome = "upstream_unavailable"
		}
		metrics.CheckoutSessionsTotal.WithLabelValues(plan.Key, outcome).Inc()
		logger.Error().Err(err).Msg("Checkout session creation failed")
		b.send(ctx, userID, msgCheckoutFailed, messenger.WithButtons(
			[]messenger.Button{messenger.CallbackButton(btnRetry, plan.Key)},
		))
		return
	}

	metrics.CheckoutSessionsTotal.WithLabelValues(plan.Key, "created").Inc()
	logger.Info().Str("session", session.ID).Msg("Checkout session created")
	b.send(ctx, userID, msgCheckoutLink, messenger.WithButtons(
		[]messenger.Button{messenger.URLButton(btnPay, session.URL)},
	))
	b.armFollowups(ctx, userID, true)
}

// status answers /vip.
func (b *Bot) status(ctx context.Context, chatID, userID string) {
	rec, found, err := b.subscribers.Get(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Subscriber lookup failed")
		b.send(ctx, chatID, msgTryLater)
		return
	}
	if !found {
		b.send(ctx, chatID, msgNoSubscription, plansButton())
		return
	}

	entitled, err := b.subscribers.IsEntitled(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Entitlement lookup failed")
		b.send(ctx, chatID, msgTryLater)
		return
	}

	exp, expires := rec.Expiry()
	switch {
	case entitled && expires:
		b.send(ctx, chatID, fmt.Sprintf(msgActiveUntil, access.FormatDate(exp)))
	case entitled:
		b.send(ctx, chatID, msgActiveForever)
	default:
		b.send(ctx, chatID, fmt.Sprintf(msgExpiredOn, access.FormatDate(exp)), plansButton())
	}
}

// content answers /conteudo with a fresh channel invite for entitled users.
func (b *Bot) content(ctx context.Context, chatID, userID string) {
	entitled, err := b.subscribers.IsEntitled(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Entitlement lookup failed")
		b.send(ctx, chatID, msgTryLater)
		return
	}
	if !entitled {
		b.send(ctx, chatID, msgContentLocked, plansButton())
		return
	}
	if b.cfg.ChannelID == "" {
		b.send(ctx, chatID, fmt.Sprintf(msgContentNoChannel, b.cfg.SupportContact))
		return
	}

	link, err := b.chat.CreateSingleUseInvite(ctx, b.cfg.ChannelID, b.cfg.InviteTTL)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Invite creation failed")
		b.send(ctx, chatID, msgTryLater)
		return
	}
	b.send(ctx, chatID, msgContentInvite, messenger.WithButtons(
		[]messenger.Button{messenger.URLButton(btnJoinVIP, link)},
	))
}

func (b *Bot) returnURL(payload string) string {
	if b.cfg.Username == "" {
		return "https://t.me"
	}
	return fmt.Sprintf("https://t.me/%s?start=%s", b.cfg.Username, payload)
}
