package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"botvip/internal/audit"
	"botvip/internal/ledger"
	"botvip/internal/messenger"
	"botvip/internal/metrics"
	"botvip/internal/models"
)

const DefaultInviteTTL = 24 * time.Hour

type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeRenewal   Outcome = "renewal"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeRevoked   Outcome = "revoked"
	OutcomeFailed    Outcome = "failed"
)

// Canceller stops a pending follow-up chain.
type Canceller interface {
	Cancel(userID, reason string) bool
}

// Grant is what a payment event taught us about a user's entitlement.
type Grant struct {
	PaymentCustomerRef string
	SubscriptionRef    string
	PlanRef            string
	PeriodEnd          *int64
	NonExpiring        bool
}

type GrantResult struct {
	Outcome    Outcome
	Record     models.Subscriber
	InviteLink string
}

type RevokeResult struct {
	Outcome Outcome
	Record  models.Subscriber
}

type Config struct {
	ChannelID string
	InviteTTL time.Duration
}

type Option func(*Engine)

// WithFollowups lets grants and revokes stop pending follow-up chains.
func WithFollowups(c Canceller) Option {
	return func(e *Engine) { e.followups = c }
}

// Engine turns ledger changes into channel membership and user messages.
// The ledger is the durable fact; side effects are best-effort.
type Engine struct {
	ledger    *ledger.Ledger
	messenger messenger.Messenger
	audit     audit.Auditor
	followups Canceller
	channelID string
	inviteTTL time.Duration
}

func NewEngine(l *ledger.Ledger, m messenger.Messenger, a audit.Auditor, cfg Config, opts ...Option) *Engine {
	if a == nil {
		a = audit.Discard{}
	}
	ttl := cfg.InviteTTL
	if ttl <= 0 {
		ttl = DefaultInviteTTL
	}
	e := &Engine{
		ledger:    l,
		messenger: m,
		audit:     a,
		channelID: cfg.ChannelID,
		inviteTTL: ttl,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GrantAccess records the grant and, when it carried new entitlement facts,
// lets the user in. Repeated identical grants are silent.
func (e *Engine) GrantAccess(ctx context.Context, userID string, g Grant) (GrantResult, error) {
	logger := log.With().Str("user_id", userID).Str("subscription", g.SubscriptionRef).Logger()

	rec := models.Subscriber{
		UserID:                userID,
		PaymentCustomerRef:    g.PaymentCustomerRef,
		ActiveSubscriptionRef: g.SubscriptionRef,
		PlanRef:               g.PlanRef,
		PeriodEnd:             g.PeriodEnd,
	}
	var opts []ledger.UpsertOption
	if g.NonExpiring {
		opts = append(opts, ledger.NonExpiring())
	}

	res, err := e.ledger.Upsert(ctx, rec, opts...)
	if err != nil {
		metrics.GrantsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		logger.Error().Err(err).Msg("Failed to record grant")
		e.send(ctx, userID, msgManualFollowup)
		e.audit.Notify(ctx, fmt.Sprintf("🚨 Falha ao registrar acesso de %s (%s): %v", userID, g.SubscriptionRef, err))
		return GrantResult{Outcome: OutcomeFailed}, fmt.Errorf("grant access to %s: %w", userID, err)
	}

	switch {
	case res.Stale:
		metrics.GrantsTotal.WithLabelValues(string(OutcomeStale)).Inc()
		logger.Warn().Msg("Ignoring grant for an already revoked subscription")
		e.audit.Notify(ctx, fmt.Sprintf("⚠️ Evento atrasado ignorado para %s: assinatura %s já encerrada", userID, g.SubscriptionRef))
		return GrantResult{Outcome: OutcomeStale, Record: res.Record}, nil
	case !res.Changed:
		metrics.GrantsTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
		logger.Debug().Msg("Grant carried nothing new")
		return GrantResult{Outcome: OutcomeDuplicate, Record: res.Record}, nil
	}

	e.cancelFollowups(userID, "paid")

	if res.WasEntitled {
		metrics.GrantsTotal.WithLabelValues(string(OutcomeRenewal)).Inc()
		e.send(ctx, userID, renewalText(res.Record))
		logger.Info().Msg("Subscription renewed")
		e.audit.Notify(ctx, fmt.Sprintf("🔁 Renovação registrada para %s (%s)", userID, expiryLabel(res.Record)))
		return GrantResult{Outcome: OutcomeRenewal, Record: res.Record}, nil
	}

	result := GrantResult{Outcome: OutcomeNew, Record: res.Record}
	metrics.GrantsTotal.WithLabelValues(string(OutcomeNew)).Inc()

	if e.channelID == "" {
		e.send(ctx, userID, msgPaymentConfirmed)
		logger.Info().Msg("Access granted (no channel configured)")
		e.audit.Notify(ctx, fmt.Sprintf("✅ Pagamento confirmado para %s (%s)", userID, expiryLabel(res.Record)))
		return result, nil
	}

	link, err := e.messenger.CreateSingleUseInvite(ctx, e.channelID, e.inviteTTL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create invite link")
		e.send(ctx, userID, msgManualFollowup)
		e.audit.Notify(ctx, fmt.Sprintf("🚨 Não foi possível gerar convite para %s: %v. Liberar manualmente.", userID, err))
		return result, nil
	}
	result.InviteLink = link

	e.send(ctx, userID, inviteText(e.inviteTTL), messenger.WithButtons([]messenger.Button{messenger.URLButton("🔓 Entrar no VIP", link)}))
	logger.Info().Msg("Access granted, invite sent")
	e.audit.Notify(ctx, fmt.Sprintf("✅ Acesso liberado para %s (%s)", userID, expiryLabel(res.Record)))
	return result, nil
}

// RevokeAccess ends the user's entitlement and removes them from the
// channel. A non-empty subscriptionRef only revokes when it is still the
// subscription the entitlement rests on.
func (e *Engine) RevokeAccess(ctx context.Context, userID, subscriptionRef string) (RevokeResult, error) {
	logger := log.With().Str("user_id", userID).Str("subscription", subscriptionRef).Logger()

	res, err := e.ledger.RemoveSubscription(ctx, userID, subscriptionRef)
	switch {
	case errors.Is(err, ledger.ErrStaleSubscription):
		metrics.RevocationsTotal.WithLabelValues(string(OutcomeStale)).Inc()
		logger.Warn().Err(err).Msg("Ignoring revoke for a replaced subscription")
		e.audit.Notify(ctx, fmt.Sprintf("⚠️ Cancelamento de %s ignorado para %s: existe assinatura mais nova", subscriptionRef, userID))
		return RevokeResult{Outcome: OutcomeStale, Record: res.Record}, nil
	case err != nil:
		metrics.RevocationsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		return RevokeResult{Outcome: OutcomeFailed}, fmt.Errorf("revoke access of %s: %w", userID, err)
	case res.AlreadyRevoked:
		metrics.RevocationsTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
		logger.Debug().Msg("Already revoked")
		return RevokeResult{Outcome: OutcomeDuplicate, Record: res.Record}, nil
	}

	metrics.RevocationsTotal.WithLabelValues(string(OutcomeRevoked)).Inc()
	e.cancelFollowups(userID, "revoked")

	if e.channelID != "" {
		if err := e.messenger.BanThenUnban(ctx, e.channelID, userID); err != nil {
			logger.Error().Err(err).Msg("Failed to remove user from channel")
			e.audit.Notify(ctx, fmt.Sprintf("🚨 Falha ao remover %s do canal: %v", userID, err))
		}
	}

	e.send(ctx, userID, msgRevoked)
	logger.Info().Msg("Access revoked")
	e.audit.Notify(ctx, fmt.Sprintf("⛔ Acesso removido de %s (assinatura %s)", userID, res.Record.EndedSubscriptionRef))
	return RevokeResult{Outcome: OutcomeRevoked, Record: res.Record}, nil
}

func (e *Engine) send(ctx context.Context, userID, text string, opts ...messenger.SendOption) {
	if err := e.messenger.SendMessage(ctx, userID, text, opts...); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to message user")
	}
}

func (e *Engine) cancelFollowups(userID, reason string) {
	if e.followups != nil {
		e.followups.Cancel(userID, reason)
	}
}
