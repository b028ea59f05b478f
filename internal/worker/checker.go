package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"botvip/internal/access"
	"botvip/internal/audit"
	"botvip/internal/dedupe"
	"botvip/internal/metrics"
	"botvip/internal/models"
)

const (
	DefaultInterval = time.Hour
	alertTTL        = 7 * 24 * time.Hour
)

// Subscribers lists ledger records.
type Subscribers interface {
	List(ctx context.Context) ([]models.Subscriber, error)
	Now() time.Time
}

// Checker looks for subscriptions that passed their period end without a
// renewal or a deletion event and tells ops. It never revokes: Stripe owns
// the subscription lifecycle and a late invoice may still arrive.
type Checker struct {
	subscribers Subscribers
	claims      dedupe.Store
	audit       audit.Auditor
	grace       time.Duration
	interval    time.Duration
}

func NewChecker(subs Subscribers, claims dedupe.Store, a audit.Auditor, grace time.Duration) *Checker {
	if a == nil {
		a = audit.Discard{}
	}
	return &Checker{
		subscribers: subs,
		claims:      claims,
		audit:       a,
		grace:       grace,
		interval:    DefaultInterval,
	}
}

// Start runs a check immediately and then on every tick until ctx ends.
func (c *Checker) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", c.interval).Dur("grace", c.grace).Msg("Lapsed subscription checker started")

	c.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

func (c *Checker) runCycle(ctx context.Context) {
	alerted, err := c.CheckLapsed(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Lapsed subscription check failed")
		return
	}
	log.Debug().Int("alerts", alerted).Msg("Lapsed subscription check done")
}

// CheckLapsed alerts once per (user, period end) and returns how many alerts
// went out.
func (c *Checker) CheckLapsed(ctx context.Context) (int, error) {
	records, err := c.subscribers.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list subscribers: %w", err)
	}

	cutoff := c.subscribers.Now().Add(-c.grace).Unix()
	alerted := 0
	for _, sub := range records {
		if !lapsed(sub, cutoff) {
			continue
		}

		key := fmt.Sprintf("lapsed:%s:%d", sub.UserID, *sub.PeriodEnd)
		first, err := c.claims.Claim(ctx, key, alertTTL)
		if err != nil {
			log.Warn().Err(err).Str("user_id", sub.UserID).Msg("Alert dedupe unavailable, alerting anyway")
			first = true
		}
		if !first {
			continue
		}

		log.Warn().
			Str("user_id", sub.UserID).
			Str("subscription", sub.ActiveSubscriptionRef).
			Int64("period_end", *sub.PeriodEnd).
			Msg("Subscription past its period end without renewal")
		c.audit.Notify(ctx, fmt.Sprintf("⏰ Assinatura %s do usuário %s passou do vencimento (%s) sem renovação nem cancelamento. Verifique no Stripe.",
			sub.ActiveSubscriptionRef, sub.UserID, access.FormatDate(time.Unix(*sub.PeriodEnd, 0))))
		metrics.LapsedAlertsTotal.Inc()
		alerted++
	}
	return alerted, nil
}

func lapsed(sub models.Subscriber, cutoff int64) bool {
	return sub.ActiveSubscriptionRef != "" &&
		sub.RevokedAt == nil &&
		sub.PeriodEnd != nil &&
		*sub.PeriodEnd < cutoff
}
