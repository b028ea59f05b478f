// Package reconciler maps Stripe events onto the subscriber ledger and the
// access engine.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"botvip/internal/access"
	"botvip/internal/audit"
	"botvip/internal/config"
	"botvip/internal/ledger"
	"botvip/internal/messenger"
	"botvip/internal/payment"
)

const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventCheckoutAsyncSucceeded  = "checkout.session.async_payment_succeeded"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaid             = "invoice.paid"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
)

var ErrUnresolvedUser = errors.New("could not resolve telegram user")

const (
	msgCheckoutProcessing = "✔️ Checkout concluído! Seu pagamento está sendo processado."
	msgPaymentFailed      = "⚠️ Não conseguimos processar o pagamento da sua assinatura VIP. Atualize sua forma de pagamento para manter o acesso."
)

type PaymentProvider interface {
	VerifyAndParseEvent(payload []byte, sigHeader string) (payment.Event, error)
	RetrieveSubscription(ctx context.Context, ref string) (payment.SubscriptionInfo, error)
}

type AccessEngine interface {
	GrantAccess(ctx context.Context, userID string, g access.Grant) (access.GrantResult, error)
	RevokeAccess(ctx context.Context, userID, subscriptionRef string) (access.RevokeResult, error)
}

type CustomerIndex interface {
	FindByPaymentCustomerRef(ctx context.Context, ref string) (string, bool, error)
}

type Reconciler struct {
	provider  PaymentProvider
	access    AccessEngine
	customers CustomerIndex
	messenger messenger.Messenger
	audit     audit.Auditor
	plans     config.Plans
}

type Option func(*Reconciler)

// WithPlans lets ops notes name plans instead of raw price ids.
func WithPlans(plans config.Plans) Option {
	return func(r *Reconciler) { r.plans = plans }
}

func New(provider PaymentProvider, engine AccessEngine, customers CustomerIndex, m messenger.Messenger, a audit.Auditor, opts ...Option) *Reconciler {
	if a == nil {
		a = audit.Discard{}
	}
	r := &Reconciler{
		provider:  provider,
		access:    engine,
		customers: customers,
		messenger: m,
		audit:     a,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle applies one verified event. Unknown types are acknowledged.
func (r *Reconciler) Handle(ctx context.Context, ev payment.Event) error {
	logger := log.With().Str("event_id", ev.ID).Str("type", ev.Type).Logger()

	switch ev.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncSucceeded:
		return r.checkoutCompleted(ctx, logger, ev)
	case EventInvoicePaymentSucceeded, EventInvoicePaid:
		return r.invoicePaid(ctx, logger, ev)
	case EventInvoicePaymentFailed:
		return r.invoicePaymentFailed(ctx, logger, ev)
	case EventSubscriptionDeleted:
		return r.subscriptionDeleted(ctx, logger, ev)
	default:
		logger.Info().Msg("Stripe event ignored (unhandled type)")
		r.audit.Notify(ctx, fmt.Sprintf("ℹ️ Evento Stripe ignorado: %s (%s)", ev.Type, ev.ID))
		return nil
	}
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, logger zerolog.Logger, ev payment.Event) error {
	var session payment.CheckoutSession
	if err := ev.Decode(&session); err != nil {
		return err
	}

	userID := firstNonEmpty(session.ClientReferenceID, session.Metadata[payment.MetadataTelegramID])
	if userID == "" {
		return fmt.Errorf("%w: checkout session %s has no client_reference_id or telegram_id", ErrUnresolvedUser, session.ID)
	}
	logger = logger.With().Str("user_id", userID).Str("subscription", session.Subscription).Logger()

	if !session.Paid() {
		logger.Info().Str("payment_status", session.PaymentStatus).Msg("Checkout completed, payment pending")
		r.notifyUser(ctx, logger, userID, msgCheckoutProcessing)
		return nil
	}

	grant := access.Grant{
		PaymentCustomerRef: session.Customer,
		SubscriptionRef:    session.Subscription,
		PlanRef:            session.Metadata[payment.MetadataPriceID],
	}

	switch {
	case session.Mode == payment.ModePayment:
		grant.NonExpiring = true
	case session.Subscription != "":
		info, err := r.provider.RetrieveSubscription(ctx, session.Subscription)
		if err != nil {
			// the first invoice event carries the period end as well
			logger.Warn().Err(err).Msg("Subscription lookup failed, granting without a known period end")
			break
		}
		grant.PeriodEnd = info.PeriodEnd
		if grant.PlanRef == "" {
			grant.PlanRef = info.PriceID
		}
		if grant.PaymentCustomerRef == "" {
			grant.PaymentCustomerRef = info.CustomerRef
		}
	}

	_, err := r.access.GrantAccess(ctx, userID, grant)
	return err
}

func (r *Reconciler) invoicePaid(ctx context.Context, logger zerolog.Logger, ev payment.Event) error {
	var inv payment.Invoice
	if err := ev.Decode(&inv); err != nil {
		return err
	}

	subRef := inv.SubscriptionRef()
	if subRef == "" {
		logger.Info().Str("invoice", inv.ID).Msg("Invoice without subscription ignored")
		return nil
	}
	logger = logger.With().Str("subscription", subRef).Logger()

	var info *payment.SubscriptionInfo
	if got, err := r.provider.RetrieveSubscription(ctx, subRef); err != nil {
		logger.Warn().Err(err).Msg("Subscription lookup failed, using invoice lines")
	} else {
		info = &got
	}

	userID := firstNonEmpty(
		inv.Metadata[payment.MetadataTelegramID],
		inv.SubscriptionMetadata()[payment.MetadataTelegramID],
	)
	if userID == "" && info != nil {
		userID = strings.TrimSpace(info.Metadata[payment.MetadataTelegramID])
	}
	if userID == "" {
		var err error
		if userID, err = r.lookupCustomer(ctx, inv.Customer); err != nil {
			return err
		}
	}
	if userID == "" {
		return fmt.Errorf("%w: invoice %s (customer %s, subscription %s)", ErrUnresolvedUser, inv.ID, inv.Customer, subRef)
	}

	grant := access.Grant{
		PaymentCustomerRef: inv.Customer,
		SubscriptionRef:    subRef,
		PlanRef:            inv.LinesPriceID(),
		PeriodEnd:          inv.LinesPeriodEnd(),
	}
	if info != nil {
		if info.PeriodEnd != nil {
			grant.PeriodEnd = info.PeriodEnd
		}
		if info.PriceID != "" {
			grant.PlanRef = info.PriceID
		}
		if grant.PaymentCustomerRef == "" {
			grant.PaymentCustomerRef = info.CustomerRef
		}
	}

	_, err := r.access.GrantAccess(ctx, userID, grant)
	return err
}

// invoicePaymentFailed only tells the user. Stripe retries the charge and
// sends customer.subscription.deleted if dunning gives up.
func (r *Reconciler) invoicePaymentFailed(ctx context.Context, logger zerolog.Logger, ev payment.Event) error {
	var inv payment.Invoice
	if err := ev.Decode(&inv); err != nil {
		return err
	}

	userID, err := r.lookupCustomer(ctx, inv.Customer)
	if err != nil {
		return err
	}
	if userID == "" {
		userID = firstNonEmpty(inv.Metadata[payment.MetadataTelegramID], inv.SubscriptionMetadata()[payment.MetadataTelegramID])
	}
	if userID == "" {
		return fmt.Errorf("%w: failed invoice %s (customer %s)", ErrUnresolvedUser, inv.ID, inv.Customer)
	}

	logger.Info().Str("user_id", userID).Str("invoice", inv.ID).Msg("Invoice payment failed")
	r.notifyUser(ctx, logger, userID, msgPaymentFailed)
	r.audit.Notify(ctx, fmt.Sprintf("⚠️ Pagamento falhou para %s (fatura %s)", userID, inv.ID))
	return nil
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, logger zerolog.Logger, ev payment.Event) error {
	var sub payment.Subscription
	if err := ev.Decode(&sub); err != nil {
		return err
	}

	userID, err := r.lookupCustomer(ctx, sub.Customer)
	if err != nil {
		return err
	}
	if userID == "" {
		userID = strings.TrimSpace(sub.Metadata[payment.MetadataTelegramID])
	}
	if userID == "" {
		return fmt.Errorf("%w: deleted subscription %s (customer %s)", ErrUnresolvedUser, sub.ID, sub.Customer)
	}

	plan := r.planName(sub.FirstPriceID())
	logger = logger.With().Str("user_id", userID).Str("subscription", sub.ID).Str("plan", plan).Logger()

	res, err := r.access.RevokeAccess(ctx, userID, sub.ID)
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: no ledger record for %s (subscription %s)", ErrUnresolvedUser, userID, sub.ID)
	}
	if err != nil {
		return err
	}
	if res.Outcome != access.OutcomeRevoked {
		logger.Info().Str("outcome", string(res.Outcome)).Msg("Subscription deletion needed no revoke")
		return nil
	}

	period := "desconhecido"
	if end := sub.PeriodEnd(); end != nil {
		period = access.FormatDate(time.Unix(*end, 0))
	}
	logger.Info().Str("status", sub.Status).Msg("Subscription ended")
	r.audit.Notify(ctx, fmt.Sprintf("📉 Assinatura encerrada para %s: %s, período até %s (%s)", userID, plan, period, sub.Status))
	return nil
}

// planName is the configured label for a price, or the price id itself.
func (r *Reconciler) planName(priceID string) string {
	if p, ok := r.plans.ByPrice(priceID); ok {
		return p.Name
	}
	if priceID == "" {
		return "plano desconhecido"
	}
	return priceID
}

func (r *Reconciler) lookupCustomer(ctx context.Context, customerRef string) (string, error) {
	if strings.TrimSpace(customerRef) == "" {
		return "", nil
	}
	userID, ok, err := r.customers.FindByPaymentCustomerRef(ctx, customerRef)
	if err != nil {
		return "", fmt.Errorf("lookup customer %s: %w", customerRef, err)
	}
	if !ok {
		return "", nil
	}
	return userID, nil
}

func (r *Reconciler) notifyUser(ctx context.Context, logger zerolog.Logger, userID, text string) {
	if err := r.messenger.SendMessage(ctx, userID, text); err != nil {
		logger.Warn().Err(err).Msg("Failed to message user")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
