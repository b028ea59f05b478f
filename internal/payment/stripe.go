package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripesubscription "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	ModeSubscription = "subscription"
	ModePayment      = "payment"

	MetadataTelegramID = "telegram_id"
	MetadataPriceID    = "price_id"
)

var (
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrInvalidPayload      = errors.New("invalid webhook payload")
	ErrUpstreamUnavailable = errors.New("payment provider unavailable")
)

type StripeClient struct {
	webhookSecret string

	createCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getSubscription       func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
}

func NewStripeClient(secretKey, webhookSecret string) *StripeClient {
	stripe.Key = strings.TrimSpace(secretKey)
	return &StripeClient{
		webhookSecret:         strings.TrimSpace(webhookSecret),
		createCheckoutSession: stripesession.New,
		getSubscription:       stripesubscription.Get,
	}
}

// Verified reports whether incoming events are signature-checked.
func (c *StripeClient) Verified() bool {
	return c.webhookSecret != ""
}

// CreateCheckoutSession creates a hosted checkout page for one plan. The
// user id travels as client_reference_id and as metadata on the session and
// on the subscription or payment intent it creates.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (Session, error) {
	mode := req.Mode
	if mode == "" {
		mode = ModeSubscription
	}
	if req.UserID == "" || req.PlanRef == "" {
		return Session{}, errors.New("user id and plan are required")
	}

	metadata := map[string]string{
		MetadataTelegramID: req.UserID,
		MetadataPriceID:    req.PlanRef,
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(mode),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PlanRef),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
	}
	if mode == ModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	} else {
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}
	}
	params.Context = ctx
	params.SetIdempotencyKey(uuid.NewString())

	session, err := c.createCheckoutSession(params)
	if err != nil {
		return Session{}, fmt.Errorf("%w: create checkout session: %v", ErrUpstreamUnavailable, err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return Session{}, fmt.Errorf("%w: checkout session without url", ErrUpstreamUnavailable)
	}
	return Session{ID: session.ID, URL: session.URL}, nil
}

// RetrieveSubscription fetches the current state of a subscription.
func (c *StripeClient) RetrieveSubscription(ctx context.Context, ref string) (SubscriptionInfo, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := c.getSubscription(ref, params)
	if err != nil {
		return SubscriptionInfo{}, fmt.Errorf("%w: retrieve subscription %s: %v", ErrUpstreamUnavailable, ref, err)
	}
	return subscriptionInfo(sub), nil
}

func subscriptionInfo(sub *stripe.Subscription) SubscriptionInfo {
	info := SubscriptionInfo{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		info.CustomerRef = sub.Customer.ID
	}

	var end int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
			if info.PriceID == "" && item.Price != nil {
				info.PriceID = item.Price.ID
			}
		}
	}
	if end > 0 {
		info.PeriodEnd = &end
	}
	return info
}

// VerifyAndParseEvent checks the Stripe-Signature header against the
// configured secret. Without a secret the body is decoded unverified.
func (c *StripeClient) VerifyAndParseEvent(payload []byte, sigHeader string) (Event, error) {
	return ParseEvent(payload, sigHeader, c.webhookSecret)
}

func ParseEvent(payload []byte, sigHeader, secret string) (Event, error) {
	if secret == "" {
		return decodeUnverified(payload)
	}

	if strings.TrimSpace(sigHeader) == "" {
		return Event{}, fmt.Errorf("%w: missing Stripe-Signature header", ErrInvalidSignature)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{
		ID:       ev.ID,
		Type:     string(ev.Type),
		Created:  ev.Created,
		Livemode: ev.Livemode,
	}
	if ev.Data != nil {
		out.Raw = ev.Data.Raw
	}
	return out, nil
}

func decodeUnverified(payload []byte) (Event, error) {
	var envelope struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Created  int64  `json:"created"`
		Livemode bool   `json:"livemode"`
		Data     struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if envelope.Type == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrInvalidPayload)
	}
	return Event{
		ID:       envelope.ID,
		Type:     envelope.Type,
		Created:  envelope.Created,
		Livemode: envelope.Livemode,
		Raw:      envelope.Data.Object,
	}, nil
}

// Decode unmarshals the event's data.object into v.
func (e Event) Decode(v any) error {
	if len(e.Raw) == 0 {
		return fmt.Errorf("%w: event %s has no data object", ErrInvalidPayload, e.ID)
	}
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}
