package payment

import (
	"encoding/json"
	"strings"
)

// Event is a verified (or, without a signing secret, merely decoded) Stripe
// event. Raw holds data.object.
type Event struct {
	ID       string
	Type     string
	Created  int64
	Livemode bool
	Raw      json.RawMessage
}

// CheckoutSession is the part of a checkout.session object the reconciler
// reads.
type CheckoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// Paid reports whether the session's money has arrived. Delayed payment
// methods complete the session with payment_status "unpaid".
func (s *CheckoutSession) Paid() bool {
	return s.PaymentStatus == "" || s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

type subscriptionItem struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Price            struct {
		ID string `json:"id"`
	} `json:"price"`
}

// Subscription is the part of a subscription object the reconciler reads.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	// older API versions carry the period on the subscription itself
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Items            struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Subscription) FirstPriceID() string {
	for _, item := range s.Items.Data {
		if priceID := strings.TrimSpace(item.Price.ID); priceID != "" {
			return priceID
		}
	}
	return ""
}

// PeriodEnd is the latest period end across items, or nil when unknown.
func (s *Subscription) PeriodEnd() *int64 {
	end := s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	if end == 0 {
		return nil
	}
	return &end
}

type invoiceLine struct {
	Period struct {
		End int64 `json:"end"`
	} `json:"period"`
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

// Invoice is the part of an invoice object the reconciler reads. Newer API
// versions move the subscription reference under parent.subscription_details.
type Invoice struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
}

func (inv *Invoice) SubscriptionRef() string {
	if ref := strings.TrimSpace(inv.Subscription); ref != "" {
		return ref
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return strings.TrimSpace(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// SubscriptionMetadata is the subscription metadata snapshot Stripe copies
// onto the invoice.
func (inv *Invoice) SubscriptionMetadata() map[string]string {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Metadata
	}
	return nil
}

func (inv *Invoice) LinesPeriodEnd() *int64 {
	var end int64
	for _, line := range inv.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	if end == 0 {
		return nil
	}
	return &end
}

func (inv *Invoice) LinesPriceID() string {
	for _, line := range inv.Lines.Data {
		if line.Price != nil && line.Price.ID != "" {
			return line.Price.ID
		}
		if line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "" {
			return line.Pricing.PriceDetails.Price
		}
	}
	return ""
}

// SubscriptionInfo is what RetrieveSubscription returns.
type SubscriptionInfo struct {
	ID          string
	CustomerRef string
	Status      string
	PeriodEnd   *int64
	PriceID     string
	Metadata    map[string]string
}

// CheckoutRequest describes a checkout session to create.
type CheckoutRequest struct {
	UserID     string
	PlanRef    string // Stripe price id
	Mode       string // "subscription" or "payment"
	SuccessURL string
	CancelURL  string
}

// Session is a created checkout session.
type Session struct {
	ID  string
	URL string
}
