package models

import (
	"time"
)

// Subscriber is the ledger record for one Telegram user. Empty string refs
// mean "not known yet"; a nil PeriodEnd means the entitlement has no known
// expiry.
type Subscriber struct {
	UserID                string `gorm:"primaryKey;size:64" json:"user_id"`
	PaymentCustomerRef    string `gorm:"size:255;index" json:"payment_customer_ref,omitempty"`
	ActiveSubscriptionRef string `gorm:"size:255" json:"active_subscription_ref,omitempty"`
	PlanRef               string `gorm:"size:255" json:"plan_ref,omitempty"`
	PeriodEnd             *int64 `json:"period_end,omitempty"` // unix seconds
	EndedSubscriptionRef  string `gorm:"size:255" json:"ended_subscription_ref,omitempty"`
	RevokedAt             *int64 `json:"revoked_at,omitempty"`
	CreatedAt             int64  `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt             int64  `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// EntitledAt reports whether the record grants access at the given instant.
func (s *Subscriber) EntitledAt(now time.Time) bool {
	if s == nil {
		return false
	}
	return s.PeriodEnd == nil || *s.PeriodEnd >= now.Unix()
}

// Expiry returns the period end as a time, or false when it never expires.
func (s *Subscriber) Expiry() (time.Time, bool) {
	if s == nil || s.PeriodEnd == nil {
		return time.Time{}, false
	}
	return time.Unix(*s.PeriodEnd, 0), true
}
