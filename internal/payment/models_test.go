package payment

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoiceSubscriptionRef(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantRef string
		wantEnd int64
		price   string
	}{
		{
			name:    "legacy top level",
			payload: `{"id":"in_1","subscription":"sub_1","lines":{"data":[{"period":{"end":1700000000},"price":{"id":"price_a"}}]}}`,
			wantRef: "sub_1",
			wantEnd: 1_700_000_000,
			price:   "price_a",
		},
		{
			name: "parent subscription details",
			payload: `{"id":"in_2","parent":{"subscription_details":{"subscription":"sub_2","metadata":{"telegram_id":"9"}}},
				"lines":{"data":[{"period":{"end":1800000000},"pricing":{"price_details":{"price":"price_b"}}}]}}`,
			wantRef: "sub_2",
			wantEnd: 1_800_000_000,
			price:   "price_b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inv Invoice
			require.NoError(t, json.Unmarshal([]byte(tt.payload), &inv))
			assert.Equal(t, tt.wantRef, inv.SubscriptionRef())
			require.NotNil(t, inv.LinesPeriodEnd())
			assert.Equal(t, tt.wantEnd, *inv.LinesPeriodEnd())
			assert.Equal(t, tt.price, inv.LinesPriceID())
		})
	}
}

func TestSubscriptionPeriodEnd(t *testing.T) {
	var sub Subscription
	require.NoError(t, json.Unmarshal([]byte(`{"id":"sub_1","customer":"cus_9",
		"items":{"data":[{"current_period_end":1700000000,"price":{"id":"price_weekly"}}]}}`), &sub))

	require.NotNil(t, sub.PeriodEnd())
	assert.Equal(t, int64(1_700_000_000), *sub.PeriodEnd())
	assert.Equal(t, "price_weekly", sub.FirstPriceID())

	assert.Nil(t, (&Subscription{}).PeriodEnd())
}

func TestCheckoutSessionPaid(t *testing.T) {
	assert.True(t, (&CheckoutSession{PaymentStatus: "paid"}).Paid())
	assert.True(t, (&CheckoutSession{PaymentStatus: "no_payment_required"}).Paid())
	assert.False(t, (&CheckoutSession{PaymentStatus: "unpaid"}).Paid())
}
