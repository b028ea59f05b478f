package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"botvip/internal/access"
	"botvip/internal/config"
	"botvip/internal/dedupe"
	"botvip/internal/ledger"
	"botvip/internal/messenger/messengertest"
	"botvip/internal/payment"
)

const (
	testSecret = "whsec_reconciler"
	channel    = "-100999"
)

func epoch(v int64) *int64 { return &v }

type fakeProvider struct {
	secret string
	mu     sync.Mutex
	subs   map[string]payment.SubscriptionInfo
	err    error
}

func (p *fakeProvider) VerifyAndParseEvent(payload []byte, sig string) (payment.Event, error) {
	return payment.ParseEvent(payload, sig, p.secret)
}

func (p *fakeProvider) Verified() bool { return p.secret != "" }

func (p *fakeProvider) RetrieveSubscription(_ context.Context, ref string) (payment.SubscriptionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return payment.SubscriptionInfo{}, p.err
	}
	info, ok := p.subs[ref]
	if !ok {
		return payment.SubscriptionInfo{}, fmt.Errorf("%w: no such subscription %s", payment.ErrUpstreamUnavailable, ref)
	}
	return info, nil
}

type notes struct {
	mu   sync.Mutex
	list []string
}

func (n *notes) Notify(_ context.Context, text string) {
	n.mu.Lock()
	n.list = append(n.list, text)
	n.mu.Unlock()
}

func (n *notes) matching(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.list {
		if strings.Contains(s, substr) {
			c++
		}
	}
	return c
}

type harness struct {
	handler  *WebhookHandler
	ledger   *ledger.Ledger
	rec      *messengertest.Recorder
	notes    *notes
	provider *fakeProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := ledger.OpenFileStore(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	l := ledger.New(store, ledger.WithClock(func() time.Time { return time.Unix(1_699_000_000, 0) }))

	h := &harness{
		ledger: l,
		rec:    messengertest.New(),
		notes:  &notes{},
		provider: &fakeProvider{
			secret: testSecret,
			subs: map[string]payment.SubscriptionInfo{
				"sub_1": {ID: "sub_1", CustomerRef: "cus_9", PeriodEnd: epoch(1_700_000_000), PriceID: "price_weekly"},
			},
		},
	}
	engine := access.NewEngine(l, h.rec, h.notes, access.Config{ChannelID: channel})
	rec := New(h.provider, engine, l, h.rec, h.notes, WithPlans(config.Plans{
		{Key: "plano1", Name: "💎 Plano Semanal", PriceID: "price_weekly", Mode: "subscription"},
	}))
	h.handler = NewWebhookHandler(h.provider, rec, dedupe.NewMemory(), h.notes)
	return h
}

func event(id, typ string, object any) string {
	body, _ := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"created":     1_699_000_000,
		"api_version": "2025-03-31.basil",
		"data":        map[string]any{"object": object},
	})
	return string(body)
}

func (h *harness) deliver(t *testing.T, payload string) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func checkoutCompleted(id string) string {
	return event(id, EventCheckoutCompleted, map[string]any{
		"id":                  "cs_1",
		"mode":                "subscription",
		"payment_status":      "paid",
		"customer":            "cus_9",
		"subscription":        "sub_1",
		"client_reference_id": "555",
		"metadata":            map[string]string{"telegram_id": "555", "price_id": "price_weekly"},
	})
}

func TestCheckoutCompletedGrantsAccess(t *testing.T) {
	h := newHarness(t)

	w := h.deliver(t, checkoutCompleted("evt_1"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())

	sub, ok, err := h.ledger.Get(context.Background(), "555")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cus_9", sub.PaymentCustomerRef)
	assert.Equal(t, "sub_1", sub.ActiveSubscriptionRef)
	assert.Equal(t, "price_weekly", sub.PlanRef)
	require.NotNil(t, sub.PeriodEnd)
	assert.Equal(t, int64(1_700_000_000), *sub.PeriodEnd)

	assert.Equal(t, 1, h.rec.InviteCount())
	assert.Len(t, h.rec.To("555"), 1)
}

func TestDuplicateDeliveryHasNoSideEffects(t *testing.T) {
	h := newHarness(t)

	require.Equal(t, http.StatusOK, h.deliver(t, checkoutCompleted("evt_1")).Code)
	w := h.deliver(t, checkoutCompleted("evt_1"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true,"status":"duplicate"}`, w.Body.String())

	assert.Equal(t, 1, h.rec.InviteCount())
	assert.Len(t, h.rec.To("555"), 1)
}

func TestInvoiceAfterCheckoutIsSilent(t *testing.T) {
	h := newHarness(t)

	h.deliver(t, checkoutCompleted("evt_1"))
	w := h.deliver(t, event("evt_2", EventInvoicePaymentSucceeded, map[string]any{
		"id":       "in_1",
		"customer": "cus_9",
		"parent": map[string]any{"subscription_details": map[string]any{
			"subscription": "sub_1",
			"metadata":     map[string]string{"telegram_id": "555"},
		}},
		"lines": map[string]any{"data": []any{map[string]any{"period": map[string]any{"end": 1_700_000_000}}}},
	}))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 1, h.rec.InviteCount())
	assert.Len(t, h.rec.To("555"), 1)
}

func TestInvoiceRenewalResolvesByCustomer(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, checkoutCompleted("evt_1"))

	h.provider.mu.Lock()
	h.provider.subs["sub_1"] = payment.SubscriptionInfo{ID: "sub_1", CustomerRef: "cus_9", PeriodEnd: epoch(1_700_604_800), PriceID: "price_weekly"}
	h.provider.mu.Unlock()

	w := h.deliver(t, event("evt_3", EventInvoicePaid, map[string]any{
		"id":           "in_2",
		"customer":     "cus_9",
		"subscription": "sub_1",
	}))
	require.Equal(t, http.StatusOK, w.Code)

	sub, _, err := h.ledger.Get(context.Background(), "555")
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_604_800), *sub.PeriodEnd)
	assert.Len(t, h.rec.Containing("555", "renovada"), 1)
}

func TestSubscriptionDeletedRevokes(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, checkoutCompleted("evt_1"))

	w := h.deliver(t, event("evt_4", EventSubscriptionDeleted, map[string]any{
		"id":       "sub_1",
		"customer": "cus_9",
		"status":   "canceled",
	}))
	require.Equal(t, http.StatusOK, w.Code)

	removals := h.rec.RemovalList()
	require.Len(t, removals, 1)
	assert.Equal(t, channel, removals[0].ChannelID)
	assert.Equal(t, "555", removals[0].UserID)

	entitled, err := h.ledger.IsEntitled(context.Background(), "555")
	require.NoError(t, err)
	assert.False(t, entitled)
}

func TestSubscriptionDeletedNotesPlanAndPeriod(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, checkoutCompleted("evt_1"))

	w := h.deliver(t, event("evt_4", EventSubscriptionDeleted, map[string]any{
		"id":       "sub_1",
		"customer": "cus_9",
		"status":   "canceled",
		"items": map[string]any{"data": []any{map[string]any{
			"current_period_end": 1_700_000_000,
			"price":              map[string]any{"id": "price_weekly"},
		}}},
	}))
	require.Equal(t, http.StatusOK, w.Code)

	want := fmt.Sprintf("📉 Assinatura encerrada para 555: 💎 Plano Semanal, período até %s (canceled)", access.FormatDate(time.Unix(1_700_000_000, 0)))
	assert.Equal(t, 1, h.notes.matching(want))

	// a repeat for an already revoked user adds no second note
	h.deliver(t, event("evt_6", EventSubscriptionDeleted, map[string]any{"id": "sub_1", "customer": "cus_9"}))
	assert.Equal(t, 1, h.notes.matching("📉 Assinatura encerrada"))
}

func TestPlanNameFallsBackToPrice(t *testing.T) {
	r := New(nil, nil, nil, nil, nil)
	assert.Equal(t, "price_x", r.planName("price_x"))
	assert.Equal(t, "plano desconhecido", r.planName(""))
}

func TestDeletedOlderSubscriptionIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, checkoutCompleted("evt_1"))

	w := h.deliver(t, event("evt_5", EventSubscriptionDeleted, map[string]any{"id": "sub_0", "customer": "cus_9"}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, h.rec.RemovalList())

	entitled, err := h.ledger.IsEntitled(context.Background(), "555")
	require.NoError(t, err)
	assert.True(t, entitled)
}

func TestUnresolvablePaymentFailedAlertsOnce(t *testing.T) {
	h := newHarness(t)

	w := h.deliver(t, event("evt_6", EventInvoicePaymentFailed, map[string]any{
		"id":       "in_9",
		"customer": "cus_unknown",
	}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, h.notes.matching("evt_6"))
	assert.Zero(t, h.rec.Count())
}

func TestPaymentFailedNotifiesWithoutRevoking(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, checkoutCompleted("evt_1"))

	w := h.deliver(t, event("evt_7", EventInvoicePaymentFailed, map[string]any{"id": "in_3", "customer": "cus_9"}))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Len(t, h.rec.Containing("555", "Não conseguimos processar"), 1)
	entitled, err := h.ledger.IsEntitled(context.Background(), "555")
	require.NoError(t, err)
	assert.True(t, entitled)
	assert.Empty(t, h.rec.RemovalList())
}

func TestBadSignatureRejected(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(checkoutCompleted("evt_1")))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "Webhook Error: "))

	_, ok, err := h.ledger.Get(context.Background(), "555")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, h.rec.Count())
}

func TestOversizedBodyRejected(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(make([]byte, webhookBodyLimit+1)))
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckoutWithoutUserAlerts(t *testing.T) {
	h := newHarness(t)

	w := h.deliver(t, event("evt_8", EventCheckoutCompleted, map[string]any{
		"id": "cs_2", "mode": "subscription", "payment_status": "paid", "subscription": "sub_1",
	}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, h.notes.matching("evt_8"))
	assert.Zero(t, h.rec.InviteCount())
}

func TestUnpaidCheckoutOnlyNotifies(t *testing.T) {
	h := newHarness(t)

	h.deliver(t, event("evt_9", EventCheckoutCompleted, map[string]any{
		"id": "cs_3", "mode": "subscription", "payment_status": "unpaid",
		"subscription": "sub_1", "client_reference_id": "777",
	}))

	assert.Len(t, h.rec.Containing("777", "sendo processado"), 1)
	_, ok, err := h.ledger.Get(context.Background(), "777")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOneTimePurchaseNeverExpires(t *testing.T) {
	h := newHarness(t)

	h.deliver(t, event("evt_10", EventCheckoutCompleted, map[string]any{
		"id": "cs_4", "mode": "payment", "payment_status": "paid", "customer": "cus_3",
		"metadata": map[string]string{"telegram_id": "42", "price_id": "price_life"},
	}))

	sub, ok, err := h.ledger.Get(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, sub.PeriodEnd)
	assert.Equal(t, "price_life", sub.PlanRef)
}

func TestSubscriptionLookupFailureStillGrants(t *testing.T) {
	h := newHarness(t)
	h.provider.err = errors.New("stripe down")

	w := h.deliver(t, checkoutCompleted("evt_11"))
	require.Equal(t, http.StatusOK, w.Code)

	entitled, err := h.ledger.IsEntitled(context.Background(), "555")
	require.NoError(t, err)
	assert.True(t, entitled)
	assert.Equal(t, 1, h.rec.InviteCount())
}

func TestFailedEventCanBeResent(t *testing.T) {
	h := newHarness(t)
	payload := event("evt_12", EventSubscriptionDeleted, map[string]any{"id": "sub_1", "customer": "cus_9"})

	// nothing to revoke yet
	h.deliver(t, payload)
	assert.Equal(t, 1, h.notes.matching("evt_12"))

	h.deliver(t, checkoutCompleted("evt_1"))
	w := h.deliver(t, payload)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
	assert.Len(t, h.rec.RemovalList(), 1)
}

func TestUnknownEventAcknowledged(t *testing.T) {
	h := newHarness(t)

	w := h.deliver(t, event("evt_13", "customer.created", map[string]any{"id": "cus_1"}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
}

func TestUnverifiedMode(t *testing.T) {
	h := newHarness(t)
	h.provider.secret = ""
	h.handler = NewWebhookHandler(h.provider, h.handler.reconciler, dedupe.NewMemory(), h.notes)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(checkoutCompleted("evt_14")))
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, h.rec.InviteCount())
}
