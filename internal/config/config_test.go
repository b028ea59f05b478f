package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigPlans(t *testing.T) {
	t.Setenv("PLANO_1", "price_weekly")
	t.Setenv("PLANO_2", "")
	t.Setenv("PLANO_3", "price_lifetime")
	t.Setenv("PLANO_3_NOME", "Vitalício")

	cfg := LoadConfig()

	require.Len(t, cfg.Plans, 2)
	assert.Equal(t, Plan{Key: "plano1", Name: "💎 Plano Semanal", PriceID: "price_weekly", Mode: "subscription"}, cfg.Plans[0])
	assert.Equal(t, Plan{Key: "plano3", Name: "Vitalício", PriceID: "price_lifetime", Mode: "payment"}, cfg.Plans[1])

	p, ok := cfg.Plans.ByPrice("price_lifetime")
	require.True(t, ok)
	assert.Equal(t, "plano3", p.Key)

	p, ok = cfg.Plans.ByKey("plano1")
	require.True(t, ok)
	assert.Equal(t, "price_weekly", p.PriceID)

	_, ok = cfg.Plans.ByKey("plano2")
	assert.False(t, ok)
}

func TestLoadConfigDurations(t *testing.T) {
	t.Setenv("FOLLOWUP_FIRST_DELAY", "90s")
	t.Setenv("FOLLOWUP_STEP_DELAY", "3600")
	t.Setenv("INVITE_TTL", "not-a-duration")

	cfg := LoadConfig()

	assert.Equal(t, 90*time.Second, cfg.FollowupFirstDelay)
	assert.Equal(t, time.Hour, cfg.FollowupStepDelay)
	assert.Equal(t, 24*time.Hour, cfg.InviteTTL)
}

func TestValidate(t *testing.T) {
	t.Setenv("TOKEN_TELEGRAM", "123:abc")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("PLANO_1", "price_weekly")
	t.Setenv("WEBHOOK_ALLOWED_CIDRS", "3.18.12.63/32, 3.130.192.231/32")
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8")

	cfg := LoadConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"3.18.12.63/32", "3.130.192.231/32"}, cfg.AllowedWebhookIPs)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.TrustedProxies)

	cfg.BotToken = ""
	assert.Error(t, cfg.Validate())

	cfg.BotToken = "123:abc"
	cfg.LedgerDriver = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg.LedgerDriver = LedgerDriverFile
	cfg.Plans[0].Mode = "setup"
	assert.Error(t, cfg.Validate())
}
