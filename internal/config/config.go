package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	LedgerDriverFile     = "file"
	LedgerDriverPostgres = "postgres"
)

// Plan is one offered plan: the menu key used in callback data, the label
// shown on the button and the Stripe price it sells.
type Plan struct {
	Key     string
	Name    string
	PriceID string
	Mode    string `validate:"oneof=subscription payment"`
}

// Plans is the configured plan menu in display order.
type Plans []Plan

// ByKey returns the plan for a menu key.
func (ps Plans) ByKey(key string) (Plan, bool) {
	for _, p := range ps {
		if p.Key == key {
			return p, true
		}
	}
	return Plan{}, false
}

// ByPrice returns the plan selling a Stripe price.
func (ps Plans) ByPrice(priceID string) (Plan, bool) {
	for _, p := range ps {
		if p.PriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}

type Config struct {
	BotToken            string `validate:"required"`
	StripeSecretKey     string `validate:"required"`
	StripeWebhookSecret string
	Plans               Plans `validate:"dive"`
	ChannelID           string
	LogsChatID          string
	PublicBaseURL       string `validate:"omitempty,url"`
	TelegramSecretToken string
	Port                string `validate:"required,numeric"`

	LogLevel  string
	LogFormat string `validate:"oneof=auto json console"`

	LedgerDriver string `validate:"oneof=file postgres"`
	LedgerPath   string
	DBUser       string
	DBPassword   string
	DBName       string
	DBHost       string
	DBPort       string

	RedisHost     string
	RedisPort     string
	RedisPassword string

	AssetsDir          string
	SupportContact     string
	FollowupFirstDelay time.Duration `validate:"gt=0"`
	FollowupStepDelay  time.Duration `validate:"gt=0"`
	InviteTTL          time.Duration `validate:"gt=0"`
	LapsedGrace        time.Duration `validate:"gte=0"`
	AllowedWebhookIPs  []string
	TrustedProxies     []string
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, using system environment variables")
	}

	cfg := &Config{
		BotToken:            getEnv("TOKEN_TELEGRAM", ""),
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		ChannelID:           getEnv("CHANNEL_ID", ""),
		LogsChatID:          getEnv("LOGS_CHAT_ID", ""),
		PublicBaseURL:       strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		TelegramSecretToken: getEnv("TELEGRAM_WEBHOOK_SECRET", ""),
		Port:                getEnv("PORT", "3000"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "auto"),
		LedgerDriver:        getEnv("LEDGER_DRIVER", LedgerDriverFile),
		LedgerPath:          getEnv("LEDGER_PATH", "./data/subscribers.json"),
		DBUser:              getEnv("DB_USER", "postgres"),
		DBPassword:          getEnv("DB_PASSWORD", "postgres"),
		DBName:              getEnv("DB_NAME", "botvip"),
		DBHost:              getEnv("DB_HOST", "localhost"),
		DBPort:              getEnv("DB_PORT", "5432"),
		RedisHost:           getEnv("REDIS_HOST", ""),
		RedisPort:           getEnv("REDIS_PORT", "6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		AssetsDir:           getEnv("ASSETS_DIR", "./assets"),
		SupportContact:      getEnv("SUPPORT_CONTACT", "@SeuAtendimento"),
		FollowupFirstDelay:  getDuration("FOLLOWUP_FIRST_DELAY", 5*time.Minute),
		FollowupStepDelay:   getDuration("FOLLOWUP_STEP_DELAY", 24*time.Hour),
		InviteTTL:           getDuration("INVITE_TTL", 24*time.Hour),
		LapsedGrace:         getDuration("LAPSED_GRACE", 48*time.Hour),
		AllowedWebhookIPs:   splitList(getEnv("WEBHOOK_ALLOWED_CIDRS", "")),
		TrustedProxies:      splitList(getEnv("TRUSTED_PROXIES", "")),
	}
	cfg.Plans = loadPlans()

	return cfg
}

// Validate checks the settings the serve command cannot run without.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, p := range c.Plans {
		if p.PriceID == "" {
			return fmt.Errorf("invalid configuration: plan %s has no price id", p.Key)
		}
	}
	return nil
}

// Plans are read from PLANO_1..PLANO_3. Unset slots are skipped so a shop can
// sell fewer plans.
func loadPlans() Plans {
	defaults := []struct {
		name string
		mode string
	}{
		{"💎 Plano Semanal", "subscription"},
		{"🔥 Plano Mensal", "subscription"},
		{"🚀 Plano Vitalício", "payment"},
	}

	var plans Plans
	for i, d := range defaults {
		n := i + 1
		priceID := getEnv(fmt.Sprintf("PLANO_%d", n), "")
		if priceID == "" {
			continue
		}
		plans = append(plans, Plan{
			Key:     fmt.Sprintf("plano%d", n),
			Name:    getEnv(fmt.Sprintf("PLANO_%d_NOME", n), d.name),
			PriceID: priceID,
			Mode:    getEnv(fmt.Sprintf("PLANO_%d_MODE", n), d.mode),
		})
	}
	return plans
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(getEnv(key, ""))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	// bare numbers are seconds
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Warn().Str("key", key).Str("value", raw).Msg("Invalid duration, using default")
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
