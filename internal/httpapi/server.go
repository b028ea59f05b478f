package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"botvip/internal/utils"
)

type errorResponse struct {
	Error string `json:"error"`
}

type Routes struct {
	StripeWebhook   http.Handler
	TelegramWebhook http.Handler // nil when the bot long-polls
	WebhookAllow    *utils.Allowlist
	TrustedProxies  *utils.Allowlist // peers whose X-Forwarded-For is believed
	RateLimiter     *RateLimiter
}

func NewRouter(routes Routes) http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(RealIP(routes.TrustedProxies))
	r.Use(Logger)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Bot ativo e rodando!"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if routes.RateLimiter != nil {
			r.Use(routes.RateLimiter.Middleware)
		}
		r.With(AllowCIDRs(routes.WebhookAllow)).Post("/webhook", routes.StripeWebhook.ServeHTTP)
		if routes.TelegramWebhook != nil {
			r.Post("/telegram/webhook", routes.TelegramWebhook.ServeHTTP)
		}
	})

	return r
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
