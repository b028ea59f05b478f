package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mymmrac/telego"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"botvip/internal/access"
	"botvip/internal/audit"
	"botvip/internal/bot"
	"botvip/internal/database"
	"botvip/internal/dedupe"
	"botvip/internal/followup"
	"botvip/internal/httpapi"
	"botvip/internal/ledger"
	"botvip/internal/messenger"
	"botvip/internal/payment"
	"botvip/internal/reconciler"
	"botvip/internal/utils"
	"botvip/internal/worker"
)

const telegramWebhookPath = "/telegram/webhook"

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the Stripe webhook endpoint and the background checker",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	subscribers := ledger.New(store)

	var claims dedupe.Store = dedupe.NewMemory()
	rdb, err := database.ConnectRedis(ctx, cfg)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("Redis unavailable, using in-memory dedupe")
	case rdb != nil:
		defer rdb.Close()
		claims = dedupe.NewRedis(rdb)
	}

	tg, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	username := ""
	if me, err := tg.GetMe(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not fetch bot username, deep links disabled")
	} else {
		username = me.Username
	}

	if cfg.ChannelID == "" {
		log.Warn().Msg("CHANNEL_ID not set, paid users will be handled manually")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET not set, Stripe events will not be verified")
	}
	if cfg.LogsChatID == "" {
		log.Warn().Msg("LOGS_CHAT_ID not set, ops alerts will only be written to this log")
	}
	if len(cfg.Plans) == 0 {
		log.Warn().Msg("No PLANO_n configured, the plans menu is empty")
	}

	chat := messenger.NewTelegram(tg)
	notifier := audit.NewNotifier(chat, cfg.LogsChatID)

	scheduler := followup.NewScheduler(followup.Config{
		FirstDelay:  cfg.FollowupFirstDelay,
		StepDelay:   cfg.FollowupStepDelay,
		BotUsername: username,
	}, subscribers, chat, notifier)
	defer scheduler.Stop()

	engine := access.NewEngine(subscribers, chat, notifier, access.Config{
		ChannelID: cfg.ChannelID,
		InviteTTL: cfg.InviteTTL,
	}, access.WithFollowups(scheduler))

	stripeClient := payment.NewStripeClient(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	rec := reconciler.New(stripeClient, engine, subscribers, chat, notifier, reconciler.WithPlans(cfg.Plans))

	allow, err := utils.NewAllowlist(cfg.AllowedWebhookIPs)
	if err != nil {
		return fmt.Errorf("invalid WEBHOOK_ALLOWED_CIDRS: %w", err)
	}
	proxies, err := utils.NewAllowlist(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}

	front := bot.NewBot(tg, chat, chat, subscribers, stripeClient, scheduler, bot.Config{
		Username:       username,
		Plans:          cfg.Plans,
		AssetsDir:      cfg.AssetsDir,
		SupportContact: cfg.SupportContact,
		ChannelID:      cfg.ChannelID,
		InviteTTL:      cfg.InviteTTL,
	})

	routes := httpapi.Routes{
		StripeWebhook:  reconciler.NewWebhookHandler(stripeClient, rec, claims, notifier),
		WebhookAllow:   allow,
		TrustedProxies: proxies,
		RateLimiter:    httpapi.NewRateLimiter(20, 40),
	}

	var (
		updates  <-chan telego.Update
		receiver *bot.UpdateReceiver
	)
	if cfg.PublicBaseURL != "" {
		receiver = bot.NewUpdateReceiver(cfg.TelegramSecretToken, 100)
		routes.TelegramWebhook = receiver
		updates = receiver.Updates()
		if err := front.RegisterWebhook(ctx, cfg.PublicBaseURL+telegramWebhookPath, cfg.TelegramSecretToken); err != nil {
			return err
		}
		log.Info().Str("url", cfg.PublicBaseURL+telegramWebhookPath).Msg("Receiving Telegram updates by webhook")
	} else {
		updates, err = front.LongPolling(ctx)
		if err != nil {
			return err
		}
		log.Info().Msg("Receiving Telegram updates by long polling")
	}

	srv := httpapi.NewServer(":"+cfg.Port, httpapi.NewRouter(routes))
	checker := worker.NewChecker(subscribers, claims, notifier, cfg.LapsedGrace)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown failed")
		}
		if receiver != nil {
			receiver.Close()
		}
		return nil
	})

	g.Go(func() error {
		return front.Run(gctx, updates)
	})

	g.Go(func() error {
		return checker.Start(gctx)
	})

	log.Info().Str("version", Version).Str("bot", username).Str("ledger", cfg.LedgerDriver).Msg("Service started successfully")
	err = g.Wait()
	log.Info().Msg("Service stopped")
	return err
}
