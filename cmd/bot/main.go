package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"botvip/internal/config"
	"botvip/internal/database"
	"botvip/internal/ledger"
	"botvip/internal/logging"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "vipbot",
		Short:         "Telegram VIP channel subscriptions sold through Stripe",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg := config.LoadConfig()
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	return cfg
}

// openStore picks the ledger backend. The returned func releases it.
func openStore(cfg *config.Config) (ledger.Store, func(), error) {
	switch cfg.LedgerDriver {
	case config.LedgerDriverPostgres:
		db, err := database.ConnectPostgres(cfg)
		if err != nil {
			return nil, nil, err
		}
		return ledger.NewGormStore(db), func() { closeDB(db) }, nil
	default:
		store, err := ledger.OpenFileStore(cfg.LedgerPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open ledger file: %w", err)
		}
		return store, func() {}, nil
	}
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
