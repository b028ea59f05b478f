package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mymmrac/telego"
	"github.com/spf13/cobra"

	"botvip/internal/access"
	"botvip/internal/audit"
	"botvip/internal/config"
	"botvip/internal/ledger"
	"botvip/internal/messenger"
	"botvip/internal/models"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and repair subscriber records",
	}
	cmd.AddCommand(ledgerListCmd(), ledgerShowCmd(), ledgerGrantCmd(), ledgerRevokeCmd())
	return cmd
}

func ledgerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all subscribers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, closeStore, err := openLedger()
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := l.List(cmd.Context())
			if err != nil {
				return err
			}
			return printTable(cmd.OutOrStdout(), records, l.Now())
		},
	}
}

func ledgerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [user-id]",
		Short: "Print one subscriber record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, closeStore, err := openLedger()
			if err != nil {
				return err
			}
			defer closeStore()

			rec, found, err := l.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("subscriber %s not found", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

func ledgerGrantCmd() *cobra.Command {
	var (
		customer  string
		sub       string
		plan      string
		periodEnd string
		lifetime  bool
	)
	cmd := &cobra.Command{
		Use:   "grant [user-id]",
		Short: "Grant access by hand, exactly like a paid webhook would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			engine, closeStore, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			g := access.Grant{
				PaymentCustomerRef: customer,
				SubscriptionRef:    sub,
				PlanRef:            plan,
				NonExpiring:        lifetime,
			}
			if periodEnd != "" && !lifetime {
				end, err := parseEpoch(periodEnd)
				if err != nil {
					return err
				}
				g.PeriodEnd = &end
			}

			res, err := engine.GrantAccess(cmd.Context(), args[0], g)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res.Outcome)
			if res.InviteLink != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "invite: %s\n", res.InviteLink)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&customer, "customer", "", "Stripe customer id (cus_...)")
	cmd.Flags().StringVar(&sub, "subscription", "", "Stripe subscription id (sub_...)")
	cmd.Flags().StringVar(&plan, "plan", "", "Stripe price id")
	cmd.Flags().StringVar(&periodEnd, "period-end", "", "Expiry as unix seconds, RFC3339 or YYYY-MM-DD")
	cmd.Flags().BoolVar(&lifetime, "lifetime", false, "Grant access that never expires")
	return cmd
}

func ledgerRevokeCmd() *cobra.Command {
	var sub string
	cmd := &cobra.Command{
		Use:   "revoke [user-id]",
		Short: "Revoke access and remove the user from the channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			engine, closeStore, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			res, err := engine.RevokeAccess(cmd.Context(), args[0], sub)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res.Outcome)
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "subscription", "", "Only revoke if this is the active subscription")
	return cmd
}

func openLedger() (*ledger.Ledger, func(), error) {
	cfg := loadConfig()
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return ledger.New(store), closeStore, nil
}

func openEngine(cfg *config.Config) (*access.Engine, func(), error) {
	if cfg.BotToken == "" {
		return nil, nil, fmt.Errorf("TOKEN_TELEGRAM is required to grant or revoke")
	}
	tg, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create bot: %w", err)
	}
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	chat := messenger.NewTelegram(tg)
	engine := access.NewEngine(ledger.New(store), chat, audit.NewNotifier(chat, cfg.LogsChatID), access.Config{
		ChannelID: cfg.ChannelID,
		InviteTTL: cfg.InviteTTL,
	})
	return engine, closeStore, nil
}

func parseEpoch(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return secs, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Unix(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.Add(24*time.Hour - time.Second).Unix(), nil
	}
	return 0, fmt.Errorf("invalid period end %q", raw)
}

func printTable(out io.Writer, records []models.Subscriber, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tENTITLED\tEXPIRES\tSUBSCRIPTION\tCUSTOMER\tPLAN")
	for _, r := range records {
		expires := "never"
		if exp, ok := r.Expiry(); ok {
			expires = access.FormatDate(exp)
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%s\n",
			r.UserID, r.EntitledAt(now), expires, dash(r.ActiveSubscriptionRef), dash(r.PaymentCustomerRef), dash(r.PlanRef))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
