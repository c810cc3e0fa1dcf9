package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/twinclawhq/twinclaw/internal/config"
	"github.com/twinclawhq/twinclaw/internal/pairing"
	"github.com/twinclawhq/twinclaw/internal/store"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage DM pairing requests and allow-lists",
	}
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingApproveCmd())
	return cmd
}

// openPairing builds the pairing service over the configured store. The
// mirror is wired so CLI approvals refresh the credentials files too.
func openPairing() (*pairing.Service, *store.Stores, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	stores, err := openStores(cfg)
	if err != nil {
		return nil, nil, err
	}
	svc := pairing.New(stores.Pairing, pairing.Options{
		MaxPending: cfg.Pairing.MaxPendingPerChannel,
		Mirror:     pairing.NewMirror(cfg.CredentialsDir()),
	})
	return svc, stores, nil
}

func pairingListCmd() *cobra.Command {
	var channel string
	var showAllowed bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, stores, err := openPairing()
			if err != nil {
				return err
			}
			defer stores.Close()
			ctx := cmd.Context()

			pending, err := svc.ListPending(ctx, channel)
			if err != nil {
				return fmt.Errorf("list pending: %w", err)
			}
			if len(pending) == 0 {
				fmt.Println("No pending pairing requests.")
			} else {
				fmt.Printf("%-10s %-20s %-8s %s\n", "CHANNEL", "SENDER", "CODE", "EXPIRES")
				now := time.Now().UTC()
				for _, req := range pending {
					fmt.Printf("%-10s %-20s %-8s %s\n",
						req.Channel, req.SenderID, req.Code, formatExpiry(req.ExpiresAt, now))
				}
			}

			if showAllowed {
				fmt.Println()
				printAllowed(ctx, svc, channel)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "restrict to one channel (telegram, whatsapp)")
	cmd.Flags().BoolVar(&showAllowed, "allowed", false, "also list approved senders")
	return cmd
}

func printAllowed(ctx context.Context, svc *pairing.Service, channel string) {
	channels := []string{channel}
	if channel == "" {
		channels = []string{"telegram", "whatsapp"}
	}
	fmt.Printf("%-10s %-20s %s\n", "CHANNEL", "SENDER", "APPROVED")
	total := 0
	for _, ch := range channels {
		entries, err := svc.ListAllowed(ctx, ch)
		if err != nil {
			fmt.Printf("%-10s (list failed: %s)\n", ch, err)
			continue
		}
		for _, e := range entries {
			fmt.Printf("%-10s %-20s %s\n", e.Channel, e.SenderID, e.ApprovedAt.Format("2006-01-02 15:04"))
			total++
		}
	}
	if total == 0 {
		fmt.Println("(no approved senders)")
	}
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <channel> [code]",
		Short: "Approve a pending request; prompts when the code is omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, stores, err := openPairing()
			if err != nil {
				return err
			}
			defer stores.Close()
			ctx := cmd.Context()
			channel := args[0]

			var code string
			if len(args) == 2 {
				code = args[1]
			} else {
				code, err = selectPendingCode(ctx, svc, channel)
				if err != nil {
					return err
				}
				if code == "" {
					return nil
				}
			}

			sender, err := svc.Approve(ctx, channel, code)
			switch {
			case errors.Is(err, pairing.ErrNotFound):
				return fmt.Errorf("code %s not found among pending %s requests", code, channel)
			case errors.Is(err, pairing.ErrExpired):
				return fmt.Errorf("code %s expired; ask the sender to message again", code)
			case err != nil:
				return err
			}

			fmt.Printf("Approved %s on %s.\n", sender, channel)
			return nil
		},
	}
}

// selectPendingCode prompts over the channel's open requests. Ctrl-C exits
// 130 like an interrupted shell command.
func selectPendingCode(ctx context.Context, svc *pairing.Service, channel string) (string, error) {
	pending, err := svc.ListPending(ctx, channel)
	if err != nil {
		return "", fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		fmt.Printf("No pending pairing requests for %s.\n", channel)
		return "", nil
	}

	now := time.Now().UTC()
	opts := make([]huh.Option[string], 0, len(pending))
	for _, req := range pending {
		label := fmt.Sprintf("%s  code %s  expires %s", req.SenderID, req.Code, formatExpiry(req.ExpiresAt, now))
		opts = append(opts, huh.NewOption(label, req.Code))
	}

	var code string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(fmt.Sprintf("Approve which %s sender?", channel)).
			Options(opts...).
			Value(&code),
	))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			os.Exit(130)
		}
		return "", err
	}
	return code, nil
}

func formatExpiry(expires, now time.Time) string {
	d := expires.Sub(now)
	if d <= 0 {
		return "expired"
	}
	return "in " + d.Round(time.Minute).String()
}
