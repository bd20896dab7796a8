package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ent0n29/prepai/internal/app"
	"github.com/ent0n29/prepai/internal/config"
)

func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant user credits",
	}
	cmd.AddCommand(newCreditsBalanceCmd(), newCreditsGrantCmd())
	return cmd
}

func newCreditsBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Print a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			credits, closeLedger, err := app.OpenLedger(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeLedger()

			balance, err := credits.Balance(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("read balance: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %d\n", args[0], balance)
			return err
		},
	}
}

func newCreditsGrantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Add credits to a user's balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			credits, closeLedger, err := app.OpenLedger(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeLedger()

			balance, err := credits.Grant(cmd.Context(), args[0], amount)
			if err != nil {
				return fmt.Errorf("grant credits: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %d\n", args[0], balance)
			return err
		},
	}
}
