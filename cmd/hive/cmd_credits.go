package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Show your credit balance",
	RunE:  runCredits,
}

var creditsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List credit purchases",
	RunE:  runCreditsHistory,
}

var creditsTopUpCmd = &cobra.Command{
	Use:   "topup <amount>",
	Short: "Start a checkout to buy credits",
	Long: `Creates a hosted checkout for the given amount and prints its URL.
The balance updates once the payment completes; run "hive credits" to check.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreditsTopUp,
}

func init() {
	creditsCmd.AddCommand(creditsHistoryCmd, creditsTopUpCmd)
}

func runCredits(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireLogin(); err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	bal, err := a.credits.Refresh(ctx)
	if err != nil {
		return describe(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Balance: %s credits\n", bal.Balance.StringFixed(2))
	if !bal.UpdatedAt.IsZero() {
		fmt.Fprintf(cmd.OutOrStdout(), "Updated: %s\n", bal.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func runCreditsHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireLogin(); err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	purchases, err := a.credits.History(ctx)
	if err != nil {
		return describe(err)
	}

	out := cmd.OutOrStdout()
	if len(purchases) == 0 {
		fmt.Fprintln(out, "No purchases yet.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tAMOUNT\tCREDITS\tSTATUS")
	for _, p := range purchases {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			p.CreatedAt.Local().Format("2006-01-02"), p.Amount.StringFixed(2), p.Credits.StringFixed(2), p.Status)
	}
	return w.Flush()
}

func runCreditsTopUp(cmd *cobra.Command, args []string) error {
	amount, err := decimal.NewFromString(args[0])
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", args[0], err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.requireLogin(); err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	checkout, err := a.credits.TopUp(ctx, amount)
	if err != nil {
		return describe(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Complete your purchase at:\n  %s\n", checkout.URL)
	return nil
}
