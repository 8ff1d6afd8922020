package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var loginToken string

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store an API token",
	Long: `Stores the marketplace bearer token in the state directory.

The token is checked against the credit balance endpoint before it is saved.
Without --token it is read from stdin.`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored API token",
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show login state and credit balance",
	RunE:  runWhoami,
}

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "API token (read from stdin if omitted)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	tok := strings.TrimSpace(loginToken)
	if tok == "" {
		fmt.Fprint(cmd.OutOrStdout(), "Token: ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read token: %w", err)
		}
		tok = strings.TrimSpace(line)
	}
	if tok == "" {
		return fmt.Errorf("token is required")
	}

	if err := a.auth.SetToken(tok); err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	bal, err := a.credits.Refresh(ctx)
	if err != nil {
		_ = a.auth.Logout()
		return fmt.Errorf("token rejected: %w", err)
	}

	logger.Info("logged in", zap.String("api", a.client.BaseURL()))
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in. Balance: %s credits\n", bal.Balance.StringFixed(2))
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.auth.Logout(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "API: %s\n", a.client.BaseURL())
	if !a.auth.LoggedIn() {
		fmt.Fprintln(out, "Not logged in.")
		return nil
	}

	ctx, cancel := requestContext(cmd.Context())
	defer cancel()
	bal, err := a.credits.Refresh(ctx)
	if err != nil {
		return describe(err)
	}
	fmt.Fprintln(out, "Logged in.")
	fmt.Fprintf(out, "Balance: %s credits\n", bal.Balance.StringFixed(2))
	return nil
}
