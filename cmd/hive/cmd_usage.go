package main

import (
	"fmt"
	"os"

	"agenthive/cmd/hive/ui"
	"agenthive/internal/config"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var usageInteractive bool

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token and credit usage recorded by this client",
	RunE:  runUsage,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the config file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runConfigInit,
}

func init() {
	usageCmd.Flags().BoolVarP(&usageInteractive, "interactive", "i", false, "Open the scrollable usage view")
	configCmd.AddCommand(configShowCmd, configInitCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
	tracker := usageTracker(cmd)
	if tracker == nil {
		return fmt.Errorf("usage tracking is not available")
	}
	styles := ui.NewStyles(ui.ThemeNamed(cfg.UI.Theme))

	if !usageInteractive {
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderUsage(tracker.Stats(), styles))
		return nil
	}
	if _, err := tea.NewProgram(ui.NewUsagePageModel(tracker, styles), tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("usage UI failed: %w", err)
	}
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", configPath, data)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s\n", configPath)
		return nil
	}
	if err := config.DefaultConfig().Save(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
	return nil
}
