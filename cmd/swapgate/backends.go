package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/swapgate/swapgate/internal/config"
)

var backendsConfigPath string

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List configured backends",
	Long:  `List the backends in the configuration file. The default active backend is marked with an asterisk.`,
	RunE:  runBackends,
}

func init() {
	backendsCmd.Flags().StringVarP(&backendsConfigPath, "config", "c", config.EnvOrDefault("SWAPGATE_CONFIG", "swapgate.yaml"), "Path to YAML backend configuration")
	rootCmd.AddCommand(backendsCmd)
}

func runBackends(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(backendsConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	active := cfg.Defaults.Active
	if active == "" && len(cfg.Backends) > 0 {
		active = cfg.Backends[0].Name
	}

	green := color.New(color.FgGreen, color.Bold)
	dim := color.New(color.Faint)

	for _, b := range cfg.Backends {
		name := b.Name
		if b.DisplayName != "" {
			name = fmt.Sprintf("%s (%s)", b.Name, b.DisplayName)
		}
		if b.Name == active {
			_, _ = green.Printf("* %s\n", name)
		} else {
			fmt.Printf("  %s\n", name)
		}
		_, _ = dim.Printf("    %s  auth=%s", b.BaseURL, b.Auth)
		if b.SupportsAdaptiveThinking {
			_, _ = dim.Printf("  adaptive-thinking")
		}
		fmt.Println()
	}

	if cfg.AgentTeams != nil && cfg.AgentTeams.TeammateBackend != "" {
		fmt.Printf("\nteammate backend: %s\n", cfg.AgentTeams.TeammateBackend)
		for agent, name := range cfg.AgentTeams.Overrides {
			fmt.Printf("  %s -> %s\n", agent, name)
		}
	}
	return nil
}
