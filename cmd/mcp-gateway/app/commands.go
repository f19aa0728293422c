// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the mcp-gateway command-line application.
package app

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"

	"github.com/MykolaVaskevych/MCP-manager/pkg/gateway/config"
	"github.com/MykolaVaskevych/MCP-manager/pkg/logger"
	"github.com/MykolaVaskevych/MCP-manager/pkg/versions"
)

// NewRootCmd creates the root command of the mcp-gateway CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "mcp-gateway",
		DisableAutoGenTag: true,
		Short:             "MCP gateway - one access-controlled endpoint in front of many MCP servers",
		Long: `mcp-gateway sits between MCP clients and a set of backend MCP servers. It:

- launches and supervises the backend servers, restarting them when they fail
- exposes their tools, resources and prompts under namespaced names
- decides per client which of them may be listed or called
- caches idempotent responses

The configuration file is watched and applied without a restart.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the gateway configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRestartCmd())
	rootCmd.AddCommand(newInvalidateCmd())
	rootCmd.AddCommand(newDryRunCmd())
	rootCmd.AddCommand(newClientsCmd())

	return rootCmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of mcp-gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), info)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mcp-gateway %s\n", info.Version)
			fmt.Fprintf(out, "Commit: %s\n", info.Commit)
			fmt.Fprintf(out, "Built: %s\n", info.BuildDate)
			fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "Platform: %s\n", info.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")
	return cmd
}

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the gateway configuration file without starting anything.

This command checks:
- YAML syntax and ${VAR} expansion
- server sources, transports and health checks
- client identification predicates and access rules
- runtime limits, cache and admin settings`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Configuration is valid\n")
			fmt.Fprintf(out, "  Name: %s %s\n", cfg.Manager.Name, cfg.Manager.Version)
			fmt.Fprintf(out, "  Servers: %d (%d enabled)\n", len(cfg.Servers), len(cfg.Backends()))
			fmt.Fprintf(out, "  Clients: %d (default: %s)\n", len(cfg.Clients), cfg.DefaultClient)
			fmt.Fprintf(out, "  Access: default %s, %s\n", cfg.Access.DefaultPolicy, cfg.Access.Precedence)
			fmt.Fprintf(out, "  Cache: %s\n", cfg.Cache.Provider)
			if len(cfg.Access.CedarPolicies) > 0 {
				fmt.Fprintf(out, "  Cedar policies: %d\n", len(cfg.Access.CedarPolicies))
			}
			return nil
		},
	}
}

// loadConfig loads and validates the file named by --config.
func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")
	if configPath == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config flag")
	}

	logger.Debugf("Loading configuration from: %s", configPath)
	cfg, err := config.LoadAndValidate(config.NewYAMLLoader(configPath, &env.OSReader{}), config.NewValidator())
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
