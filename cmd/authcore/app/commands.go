// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the authcore command-line application.
package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/authcore/pkg/authserver"
	"github.com/stacklok/authcore/pkg/logger"
	"github.com/stacklok/authcore/pkg/versions"
)

// NewRootCmd creates a new root command for the authcore CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "authcore",
		DisableAutoGenTag: true,
		Short:             "OAuth 2.0 and OpenID Connect authorization server",
		Long: `authcore is an OAuth 2.0 / OpenID Connect authorization server. It issues
access, identity and refresh tokens for registered clients and supports the
authorization code (with PKCE), client credentials, refresh token and token
exchange grants. Login, consent and logout pages are hosted by a separate UI
that talks to the interaction endpoints.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the server configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server.

Settings are read from the file given with --config, then overridden by
AUTHCORE_* environment variables (a .env file in the working directory is
loaded first) and finally by flags. Without a configuration file the server
starts with in-memory storage and the sample clients.`,
		RunE: runServe,
	}

	cmd.Flags().String("issuer", "", "Issuer URL announced in discovery and tokens")
	cmd.Flags().String("listen-addr", "", "Address to listen on")
	cmd.Flags().String("storage", "", "Storage backend (memory, redis or sql)")
	for key, flag := range map[string]string{
		"issuer":       "issuer",
		"listen_addr":  "listen-addr",
		"storage.type": "storage",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			logger.Errorf("Error binding %s flag: %v", flag, err)
		}
	}
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration exactly as serve would, including environment
overrides, and report any error without starting the server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cmd.Printf("Configuration is valid\n")
			cmd.Printf("  Issuer: %s\n", cfg.Issuer)
			cmd.Printf("  Storage: %s\n", cfg.Storage.Type)
			cmd.Printf("  Clients: %d\n", len(cfg.Clients))
			if len(cfg.External) > 0 {
				cmd.Printf("  External providers: %d\n", len(cfg.External))
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of authcore",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if jsonOutput {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(data))
				return nil
			}
			cmd.Printf("authcore %s\n", info.Version)
			cmd.Printf("Commit: %s\n", info.Commit)
			cmd.Printf("Built: %s\n", info.BuildDate)
			cmd.Printf("Go version: %s\n", info.GoVersion)
			cmd.Printf("Platform: %s\n", info.Platform)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")
	return cmd
}

func loadConfig() (*authserver.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warnf("Failed to load .env file: %v", err)
	}

	configPath := viper.GetString("config")
	if configPath != "" {
		logger.Infof("Loading configuration from: %s", configPath)
	}
	cfg, err := authserver.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	srv, err := authserver.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Errorf("Failed to close server: %v", err)
		}
	}()

	logger.Infow("starting authorization server",
		"issuer", cfg.Issuer,
		"address", cfg.ListenAddr,
		"storage", cfg.Storage.Type,
	)
	return srv.Run(ctx, cfg.ListenAddr)
}
