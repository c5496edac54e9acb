// Package app provides the entry point for the umauthd command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/umauth/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "umauthd",
	DisableAutoGenTag: true,
	Short:             "umauthd is an OAuth2/OpenID Connect authorization server with UMA 2.0 support",
	Long: `umauthd is an OAuth2 and OpenID Connect authorization server with User-Managed
Access (UMA 2.0) support. It issues, introspects and revokes tokens, manages
permission tickets and evaluates resource-owner policies before granting
requesting parties access to protected resources.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the umauthd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
