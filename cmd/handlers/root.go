/*
Copyright © 2025 Your Name

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package handlers

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trialtrends/internal/config"
	"trialtrends/internal/logger"
)

var cfgFile string

// version is set at build time with -ldflags "-X trialtrends/cmd/handlers.version=..."
var version = "dev"

// NewRootCmd creates the root command with all subcommands attached
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trialtrends",
		Short: "Detect month-over-month changes in clinical trial activity by condition",
		Long: `Trialtrends compares the number of clinical trials started per medical
condition in two months of the AACT ClinicalTrials.gov database.

Near-duplicate condition names are merged with precomputed embeddings,
the biggest increases and decreases are ranked, and a language model
writes a short summary of the changes.

Examples:
  # Compare January 2020 with April 2025 and summarize
  trialtrends detect --from 2020-01 --to 2025-04

  # Ranked tables only, as JSON
  trialtrends trends --from 2020-01 --to 2025-04 --output json

  # Rebuild the condition embedding store
  trialtrends embed`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Initialize configuration
	cobra.OnInitialize(initConfig)

	// Add persistent flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.trialtrends.yaml)")

	// Add subcommands
	rootCmd.AddCommand(NewDetectCmd())
	rootCmd.AddCommand(NewTrendsCmd())
	rootCmd.AddCommand(NewEmbedCmd())
	rootCmd.AddCommand(NewExtractCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if cfg.App.Debug {
		level = "debug"
	}
	logger.Configure(level, cfg.Logging.Format)

	// Show which config file is being used (if any)
	if cfg.App.ConfigFile != "" {
		logger.Debug("Using config file", "path", cfg.App.ConfigFile)
	}
}
