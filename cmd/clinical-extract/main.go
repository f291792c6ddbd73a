// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the clinical-extract CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/clinical-extract/internal/config"
	"github.com/pdiddy/clinical-extract/internal/secrets"
)

// version is set at build time via ldflags.
var version = "dev"

// loadedSecrets holds values loaded from .secrets/ at startup.
var loadedSecrets map[string]string

// dotEnvLoaded records whether a .env file was read, for the startup log.
var dotEnvLoaded bool

// rootCmd runs one extraction when invoked without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "clinical-extract",
	Short: "Extract structured findings from clinical text with an LLM",
	Long: `clinical-extract sends a clinical-text extraction task to an
OpenAI-compatible model API, aligns every extraction back to the source
text, and writes the results as JSONL together with an HTML visualization.

Running the command without a subcommand performs one run. The task
(instruction, few-shot examples and input text) is built in and can be
replaced with --task, or only its input with --input.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.LoadDotEnv()
		if err != nil {
			return err
		}
		dotEnvLoaded = loaded

		s, err := secrets.Load(secrets.DefaultDir)
		if err != nil {
			return err
		}
		loadedSecrets = s
		if len(s) > 0 {
			fmt.Fprintf(os.Stderr, "Loaded secrets: %v\n", secrets.Names(s))
		}
		return nil
	},
	RunE: runExtract,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./clinical-extract.yaml or ~/.config/clinical-extract/clinical-extract.yaml)")
	addRunFlags(rootCmd)
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("clinical-extract")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "clinical-extract"))
		}
	}

	viper.SetEnvPrefix("CLINICAL_EXTRACT")
	viper.AutomaticEnv()
	if err := config.SetDefaults(viper.GetViper()); err != nil {
		fmt.Fprintln(os.Stderr, "Config:", err)
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
