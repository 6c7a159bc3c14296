// Package cli implements the pairsim command line.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/apresai/pairsim/internal/config"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "pairsim",
	Short:        "Simulate a conversation between two persona profiles and score their compatibility",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pairsim %s\n", Version)
	},
}

var converseCmd = &cobra.Command{
	Use:   "converse",
	Short: "Run a conversation between two personas",
	RunE:  runConverse,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Ask the safety gate whether two personas may talk",
	RunE:  runCheck,
}

var (
	flagConfig        string
	flagVerbose       bool
	flagProfileA      string
	flagProfileB      string
	flagProvider      string
	flagModel         string
	flagMaxTurns      int
	flagDelay         time.Duration
	flagCheckEachTurn bool
	flagSkipCheck     bool
	flagTUI           bool
	flagOutput        string
	flagNATSURL       string
)

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(converseCmd)
	rootCmd.AddCommand(checkCmd)

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable detailed logging")
	rootCmd.PersistentFlags().StringVarP(&flagProfileA, "persona-a", "a", "", "Profile of the persona who opens (YAML or JSON)")
	rootCmd.PersistentFlags().StringVarP(&flagProfileB, "persona-b", "b", "", "Profile of the persona who answers first (YAML or JSON)")
	rootCmd.PersistentFlags().StringVarP(&flagProvider, "provider", "p", "", "Model provider: gemini, claude, nova, openai")
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "Model ID or alias for every role")

	converseCmd.Flags().IntVarP(&flagMaxTurns, "max-turns", "n", 0, "Maximum number of messages (default from config, 10)")
	converseCmd.Flags().DurationVarP(&flagDelay, "delay", "d", 0, "Pause between turns (default from config, 2s)")
	converseCmd.Flags().BoolVar(&flagCheckEachTurn, "check-each-turn", false, "Run the safety gate before every turn")
	converseCmd.Flags().BoolVar(&flagSkipCheck, "skip-check", false, "Skip the safety gate before the conversation starts")
	converseCmd.Flags().BoolVarP(&flagTUI, "tui", "t", false, "Show the conversation live in a terminal view")
	converseCmd.Flags().StringVarP(&flagOutput, "out", "o", "", "Write the transcript JSON to this file")
	converseCmd.Flags().StringVar(&flagNATSURL, "nats-url", "", "Also publish turns to this NATS server")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config file and environment, then applies the flags
// the user set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("provider") {
		cfg.Provider = flagProvider
	}
	if flags.Changed("model") {
		cfg.Models = config.Models{Default: flagModel}
	}
	if flags.Changed("max-turns") {
		cfg.Conversation.MaxTurns = flagMaxTurns
	}
	if flags.Changed("delay") {
		cfg.Conversation.TurnDelay = flagDelay
	}
	if flags.Changed("check-each-turn") {
		cfg.Conversation.CheckEachTurn = flagCheckEachTurn
	}
	if flags.Changed("nats-url") {
		cfg.NATS.URL = flagNATSURL
	}
	if flagVerbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func requireProfiles() error {
	if flagProfileA == "" || flagProfileB == "" {
		return fmt.Errorf("both --persona-a (-a) and --persona-b (-b) are required")
	}
	return nil
}
