// Package cli implements the tpmlog command-line interface using Cobra.
// It provides the signing daemon, the remote verifier, the collector and
// the maintenance commands around TPM key material.
package cli

import (
	"io"
	"log/slog"

	"github.com/karasz/tpmlog/internal/config"
	"github.com/karasz/tpmlog/internal/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	jsonOut    bool

	cfg       *config.Config
	logger    = log.Discard()
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "tpmlog",
	Short: "Tamper-evident logging anchored in a TPM PCR chain",
	Long: `tpmlog signs every log line with a TPM-resident key after extending a
resettable PCR with the line's digest. Each record carries the resulting PCR
value, so any removal or reordering breaks the chain.

Records are kept in a local secure log and optionally published to a remote
collector, where "tpmlog verify" re-checks them independently.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		opts := log.Options{
			Verbose:       verbose || cfg.Log.Verbose,
			Dir:           cfg.Log.Dir,
			RetentionDays: cfg.Log.RetentionDays,
		}
		if cmd.Flags().Changed("json") {
			opts.JSONFormat = &jsonOut
		}
		l, closer, err := log.New(opts)
		if err != nil {
			// Fall back to stderr only; losing the file sink is not fatal.
			cmd.PrintErrf("Warning: failed to initialize file logging: %v\n", err)
			opts.Dir = ""
			l, closer, _ = log.New(opts)
		}
		logger, logCloser = l, closer
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.config/tpmlog/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "log and print in JSON format")
}
