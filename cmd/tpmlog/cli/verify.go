package cli

import (
	"fmt"

	"github.com/karasz/tpmlog"
	"github.com/spf13/cobra"
)

var verifyOnce bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Continuously verify records held by the remote collector",
	Long: `Polls the remote record store for records newer than the saved cursor and
re-checks each one: the signature over its message digest against the public
key, and its PCR against the predecessor's. Results are logged; chain breaks and
bad signatures are logged as security events.

With --once a single poll is made and the command exits when its records
have been checked.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyOnce, "once", false, "poll once and exit")
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	tpm, err := openTPM(cfg)
	if err != nil {
		return err
	}
	defer tpm.Close()

	chain := tpmlog.NewChain(tpm, chainConfig(cfg))
	if err := chain.InitializeVerifier(); err != nil {
		return fmt.Errorf("loading verification key: %w", err)
	}

	query, err := newRemoteQuery(cfg)
	if err != nil {
		return err
	}

	v, err := tpmlog.NewVerifier(chain, query, tpmlog.NewFileCursor(cfg.Verifier.CursorPath), tpmlog.VerifierConfig{
		PollInterval:   cfg.Verifier.PollInterval.D(),
		InitialLimit:   cfg.Verifier.InitialLimit,
		BatchLimit:     cfg.Verifier.BatchLimit,
		QueueSize:      cfg.Verifier.QueueSize,
		DequeueTimeout: cfg.Verifier.DequeueTimeout.D(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if verifyOnce {
		if _, err := v.PollOnce(ctx); err != nil {
			return err
		}
		logger.Info("verification pass complete", "records", v.Flush())
		return nil
	}

	logger.Info("verifier started", "remote", cfg.Remote.URL, "interval", cfg.Verifier.PollInterval.D())
	return v.Run(ctx)
}
