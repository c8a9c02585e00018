package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/karasz/tpmlog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runFIFO string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sign log lines arriving on the FIFO",
	Long: `Reads log lines from the configured named pipe, extends the PCR with each
line's digest, signs that digest and appends the record, with the PCR value
read back after the extend, to the local secure log. When a transport is configured, records are also published
to the remote collector; publishing never blocks signing.

Example:
  echo "engine start CAN ID: 291 . Timestamp: 1700000000.5 ." > /var/lib/tpmlog/tpmlog.fifo`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runFIFO, "fifo", "", "named pipe to read (overrides ingest.fifo)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	tpm, err := openTPM(cfg)
	if err != nil {
		return err
	}
	defer tpm.Close()

	chain := tpmlog.NewChain(tpm, chainConfig(cfg))
	if err := chain.Initialize(); err != nil {
		return fmt.Errorf("initializing chain: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	transport, err := newTransport(cfg)
	if err != nil {
		return fmt.Errorf("configuring transport: %w", err)
	}

	path := cfg.Ingest.FIFO
	if runFIFO != "" {
		path = runFIFO
	}
	f, err := tpmlog.OpenFIFO(path)
	if err != nil {
		return err
	}
	src := tpmlog.NewLineReader(f, cfg.Ingest.ReadGrace.D())
	src.SetMaxLine(cfg.Ingest.MaxLine)
	src.SetLogger(logger)
	defer src.Close()

	g, gctx := errgroup.WithContext(ctx)

	var pub tpmlog.RecordPublisher
	if transport != nil {
		defer transport.Close()
		p := tpmlog.NewPublisher(transport, tpmlog.PublisherConfig{
			QueueSize:   cfg.Publish.QueueSize,
			SendTimeout: cfg.Publish.Timeout.D(),
			Logger:      logger,
		})
		pub = p
		g.Go(func() error { return p.Run(gctx) })
	}

	ingestor := tpmlog.NewIngestor(src, chain, store, pub, tpmlog.IngestConfig{
		Backoff: cfg.Ingest.Backoff.D(),
		Logger:  logger,
	})
	g.Go(func() error { return ingestor.Run(gctx) })

	state := chain.State()
	logger.Info("signing daemon started",
		"fifo", path,
		"pcr_index", state.PCRIndex,
		"bank", chain.Algorithm().String(),
		"transport", cfg.Publish.Transport)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
