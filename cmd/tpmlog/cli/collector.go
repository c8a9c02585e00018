package cli

import (
	"fmt"

	"github.com/karasz/tpmlog"
	"github.com/spf13/cobra"
)

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Serve the remote record store",
	Long: `Runs the collector: it accepts published records over HTTP or WebSocket
and answers the verifier's window queries from an SQLite database.

Endpoints:
  POST /api/v1/records   publish one record (JSON or protobuf)
  GET  /api/v1/ws        publish a stream of records
  POST /api/v1/query     aggregation query used by "tpmlog verify"`,
	Args: cobra.NoArgs,
	RunE: runCollector,
}

func init() {
	rootCmd.AddCommand(collectorCmd)
}

func runCollector(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	c := cfg.Collector
	creds, err := tpmlog.ResolveCredentials(tpmlog.Credentials{
		Username:  c.Username,
		Password:  c.Password,
		XSRFToken: c.XSRFToken,
	})
	if err != nil {
		return err
	}

	store, err := tpmlog.OpenSQLiteStore(c.DB)
	if err != nil {
		return fmt.Errorf("opening collector db: %w", err)
	}
	defer store.Close()

	collector := tpmlog.NewCollector(store, tpmlog.CollectorConfig{
		Collection: c.Collection,
		Username:   creds.Username,
		Password:   creds.Password,
		XSRFToken:  creds.XSRFToken,
		Logger:     logger,
	})
	return collector.Serve(ctx, c.Addr, c.CertFile, c.KeyFile)
}
