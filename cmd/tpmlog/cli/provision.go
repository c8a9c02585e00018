package cli

import (
	"fmt"

	"github.com/karasz/tpmlog"
	"github.com/spf13/cobra"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create the TPM signing key",
	Long: `Creates an RSA-2048 signing key under the owner storage root key and writes
its public and private blobs to tpm.key_dir. Existing blobs are overwritten,
which starts a new verification identity.

Only the native backend can provision; with tpm2-tools use tpm2_createprimary
and tpm2_create directly.`,
	Args: cobra.NoArgs,
	RunE: runProvision,
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	if cfg.TPM.Backend == "tools" {
		return fmt.Errorf("provisioning requires the native backend")
	}
	opts, err := tpmOptions(cfg)
	if err != nil {
		return err
	}
	tpm, err := tpmlog.OpenNativeTPM(opts.Device, opts.Alg)
	if err != nil {
		return fmt.Errorf("opening tpm: %w", err)
	}
	defer tpm.Close()

	files, err := tpm.Provision(cfg.TPM.KeyDir)
	if err != nil {
		return err
	}
	logger.Info("signing key provisioned", "public", files.Public, "private", files.Private)
	fmt.Printf("Public key:  %s\nPrivate key: %s\n", files.Public, files.Private)
	return nil
}
