package cli

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var pcrCmd = &cobra.Command{
	Use:   "pcr",
	Short: "Inspect or reset the chain PCR",
}

var pcrReadCmd = &cobra.Command{
	Use:   "read [index]",
	Short: "Print the current value of the chain PCR",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPCRRead,
}

var pcrResetCmd = &cobra.Command{
	Use:   "reset [index]",
	Short: "Reset the chain PCR to zero",
	Long: `Resets the chain PCR. The next signed record starts a new chain and is
marked isNewChain. Only resettable PCRs (16 and 23 at locality 0) accept this.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPCRReset,
}

func init() {
	rootCmd.AddCommand(pcrCmd)
	pcrCmd.AddCommand(pcrReadCmd)
	pcrCmd.AddCommand(pcrResetCmd)
}

func pcrIndex(args []string) (int, error) {
	if len(args) == 0 {
		return cfg.TPM.PCR, nil
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid pcr index %q", args[0])
	}
	return idx, nil
}

func runPCRRead(cmd *cobra.Command, args []string) error {
	idx, err := pcrIndex(args)
	if err != nil {
		return err
	}
	tpm, err := openTPM(cfg)
	if err != nil {
		return err
	}
	defer tpm.Close()

	v, err := tpm.ReadPCR(idx)
	if err != nil {
		return err
	}
	fmt.Printf("%s:%d = %s\n", tpm.Algorithm(), idx, hex.EncodeToString(v))
	return nil
}

func runPCRReset(cmd *cobra.Command, args []string) error {
	idx, err := pcrIndex(args)
	if err != nil {
		return err
	}
	tpm, err := openTPM(cfg)
	if err != nil {
		return err
	}
	defer tpm.Close()

	if err := tpm.ResetPCR(idx); err != nil {
		return err
	}
	logger.Warn("chain pcr reset", "event", "security", "pcr_index", idx)
	fmt.Printf("PCR %d reset\n", idx)
	return nil
}
