package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/karasz/tpmlog"
	"github.com/spf13/cobra"
)

var checkFrom uint64

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the local secure log offline",
	Long: `Replays the local secure log: every record's signature is checked against
the verification key and every PCR is recomputed from its predecessor.

Exits non-zero when any record fails.

Example:
  tpmlog check --from 1200`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().Uint64Var(&checkFrom, "from", 0, "first record index to check")
}

type checkLine struct {
	Index     uint64  `json:"index"`
	Timestamp float64 `json:"timestamp"`
	PCR       string  `json:"pcr"`
	Outcome   string  `json:"outcome"`
	Error     string  `json:"error,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	tpm, err := openTPM(cfg)
	if err != nil {
		return err
	}
	defer tpm.Close()

	chain := tpmlog.NewChain(tpm, chainConfig(cfg))
	if err := chain.InitializeVerifier(); err != nil {
		return fmt.Errorf("loading verification key: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed, color.Bold).SprintFunc()
	enc := json.NewEncoder(os.Stdout)

	sum, err := tpmlog.CheckStore(store, checkFrom, chain, func(res tpmlog.Verification) {
		r := res.Record
		if jsonOut {
			line := checkLine{
				Index:     r.Index,
				Timestamp: r.Timestamp,
				PCR:       hex.EncodeToString(r.PCR),
				Outcome:   res.Outcome.String(),
			}
			if res.Err != nil {
				line.Error = res.Err.Error()
			}
			_ = enc.Encode(line)
			return
		}
		if res.Outcome == tpmlog.OutcomeVerified {
			fmt.Printf("  %s %6d  %x\n", ok("[ok]"), r.Index, r.PCR)
			return
		}
		fmt.Printf("  %s %6d  %x  %s: %v\n", bad("[FAIL]"), r.Index, r.PCR, res.Outcome, res.Err)
	})
	if err != nil {
		return fmt.Errorf("reading store: %w", err)
	}

	if !jsonOut {
		fmt.Println()
		fmt.Printf("%d records: %d verified, %d bad signature, %d chain broken, %d tpm failure\n",
			sum.Total, sum.Verified, sum.BadSig, sum.ChainBroken, sum.Failed)
	}
	if !sum.OK() {
		if !jsonOut {
			fmt.Println("VERDICT:", bad("TAMPERED"))
		}
		return fmt.Errorf("%d of %d records failed verification", sum.Total-sum.Verified, sum.Total)
	}
	if !jsonOut {
		fmt.Println("VERDICT:", ok("INTACT"))
	}
	return nil
}
