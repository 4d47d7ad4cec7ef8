package cli

import (
	"fmt"
	"time"

	"sqragent/internal/chain"
	"sqragent/internal/session"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	verifyType  string
	verifySince string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <signature>",
	Short: "Check a payment signature on chain without recording it",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyType, "type", session.RequestText, "request type the payment is for: text or audio")
	verifyCmd.Flags().StringVar(&verifySince, "since", "", "command time as RFC3339 or a duration ago (default: one payment window ago)")
	rootCmd.AddCommand(verifyCmd)
}

type verifyOutput struct {
	Signature string `json:"signature"`
	Valid     bool   `json:"valid"`
	Amount    string `json:"amount,omitempty"`
	BlockTime string `json:"block_time,omitempty"`
	Error     string `json:"error,omitempty"`
}

func runVerify(cmd *cobra.Command, args []string) error {
	requestType, err := session.ParseRequestType(verifyType)
	if err != nil {
		return err
	}
	cfg, err := loadLocalConfig()
	if err != nil {
		return err
	}
	mint, err := solana.PublicKeyFromBase58(cfg.Solana.TokenMint)
	if err != nil {
		return fmt.Errorf("token mint: %w", err)
	}
	recipient, err := solana.PublicKeyFromBase58(cfg.Solana.RecipientWallet)
	if err != nil {
		return fmt.Errorf("recipient wallet: %w", err)
	}
	since, err := parseSince(verifySince, time.Now(), cfg.TxTimeout())
	if err != nil {
		return err
	}

	verifier := chain.NewVerifier(cfg.Solana.RPCURL, recipient, cfg.TxTimeout())
	transfer, verr := verifier.Verify(cmd.Context(), args[0], since, decimal.NewFromInt(cfg.Cost(requestType)), mint)

	out := verifyOutput{Signature: args[0], Valid: verr == nil}
	if verr != nil {
		out.Error = verr.Error()
	} else {
		out.Amount = transfer.Amount.String()
		out.BlockTime = transfer.BlockTime.UTC().Format(time.RFC3339)
	}
	if jsonOut {
		printJSON(out)
		return verr
	}
	if verr != nil {
		return verr
	}
	fmt.Printf("✅ valid payment: %s %s at %s\n", out.Amount, cfg.Solana.TokenSymbol, out.BlockTime)
	return nil
}

// parseSince accepts an RFC3339 time or a duration before now. Empty means
// one payment window before now.
func parseSince(raw string, now time.Time, window time.Duration) (time.Time, error) {
	if raw == "" {
		return now.Add(-window), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid --since %q (expected RFC3339 time or duration like 45m)", raw)
	}
	return now.Add(-d), nil
}
