// Package chain reads payments and balances from Solana.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"sqragent/internal/retry"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// RPCClient is the subset of *rpc.Client used here.
type RPCClient interface {
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	Close() error
}

// Dialer creates an RPC client for an endpoint.
type Dialer func(endpoint string) RPCClient

// DialRPC is the default Dialer.
func DialRPC(endpoint string) RPCClient {
	return rpc.New(endpoint)
}

// Transfer is a verified payment.
type Transfer struct {
	Signature string
	Amount    decimal.Decimal
	BlockTime time.Time
}

// errNotFound marks a transaction the node does not (yet) return.
var errNotFound = errors.New("transaction not found")

var maxTxVersion uint64 = 0

// Verifier checks that a transaction signature pays the recipient wallet
// within the payment window.
type Verifier struct {
	endpoint  string
	recipient solana.PublicKey
	window    time.Duration
	policy    retry.Policy
	dial      Dialer
	observe   func(outcome string)
}

type VerifierOption func(*Verifier)

// WithPolicy overrides the RPC retry policy.
func WithPolicy(p retry.Policy) VerifierOption {
	return func(v *Verifier) { v.policy = p }
}

// WithDialer overrides how RPC clients are created.
func WithDialer(d Dialer) VerifierOption {
	return func(v *Verifier) { v.dial = d }
}

// WithObserver registers a callback receiving each verification outcome
// ("confirmed" or an error Code).
func WithObserver(fn func(outcome string)) VerifierOption {
	return func(v *Verifier) { v.observe = fn }
}

func NewVerifier(endpoint string, recipient solana.PublicKey, window time.Duration, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		endpoint:  endpoint,
		recipient: recipient,
		window:    window,
		policy:    retry.DefaultPolicy(),
		dial:      DialRPC,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify confirms that signature transferred at least required tokens of mint
// to the recipient wallet, no earlier than commandStart and no later than
// commandStart plus the payment window. Rejections are *VerificationError.
func (v *Verifier) Verify(ctx context.Context, signature string, commandStart time.Time, required decimal.Decimal, mint solana.PublicKey) (Transfer, error) {
	t, err := v.verify(ctx, signature, commandStart, required, mint)
	if v.observe != nil {
		outcome := "confirmed"
		var verr *VerificationError
		if errors.As(err, &verr) {
			outcome = string(verr.Code)
		} else if err != nil {
			outcome = "error"
		}
		v.observe(outcome)
	}
	return t, err
}

func (v *Verifier) verify(ctx context.Context, signature string, commandStart time.Time, required decimal.Decimal, mint solana.PublicKey) (Transfer, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return Transfer{}, &VerificationError{Code: CodeBadSignature, Err: err}
	}

	client := v.dial(v.endpoint)
	defer client.Close()

	tx, err := retry.Do(ctx, v.policy, "getTransaction", func(ctx context.Context) (*rpc.GetTransactionResult, error) {
		out, err := client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxTxVersion,
		})
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return nil, retry.Transient(errNotFound)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, retry.Transient(err)
		}
		if out == nil || out.BlockTime == nil || out.Meta == nil {
			return nil, retry.Transient(errNotFound)
		}
		return out, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Transfer{}, ctx.Err()
		}
		if errors.Is(err, errNotFound) {
			return Transfer{}, &VerificationError{Code: CodeTxNotFound, Err: err}
		}
		slog.Warn("chain: rpc unavailable", "sig", signature, "err", err)
		return Transfer{}, &VerificationError{Code: CodeRPCUnavailable, Err: err}
	}

	if tx.Meta.Err != nil {
		return Transfer{}, &VerificationError{Code: CodeTransactionFailed, Err: fmt.Errorf("%v", tx.Meta.Err)}
	}

	blockTime := tx.BlockTime.Time().UTC()
	// Block time has second granularity.
	start := commandStart.UTC().Truncate(time.Second)
	delta := blockTime.Sub(start)
	if delta < 0 {
		return Transfer{}, &VerificationError{Code: CodeCompletedBeforeCommand}
	}
	if delta > v.window {
		late := int(math.Ceil((delta - v.window).Minutes()))
		return Transfer{}, &VerificationError{Code: CodeCompletedAfterDeadline, MinutesLate: late}
	}

	amount, found := TransferredAmount(tx.Meta.PreTokenBalances, tx.Meta.PostTokenBalances, mint, v.recipient)
	if !found {
		return Transfer{}, &VerificationError{Code: CodeTokenBalanceNotFound}
	}
	if !amount.IsPositive() {
		return Transfer{}, &VerificationError{Code: CodeInvalidTransfer, Amount: amount}
	}
	if amount.LessThan(required) {
		return Transfer{}, &VerificationError{Code: CodeInsufficientAmount, Amount: amount, Required: required}
	}

	slog.Info("chain: payment confirmed", "sig", signature, "amount", amount.String(), "block_time", blockTime)
	return Transfer{Signature: signature, Amount: amount, BlockTime: blockTime}, nil
}

// TransferredAmount sums post-minus-pre balances of mint held by owner.
// Pre balances are matched by account index; a missing pre balance counts as
// zero (the account was created by the transaction). found is false when no
// post balance matches.
func TransferredAmount(pre, post []rpc.TokenBalance, mint, owner solana.PublicKey) (amount decimal.Decimal, found bool) {
	preByIndex := make(map[uint16]decimal.Decimal, len(pre))
	for _, b := range pre {
		if matches(b, mint, owner) {
			preByIndex[b.AccountIndex] = uiAmount(b)
		}
	}

	amount = decimal.Zero
	for _, b := range post {
		if !matches(b, mint, owner) {
			continue
		}
		found = true
		amount = amount.Add(uiAmount(b).Sub(preByIndex[b.AccountIndex]))
	}
	return amount, found
}

func matches(b rpc.TokenBalance, mint, owner solana.PublicKey) bool {
	return b.Mint.Equals(mint) && b.Owner != nil && b.Owner.Equals(owner)
}

// uiAmount converts the raw integer amount to token units using decimals.
func uiAmount(b rpc.TokenBalance) decimal.Decimal {
	if b.UiTokenAmount == nil {
		return decimal.Zero
	}
	raw, err := decimal.NewFromString(b.UiTokenAmount.Amount)
	if err != nil {
		if s := b.UiTokenAmount.UiAmountString; s != "" {
			if d, err := decimal.NewFromString(s); err == nil {
				return d
			}
		}
		return decimal.Zero
	}
	return raw.Shift(-int32(b.UiTokenAmount.Decimals))
}
