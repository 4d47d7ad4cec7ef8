package chain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Code classifies why a payment was rejected.
type Code string

const (
	CodeBadSignature           Code = "bad_signature"
	CodeTxNotFound             Code = "tx_not_found"
	CodeRPCUnavailable         Code = "rpc_unavailable"
	CodeTransactionFailed      Code = "transaction_failed"
	CodeCompletedBeforeCommand Code = "completed_before_command"
	CodeCompletedAfterDeadline Code = "completed_after_deadline"
	CodeTokenBalanceNotFound   Code = "token_balance_not_found"
	CodeInvalidTransfer        Code = "invalid_transfer"
	CodeInsufficientAmount     Code = "insufficient_amount"
)

// VerificationError is returned by Verify when a signature does not prove a
// valid payment. Its Error text is safe to show to the payer.
type VerificationError struct {
	Code        Code
	Amount      decimal.Decimal // transferred amount, for InsufficientAmount
	Required    decimal.Decimal
	MinutesLate int // for CompletedAfterDeadline
	Err         error
}

func (e *VerificationError) Error() string {
	switch e.Code {
	case CodeBadSignature:
		return "❌ Invalid transaction signature format"
	case CodeTxNotFound:
		return "❌ Transaction not found. Please check the signature and try again in a moment."
	case CodeRPCUnavailable:
		return "❌ Solana RPC is temporarily unavailable. Please try again shortly."
	case CodeTransactionFailed:
		return "❌ Transaction failed on-chain"
	case CodeCompletedBeforeCommand:
		return "❌ Transaction was completed before the summarize command was issued"
	case CodeCompletedAfterDeadline:
		return fmt.Sprintf("❌ Time limit expired! Transaction completed %d minutes after the deadline", e.MinutesLate)
	case CodeTokenBalanceNotFound:
		return "❌ No SQR token transfer to the recipient wallet was found in this transaction"
	case CodeInvalidTransfer:
		return "❌ Invalid transfer amount"
	case CodeInsufficientAmount:
		return fmt.Sprintf("❌ Insufficient amount: received %s SQR, required %s SQR", e.Amount.String(), e.Required.String())
	default:
		return "❌ Transaction verification failed"
	}
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Retryable reports whether the payer may resubmit the same signature later.
func (e *VerificationError) Retryable() bool {
	return e.Code == CodeTxNotFound || e.Code == CodeRPCUnavailable
}
