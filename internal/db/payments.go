package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrSignatureUsed is returned when a transaction signature has already paid
// for a request.
var ErrSignatureUsed = errors.New("transaction signature already used")

const (
	PaymentVerified  = "verified"
	PaymentSubmitted = "submitted"
	PaymentDelivered = "delivered"
	PaymentFailed    = "failed"
	PaymentCancelled = "cancelled"
)

// ValidPaymentTransitions defines the allowed ledger status transitions.
var ValidPaymentTransitions = map[string][]string{
	PaymentVerified:  {PaymentSubmitted, PaymentFailed, PaymentCancelled},
	PaymentSubmitted: {PaymentDelivered, PaymentFailed, PaymentCancelled},
}

// IsTerminalPaymentStatus reports whether no further transition is possible.
func IsTerminalPaymentStatus(status string) bool {
	return len(ValidPaymentTransitions[status]) == 0
}

type Payment struct {
	Signature    string `json:"signature"`
	RequestID    string `json:"request_id"`
	ChatID       int64  `json:"chat_id"`
	SpaceURL     string `json:"space_url"`
	RequestType  string `json:"request_type"`
	Amount       string `json:"amount"`
	BlockTime    string `json:"block_time"`
	JobID        string `json:"job_id,omitempty"`
	Status       string `json:"status"`
	Summary      string `json:"summary,omitempty"`
	ErrorMessage string `json:"error,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

// NewPayment is the verified transfer recorded before a job is started.
type NewPayment struct {
	Signature   string
	RequestID   string
	ChatID      int64
	SpaceURL    string
	RequestType string
	Amount      string
	BlockTime   time.Time
}

// RecordPayment inserts a verified payment. A signature can be recorded only
// once; reuse returns ErrSignatureUsed.
func (s *Store) RecordPayment(ctx context.Context, p NewPayment) error {
	const q = `
INSERT INTO payments(signature, request_id, chat_id, space_url, request_type, amount, block_time, status)
VALUES(?,?,?,?,?,?,?,'verified')`
	_, err := s.Writer.ExecContext(ctx, q,
		p.Signature, p.RequestID, p.ChatID, p.SpaceURL, p.RequestType, p.Amount,
		p.BlockTime.UTC().Format(time.RFC3339),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return ErrSignatureUsed
		}
		return fmt.Errorf("record payment %s: %w", ShortSig(p.Signature), err)
	}
	return nil
}

// TransitionPayment validates and performs a status transition on a payment.
func (s *Store) TransitionPayment(ctx context.Context, signature, from, to string) error {
	if !slices.Contains(ValidPaymentTransitions[from], to) {
		return fmt.Errorf("invalid payment transition: %s -> %s", from, to)
	}
	extra := ""
	if IsTerminalPaymentStatus(to) {
		extra = ", completed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')"
	}
	q := fmt.Sprintf(`UPDATE payments SET status = ?, updated_at = strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now')%s WHERE signature = ? AND status = ?`, extra)
	res, err := s.Writer.ExecContext(ctx, q, to, signature, from)
	if err != nil {
		return fmt.Errorf("transition payment %s %s->%s: %w", ShortSig(signature), from, to, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("payment %s not in status %s (concurrent modification?)", ShortSig(signature), from)
	}
	return nil
}

// AttachJob links the started summarization job and moves the payment to submitted.
func (s *Store) AttachJob(ctx context.Context, signature, jobID string) error {
	res, err := s.Writer.ExecContext(ctx, `
UPDATE payments
SET job_id = ?, status = 'submitted', updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE signature = ? AND status = 'verified'`, jobID, signature)
	if err != nil {
		return fmt.Errorf("attach job to payment %s: %w", ShortSig(signature), err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("payment %s not in status verified", ShortSig(signature))
	}
	return nil
}

// MarkPaymentDelivered stores the summary and completes a submitted payment.
func (s *Store) MarkPaymentDelivered(ctx context.Context, signature, summary string) error {
	if err := s.TransitionPayment(ctx, signature, PaymentSubmitted, PaymentDelivered); err != nil {
		return err
	}
	return s.UpdateSummary(ctx, signature, summary)
}

// CloseUnsuccessful moves a non-terminal payment to failed or cancelled and
// records why. Already terminal payments are left untouched.
func (s *Store) CloseUnsuccessful(ctx context.Context, signature, status, reason string) error {
	if status != PaymentFailed && status != PaymentCancelled {
		return fmt.Errorf("unsupported closing status %q", status)
	}
	p, err := s.GetPayment(ctx, signature)
	if err != nil {
		return err
	}
	if IsTerminalPaymentStatus(p.Status) {
		return nil
	}
	if err := s.TransitionPayment(ctx, signature, p.Status, status); err != nil {
		return err
	}
	_, err = s.Writer.ExecContext(ctx, `
UPDATE payments SET error_message = ? WHERE signature = ?`, trimNotificationError(reason), signature)
	if err != nil {
		return fmt.Errorf("set payment %s error: %w", ShortSig(signature), err)
	}
	return nil
}

// RecoverInterruptedPayments fails payments left verified or submitted by a
// previous run and queues a refund alert for each. It returns the count.
func (s *Store) RecoverInterruptedPayments(ctx context.Context, reason string) (int, error) {
	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recovery: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT signature FROM payments WHERE status IN ('verified', 'submitted')`)
	if err != nil {
		return 0, fmt.Errorf("list interrupted payments: %w", err)
	}
	var sigs []string
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan signature: %w", err)
		}
		sigs = append(sigs, sig)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list interrupted payments: %w", err)
	}

	reason = trimNotificationError(reason)
	for _, sig := range sigs {
		if _, err := tx.ExecContext(ctx, `
UPDATE payments
SET status = 'failed', error_message = ?,
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
    completed_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE signature = ?`, reason, sig); err != nil {
			return 0, fmt.Errorf("fail payment %s: %w", ShortSig(sig), err)
		}
		if _, err := enqueueRefundAlert(ctx, tx, sig, NotificationEventRefundFailed, reason); err != nil {
			return 0, fmt.Errorf("enqueue refund alert for %s: %w", ShortSig(sig), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recovery: %w", err)
	}
	return len(sigs), nil
}

// UpdateSummary replaces the stored summary (used after edits and shortening).
func (s *Store) UpdateSummary(ctx context.Context, signature, summary string) error {
	_, err := s.Writer.ExecContext(ctx, `
UPDATE payments SET summary = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE signature = ?`, summary, signature)
	if err != nil {
		return fmt.Errorf("update summary for payment %s: %w", ShortSig(signature), err)
	}
	return nil
}

const paymentColumns = `signature, request_id, chat_id, space_url, request_type, amount, block_time,
       job_id, status, summary, error_message, created_at, updated_at, COALESCE(completed_at,'')`

func scanPayment(row interface{ Scan(...any) error }) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.Signature, &p.RequestID, &p.ChatID, &p.SpaceURL, &p.RequestType, &p.Amount, &p.BlockTime,
		&p.JobID, &p.Status, &p.Summary, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	return p, err
}

func (s *Store) GetPayment(ctx context.Context, signature string) (Payment, error) {
	p, err := scanPayment(s.Reader.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE signature = ?`, signature))
	if err != nil {
		if err == sql.ErrNoRows {
			return Payment{}, fmt.Errorf("payment %s: %w", ShortSig(signature), ErrNotFound)
		}
		return Payment{}, fmt.Errorf("get payment %s: %w", ShortSig(signature), err)
	}
	return p, nil
}

func (s *Store) GetPaymentByJob(ctx context.Context, jobID string) (Payment, error) {
	p, err := scanPayment(s.Reader.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE job_id = ? ORDER BY created_at DESC LIMIT 1`, jobID))
	if err != nil {
		if err == sql.ErrNoRows {
			return Payment{}, fmt.Errorf("payment for job %s: %w", jobID, ErrNotFound)
		}
		return Payment{}, fmt.Errorf("get payment for job %s: %w", jobID, err)
	}
	return p, nil
}

// LatestDelivered returns the chat's most recent delivered payment updated at
// or after since.
func (s *Store) LatestDelivered(ctx context.Context, chatID int64, since time.Time) (Payment, error) {
	p, err := scanPayment(s.Reader.QueryRowContext(ctx, `
SELECT `+paymentColumns+`
FROM payments
WHERE chat_id = ? AND status = 'delivered' AND summary != '' AND updated_at >= ?
ORDER BY updated_at DESC
LIMIT 1`, chatID, since.UTC().Format(time.RFC3339)))
	if err != nil {
		if err == sql.ErrNoRows {
			return Payment{}, fmt.Errorf("delivered summary for chat %d: %w", chatID, ErrNotFound)
		}
		return Payment{}, fmt.Errorf("latest delivered for chat %d: %w", chatID, err)
	}
	return p, nil
}

type PaymentFilter struct {
	Status string
	ChatID int64
	Limit  int
}

func (s *Store) ListPayments(ctx context.Context, f PaymentFilter) ([]Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments`
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.ChatID != 0 {
		where = append(where, "chat_id = ?")
		args = append(args, f.ChatID)
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return out, nil
}

// ResolvePayment finds a payment by full signature, job ID or unique
// signature prefix.
func (s *Store) ResolvePayment(ctx context.Context, ref string) (Payment, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Payment{}, fmt.Errorf("empty payment reference")
	}
	if p, err := s.GetPayment(ctx, ref); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Payment{}, err
	}
	if p, err := s.GetPaymentByJob(ctx, ref); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Payment{}, err
	}

	rows, err := s.Reader.QueryContext(ctx,
		`SELECT signature FROM payments WHERE signature LIKE ? ORDER BY updated_at DESC LIMIT 2`, ref+"%")
	if err != nil {
		return Payment{}, fmt.Errorf("resolve payment %q: %w", ref, err)
	}
	var matches []string
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			rows.Close()
			return Payment{}, fmt.Errorf("scan signature: %w", err)
		}
		matches = append(matches, sig)
	}
	rows.Close()

	switch len(matches) {
	case 0:
		return Payment{}, fmt.Errorf("no payment matching %q: %w", ref, ErrNotFound)
	case 1:
		return s.GetPayment(ctx, matches[0])
	default:
		return Payment{}, fmt.Errorf("ambiguous payment prefix %q matches %s and others", ref, ShortSig(matches[0]))
	}
}

// ShortSig returns a log-friendly short form of a transaction signature.
func ShortSig(sig string) string {
	if len(sig) > 12 {
		return sig[:8] + "…" + sig[len(sig)-4:]
	}
	return sig
}
