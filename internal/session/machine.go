package session

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"sqragent/internal/chain"
	"sqragent/internal/chat"
	"sqragent/internal/db"
	"sqragent/internal/jobapi"
	"sqragent/internal/poller"
	"sqragent/internal/worker"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	msgProcessing   = "⏳ Processing your request..."
	msgVerifying    = "🔍 Verifying your transaction..."
	msgUnexpected   = "❌ An unexpected error occurred. Please try again later."
	msgBusy         = "⏳ You already have a summarization in progress. Use /cancel to stop it."
	msgExpired      = "❌ Transaction timeout: the %d minute payment window has expired. Please start again with /summarize_space."
	msgNoTx         = "❌ No active transaction to cancel."
	msgCancelled    = "✅ Your current transaction has been cancelled.\n\nFor refund (if any), please contact %s."
	msgSigUsed      = "❌ This transaction signature has already been used."
	msgQueueFull    = "❌ Too many summaries are in progress right now. Your payment was recorded; please contact %s for a refund."
	msgNoRecent     = "❌ No recent summary found. Summaries can be changed for %s after delivery."
	msgRefining     = "✏️ Updating your summary..."
	msgRefineFailed = "❌ Could not update the summary. Please try again later."
	msgStartFailed  = "❌ Could not start the summarization job. Your payment was recorded; please contact %s for a refund."
	msgNeedPrompt   = "Please describe the change, e.g. /edit_summary focus on the tokenomics discussion"
)

// Verifier checks a payment signature on chain.
type Verifier interface {
	Verify(ctx context.Context, signature string, commandStart time.Time, required decimal.Decimal, mint solana.PublicKey) (chain.Transfer, error)
}

// JobAPI starts download jobs and generates summaries.
type JobAPI interface {
	StartJob(ctx context.Context, spaceURL string) (string, error)
	Summarize(ctx context.Context, req jobapi.SummarizeRequest) (string, error)
}

// Ledger is the durable payment record. *db.Store satisfies it.
type Ledger interface {
	RecordPayment(ctx context.Context, p db.NewPayment) error
	AttachJob(ctx context.Context, signature, jobID string) error
	MarkPaymentDelivered(ctx context.Context, signature, summary string) error
	CloseUnsuccessful(ctx context.Context, signature, status, reason string) error
	UpdateSummary(ctx context.Context, signature, summary string) error
	LatestDelivered(ctx context.Context, chatID int64, since time.Time) (db.Payment, error)
	EnqueueNotificationEvent(ctx context.Context, signature, eventType, reason string) (int64, error)
}

// Scheduler runs pollers in the background. *worker.Pool satisfies it.
type Scheduler interface {
	Submit(t worker.Task) error
}

// JobRunner tracks a started job. *poller.Poller satisfies it.
type JobRunner interface {
	Poll(ctx context.Context, job poller.Job) poller.Result
}

// Observer receives request events for metrics.
type Observer interface {
	RequestSubmitted(requestType string)
	PaymentChecked(result string)
}

type nopObserver struct{}

func (nopObserver) RequestSubmitted(string) {}
func (nopObserver) PaymentChecked(string)   {}

type Config struct {
	TxTimeout            time.Duration
	TextCost             decimal.Decimal
	AudioCost            decimal.Decimal
	Mint                 solana.PublicKey
	RecipientWallet      string
	TokenSymbol          string
	SupportContact       string
	EditWindow           time.Duration
	MaxSignatureAttempts int
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Transport chat.Transport
	Verifier  Verifier
	Jobs      JobAPI
	Ledger    Ledger
	Scheduler Scheduler
	Poller    JobRunner
	Delivery  *poller.Delivery
	Observer  Observer
	Now       func() time.Time
}

// Machine drives each chat through the request lifecycle. Session mutation
// happens under the chat lock; network calls happen outside it.
type Machine struct {
	store *Store
	cfg   Config
	Deps
}

func NewMachine(store *Store, cfg Config, deps Deps) *Machine {
	if cfg.MaxSignatureAttempts < 1 {
		cfg.MaxSignatureAttempts = 3
	}
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "SQR"
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Machine{store: store, cfg: cfg, Deps: deps}
}

func (m *Machine) Store() *Store { return m.store }

// Session returns a copy of the chat's session.
func (m *Machine) Session(chatID int64) Session {
	return m.store.Get(chatID)
}

// AwaitingSignature reports whether the next plain message from chatID
// should be treated as a payment signature.
func (m *Machine) AwaitingSignature(chatID int64) bool {
	return m.store.Get(chatID).State == StateAwaitingPayment
}

func (m *Machine) cost(requestType string) decimal.Decimal {
	if requestType == RequestAudio {
		return m.cfg.AudioCost
	}
	return m.cfg.TextCost
}

// Submit starts a new request: it validates the input, records the command
// time and asks for payment.
func (m *Machine) Submit(ctx context.Context, chatID int64, rawURL, mode string) error {
	requestType, err := ParseRequestType(mode)
	if err != nil {
		return m.replyValidation(ctx, chatID, err)
	}
	spaceURL, err := NormalizeSpaceURL(rawURL)
	if err != nil {
		return m.replyValidation(ctx, chatID, err)
	}

	e := m.store.acquire(chatID)
	s := &e.session
	if err := m.store.transition(s, StateAwaitingPayment); err != nil {
		e.mu.Unlock()
		slog.Info("summarize refused", "chat", chatID, "state", s.State)
		return m.reply(ctx, chatID, msgBusy)
	}
	*s = Session{
		State:            StateAwaitingPayment,
		RequestID:        uuid.NewString(),
		CommandStartTime: m.Now(),
		SpaceURL:         spaceURL,
		RequestType:      requestType,
	}
	requestID := s.RequestID
	e.mu.Unlock()

	m.Observer.RequestSubmitted(requestType)
	slog.Info("payment requested", "chat", chatID, "request", requestID, "type", requestType, "url", spaceURL)
	prompt := fmt.Sprintf("🔔 Please send %s %s tokens to %s\nand reply with the transaction signature.\n\nTimeout: %d minutes",
		m.cost(requestType).String(), m.cfg.TokenSymbol, m.cfg.RecipientWallet, int(m.cfg.TxTimeout.Minutes()))
	return m.reply(ctx, chatID, prompt)
}

// HandleSignature treats text as a payment signature if the chat is waiting
// for one. It reports whether the message was consumed.
func (m *Machine) HandleSignature(ctx context.Context, chatID int64, text string) (bool, error) {
	signature := firstField(text)

	e := m.store.acquire(chatID)
	s := &e.session
	if s.State != StateAwaitingPayment {
		e.mu.Unlock()
		return false, nil
	}
	if m.Now().Sub(s.CommandStartTime) > m.cfg.TxTimeout {
		requestID := s.RequestID
		m.store.reset(s)
		e.mu.Unlock()
		slog.Info("payment window expired", "chat", chatID, "request", requestID)
		m.Observer.PaymentChecked("expired")
		return true, m.reply(ctx, chatID, fmt.Sprintf(msgExpired, int(m.cfg.TxTimeout.Minutes())))
	}
	if err := m.store.transition(s, StateVerifyingPayment); err != nil {
		e.mu.Unlock()
		return true, err
	}
	snap := *s
	e.mu.Unlock()

	log := slog.With("chat", chatID, "request", snap.RequestID, "sig", db.ShortSig(signature))
	m.notify(ctx, chatID, msgVerifying)
	transfer, verr := m.Verifier.Verify(ctx, signature, snap.CommandStartTime, m.cost(snap.RequestType), m.cfg.Mint)

	e = m.store.acquire(chatID)
	s = &e.session
	if s.RequestID != snap.RequestID || s.State != StateVerifyingPayment {
		e.mu.Unlock()
		log.Info("session changed during verification")
		if verr == nil {
			m.recordOrphan(ctx, chatID, snap, signature, transfer, "cancelled during verification")
		}
		return true, nil
	}
	if verr != nil {
		log.Info("payment rejected", "err", verr)
		return true, m.rejectSignature(ctx, chatID, e, verr)
	}

	err := m.Ledger.RecordPayment(ctx, db.NewPayment{
		Signature:   signature,
		RequestID:   snap.RequestID,
		ChatID:      chatID,
		SpaceURL:    snap.SpaceURL,
		RequestType: snap.RequestType,
		Amount:      transfer.Amount.String(),
		BlockTime:   transfer.BlockTime,
	})
	if errors.Is(err, db.ErrSignatureUsed) {
		log.Warn("payment signature reused")
		return true, m.rejectSignature(ctx, chatID, e, errSignatureUsed)
	}
	if err != nil {
		m.store.reset(s)
		e.mu.Unlock()
		log.Error("record payment failed", "err", err)
		return true, m.reply(ctx, chatID, msgUnexpected)
	}
	s.Signature = signature
	if err := m.store.transition(s, StateSubmittingJob); err != nil {
		e.mu.Unlock()
		return true, err
	}
	e.mu.Unlock()

	m.Observer.PaymentChecked("confirmed")
	log.Info("payment verified", "amount", transfer.Amount.String())
	return true, m.startJob(ctx, chatID, snap, signature)
}

var errSignatureUsed = errors.New("signature already used")

// rejectSignature counts a failed signature and either asks again or gives
// up. The entry must be locked; it is unlocked on return.
func (m *Machine) rejectSignature(ctx context.Context, chatID int64, e *entry, cause error) error {
	s := &e.session
	s.SignatureAttempts++
	s.FailedAttempts++
	attempts := s.SignatureAttempts
	exhausted := attempts >= m.cfg.MaxSignatureAttempts
	if exhausted {
		m.store.reset(s)
	} else {
		_ = m.store.transition(s, StateAwaitingPayment)
	}
	e.mu.Unlock()

	result := "rejected"
	text := "❌ Transaction verification failed. Please try again."
	var ve *chain.VerificationError
	switch {
	case errors.As(cause, &ve):
		result = string(ve.Code)
		text = html.EscapeString(ve.Error())
	case errors.Is(cause, errSignatureUsed):
		result = "reused"
		text = msgSigUsed
	}
	m.Observer.PaymentChecked(result)
	if exhausted {
		text += fmt.Sprintf("\n\nVerification failed %d times. Please start again with /summarize_space.", attempts)
	} else {
		text += fmt.Sprintf("\n\nPlease reply with a valid signature (%d/%d attempts used).", attempts, m.cfg.MaxSignatureAttempts)
	}
	return m.reply(ctx, chatID, text)
}

// startJob submits the paid request to the job API and hands the job to a
// background poller.
func (m *Machine) startJob(ctx context.Context, chatID int64, snap Session, signature string) error {
	log := slog.With("chat", chatID, "request", snap.RequestID, "sig", db.ShortSig(signature))

	jobID, err := m.Jobs.StartJob(ctx, snap.SpaceURL)
	if err != nil {
		log.Error("start job failed", "err", err)
		m.closePayment(ctx, signature, db.PaymentFailed, db.NotificationEventRefundFailed, "start job: "+err.Error())
		m.resetRequest(chatID, snap.RequestID)
		return m.reply(ctx, chatID, fmt.Sprintf(msgStartFailed, m.cfg.SupportContact))
	}
	log = log.With("job", jobID)
	if err := m.Ledger.AttachJob(ctx, signature, jobID); err != nil {
		log.Error("attach job to payment failed", "err", err)
	}

	jobCtx, cancel := context.WithCancelCause(context.Background())

	e := m.store.acquire(chatID)
	s := &e.session
	if s.RequestID != snap.RequestID || s.State != StateSubmittingJob {
		e.mu.Unlock()
		cancel(nil)
		log.Info("session changed during job submission")
		m.closePayment(ctx, signature, db.PaymentCancelled, db.NotificationEventRefundCancelled, "cancelled before polling started")
		return nil
	}
	if err := m.store.transition(s, StatePolling); err != nil {
		e.mu.Unlock()
		cancel(nil)
		return err
	}
	s.JobID = jobID
	s.cancel = cancel
	e.mu.Unlock()

	messageID, err := m.Transport.SendMessage(ctx, chatID, msgProcessing, chat.ParseHTML)
	if err != nil {
		log.Warn("send status message failed", "err", err)
		messageID = 0
	}
	job := poller.Job{
		JobID:       jobID,
		Signature:   signature,
		SpaceURL:    snap.SpaceURL,
		ChatID:      chatID,
		MessageID:   messageID,
		RequestType: snap.RequestType,
		StartTime:   m.Now(),
	}
	task := worker.Task{
		Name: jobID,
		Run: func(poolCtx context.Context) {
			defer cancel(nil)
			// Pool shutdown stops the poller too, with the pool's cause.
			stop := context.AfterFunc(poolCtx, func() { cancel(context.Cause(poolCtx)) })
			defer stop()
			m.Poller.Poll(jobCtx, job)
		},
		OnPanic: func(any) { m.resetJob(chatID, jobID) },
	}
	if err := m.Scheduler.Submit(task); err != nil {
		cancel(err)
		log.Error("schedule poller failed", "err", err)
		m.JobFinished(ctx, job, poller.Result{Outcome: poller.OutcomeFailed, Reason: "schedule poller: " + err.Error()})
		return m.reply(ctx, chatID, fmt.Sprintf(msgQueueFull, m.cfg.SupportContact))
	}
	log.Info("job started")
	return nil
}

// JobFinished records the outcome of a poller run in the ledger and resets
// the chat, but only if the chat still tracks jobID.
func (m *Machine) JobFinished(ctx context.Context, job poller.Job, res poller.Result) {
	log := slog.With("chat", job.ChatID, "job", job.JobID, "sig", db.ShortSig(job.Signature))

	switch res.Outcome {
	case poller.OutcomeDelivered:
		if err := m.Ledger.MarkPaymentDelivered(ctx, job.Signature, res.Summary); err != nil {
			log.Error("mark payment delivered failed", "err", err)
		}
	case poller.OutcomeCancelled:
		m.closePayment(ctx, job.Signature, db.PaymentCancelled, db.NotificationEventRefundCancelled, res.Reason)
	case poller.OutcomeTimeout:
		m.closePayment(ctx, job.Signature, db.PaymentFailed, db.NotificationEventRefundTimeout, res.Reason)
	case poller.OutcomeInterrupted:
		log.Warn("job tracking interrupted; payment left submitted", "reason", res.Reason)
	default:
		m.closePayment(ctx, job.Signature, db.PaymentFailed, db.NotificationEventRefundFailed, res.Reason)
	}
	if res.Summary != "" && res.Outcome != poller.OutcomeDelivered {
		if err := m.Ledger.UpdateSummary(ctx, job.Signature, res.Summary); err != nil {
			log.Warn("store undelivered summary failed", "err", err)
		}
	}

	if m.resetJob(job.ChatID, job.JobID) {
		log.Info("session reset after job", "outcome", res.Outcome)
	}
}

// Cancel resets the chat and stops its poller, if any.
func (m *Machine) Cancel(ctx context.Context, chatID int64) error {
	e := m.store.acquire(chatID)
	s := &e.session
	if s.State == StateIdle {
		e.mu.Unlock()
		return m.reply(ctx, chatID, msgNoTx)
	}
	state, requestID, jobID, cancel := s.State, s.RequestID, s.JobID, s.cancel
	m.store.reset(s)
	e.mu.Unlock()

	if cancel != nil {
		cancel(poller.ErrCancelled)
	}
	slog.Info("request cancelled", "chat", chatID, "request", requestID, "state", state, "job", jobID)
	return m.reply(ctx, chatID, fmt.Sprintf(msgCancelled, m.cfg.SupportContact))
}

// EditSummary regenerates the chat's latest delivered summary with custom
// instructions.
func (m *Machine) EditSummary(ctx context.Context, chatID int64, instructions string) error {
	if strings.TrimSpace(instructions) == "" {
		return m.replyValidation(ctx, chatID, &ValidationError{Field: "instructions", Msg: msgNeedPrompt})
	}
	return m.refine(ctx, chatID, jobapi.SummarizeRequest{CustomPrompt: strings.TrimSpace(instructions)})
}

// ShortenSummary regenerates the chat's latest delivered summary in a
// shorter form.
func (m *Machine) ShortenSummary(ctx context.Context, chatID int64) error {
	return m.refine(ctx, chatID, jobapi.SummarizeRequest{PromptType: jobapi.PromptShorten})
}

func (m *Machine) refine(ctx context.Context, chatID int64, req jobapi.SummarizeRequest) error {
	p, err := m.Ledger.LatestDelivered(ctx, chatID, m.Now().Add(-m.cfg.EditWindow))
	if errors.Is(err, db.ErrNotFound) {
		return m.reply(ctx, chatID, fmt.Sprintf(msgNoRecent, humanDuration(m.cfg.EditWindow)))
	}
	if err != nil {
		slog.Error("load latest summary failed", "chat", chatID, "err", err)
		return m.reply(ctx, chatID, msgUnexpected)
	}
	log := slog.With("chat", chatID, "sig", db.ShortSig(p.Signature))

	messageID, err := m.Transport.SendMessage(ctx, chatID, msgRefining, chat.ParseHTML)
	if err != nil {
		return fmt.Errorf("send refine status: %w", err)
	}
	req.SpaceURL = p.SpaceURL
	summary, err := m.Jobs.Summarize(ctx, req)
	if err != nil {
		log.Error("refine summary failed", "err", err)
		if editErr := m.Transport.EditMessage(ctx, chatID, messageID, msgRefineFailed, chat.ParseHTML); editErr != nil {
			return fmt.Errorf("report refine failure: %w", editErr)
		}
		return nil
	}
	if err := m.Delivery.Deliver(ctx, chatID, messageID, p.RequestType, summary); err != nil {
		return fmt.Errorf("deliver refined summary: %w", err)
	}
	if err := m.Ledger.UpdateSummary(ctx, p.Signature, summary); err != nil {
		log.Warn("store refined summary failed", "err", err)
	}
	log.Info("summary refined", "custom", req.CustomPrompt != "", "prompt", req.PromptType)
	return nil
}

// recordOrphan stores a payment that was verified after its request was
// cancelled, and raises a refund alert for it.
func (m *Machine) recordOrphan(ctx context.Context, chatID int64, snap Session, signature string, t chain.Transfer, reason string) {
	err := m.Ledger.RecordPayment(ctx, db.NewPayment{
		Signature:   signature,
		RequestID:   snap.RequestID,
		ChatID:      chatID,
		SpaceURL:    snap.SpaceURL,
		RequestType: snap.RequestType,
		Amount:      t.Amount.String(),
		BlockTime:   t.BlockTime,
	})
	if err != nil {
		slog.Warn("record cancelled payment failed", "request", snap.RequestID, "sig", db.ShortSig(signature), "err", err)
		return
	}
	m.closePayment(ctx, signature, db.PaymentCancelled, db.NotificationEventRefundCancelled, reason)
}

// closePayment marks the payment unsuccessful and queues a refund alert.
func (m *Machine) closePayment(ctx context.Context, signature, status, event, reason string) {
	if signature == "" {
		return
	}
	log := slog.With("sig", db.ShortSig(signature), "status", status)
	if err := m.Ledger.CloseUnsuccessful(ctx, signature, status, reason); err != nil {
		log.Error("close payment failed", "err", err)
		return
	}
	if _, err := m.Ledger.EnqueueNotificationEvent(ctx, signature, event, reason); err != nil {
		log.Error("enqueue refund alert failed", "err", err)
	}
}

// resetRequest resets the chat if it still belongs to requestID.
func (m *Machine) resetRequest(chatID int64, requestID string) {
	e := m.store.acquire(chatID)
	defer e.mu.Unlock()
	if e.session.RequestID == requestID {
		m.store.reset(&e.session)
	}
}

// resetJob resets the chat if it is still polling jobID.
func (m *Machine) resetJob(chatID int64, jobID string) bool {
	e := m.store.acquire(chatID)
	defer e.mu.Unlock()
	if e.session.State != StatePolling || e.session.JobID != jobID {
		return false
	}
	m.store.reset(&e.session)
	return true
}

func (m *Machine) reply(ctx context.Context, chatID int64, text string) error {
	if _, err := m.Transport.SendMessage(ctx, chatID, text, chat.ParseHTML); err != nil {
		return fmt.Errorf("reply to chat %d: %w", chatID, err)
	}
	return nil
}

func (m *Machine) replyValidation(ctx context.Context, chatID int64, err error) error {
	return m.reply(ctx, chatID, "❌ "+html.EscapeString(err.Error()))
}

// notify sends a progress message and only logs failures.
func (m *Machine) notify(ctx context.Context, chatID int64, text string) {
	if err := m.reply(ctx, chatID, text); err != nil {
		slog.Warn("progress message failed", "chat", chatID, "err", err)
	}
}

func firstField(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func humanDuration(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(d.Hours()))
	}
	return d.String()
}
