// Package poller tracks an external summarization job to completion and
// delivers the result to the chat that paid for it.
package poller

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"runtime/debug"
	"time"

	"sqragent/internal/chat"
	"sqragent/internal/jobapi"
	"sqragent/internal/retry"
)

// ErrCancelled is the cancellation cause used when a user cancels a job.
var ErrCancelled = errors.New("cancelled by user")

const (
	msgProcessing  = "⏳ Processing... (Attempt %d/%d)"
	msgGenerating  = "📝 Space downloaded. Generating your summary..."
	msgTimeout     = "❌ Timeout: Could not complete summarization in time."
	msgUnexpected  = "❌ An unexpected error occurred. Please try again later."
	msgUnavailable = "❌ The summarization service is temporarily unavailable. Please contact support for a refund."
	msgGateway     = "❌ The summarization service gateway is down (Bad Gateway). Please contact support for a refund."
	msgCancelled   = "❌ Summarization cancelled."
	msgInterrupted = "⚠️ The bot restarted while your summary was in progress. Please contact support for a refund."
	msgDelivery    = "❌ Your summary is ready but could not be delivered. Please contact support."
	msgAudio       = "❌ Audio conversion failed. Please contact support."
	editTimeout    = 15 * time.Second
)

type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeFailed      Outcome = "failed"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeInterrupted Outcome = "interrupted"
)

// Job is the state owned by one poller run.
type Job struct {
	JobID        string
	Signature    string
	SpaceURL     string
	ChatID       int64
	MessageID    int
	RequestType  string
	StartTime    time.Time
	AttemptCount int
}

// Result is how a poller run ended. Summary is set whenever the summary was
// generated, even if delivery failed.
type Result struct {
	Outcome Outcome
	Reason  string
	Summary string
}

type JobAPI interface {
	Status(ctx context.Context, jobID string) (jobapi.JobStatus, error)
	Summarize(ctx context.Context, req jobapi.SummarizeRequest) (string, error)
}

// Observer receives poller events for metrics.
type Observer interface {
	StatusPolled(status string)
	Finished(outcome Outcome, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) StatusPolled(string)             {}
func (nopObserver) Finished(Outcome, time.Duration) {}

// FinishFunc is called once per run after the outcome has been reported to
// the chat. It receives a context that is not cancelled with the run.
type FinishFunc func(ctx context.Context, job Job, res Result)

type Config struct {
	MaxAttempts int
	Interval    time.Duration
	GracePeriod time.Duration
	Timeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 6,
		Interval:    60 * time.Second,
		GracePeriod: 2 * time.Minute,
		Timeout:     30 * time.Minute,
	}
}

type Poller struct {
	api       JobAPI
	transport chat.Transport
	delivery  *Delivery
	locks     *LockTable
	cfg       Config
	onFinish  FinishFunc
	observer  Observer
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

type Option func(*Poller)

func WithObserver(o Observer) Option {
	return func(p *Poller) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithClock replaces the wall clock and the interruptible sleep.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

func WithLockTable(t *LockTable) Option {
	return func(p *Poller) { p.locks = t }
}

func New(api JobAPI, transport chat.Transport, delivery *Delivery, cfg Config, onFinish FinishFunc, opts ...Option) *Poller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	p := &Poller{
		api:       api,
		transport: transport,
		delivery:  delivery,
		locks:     NewLockTable(),
		cfg:       cfg,
		onFinish:  onFinish,
		observer:  nopObserver{},
		now:       time.Now,
		sleep:     retry.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) Locks() *LockTable { return p.locks }

// Poll tracks job until it completes, fails, times out or ctx is cancelled.
// It holds the job lock for the whole run, so concurrent calls for the same
// job ID run one after the other.
func (p *Poller) Poll(ctx context.Context, job Job) Result {
	unlock := p.locks.Lock(job.JobID)
	defer unlock()

	if job.StartTime.IsZero() {
		job.StartTime = p.now()
	}
	log := slog.With("job", job.JobID, "chat", job.ChatID)
	log.Info("poller started", "type", job.RequestType)

	res := p.safeRun(ctx, &job, log)

	elapsed := p.now().Sub(job.StartTime)
	log.Info("poller finished", "outcome", res.Outcome, "attempt", job.AttemptCount, "elapsed", elapsed.Round(time.Second))
	p.observer.Finished(res.Outcome, elapsed)
	if p.onFinish != nil {
		p.onFinish(context.WithoutCancel(ctx), job, res)
	}
	return res
}

func (p *Poller) safeRun(ctx context.Context, job *Job, log *slog.Logger) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("poller panic", "panic", r, "stack", string(debug.Stack()))
			p.report(ctx, *job, msgUnexpected)
			res = Result{Outcome: OutcomeFailed, Reason: fmt.Sprintf("internal error: %v", r)}
		}
	}()
	return p.run(ctx, job, log)
}

func (p *Poller) run(ctx context.Context, job *Job, log *slog.Logger) Result {
	for job.AttemptCount < p.cfg.MaxAttempts {
		if ctx.Err() != nil {
			return p.stopped(ctx, *job)
		}
		if p.cfg.Timeout > 0 && p.now().Sub(job.StartTime) > p.cfg.Timeout {
			log.Warn("job exceeded timeout", "timeout", p.cfg.Timeout)
			return p.fail(ctx, *job, OutcomeTimeout, "job processing timeout reached", "❌ Error: Job processing timeout reached")
		}

		st, err := p.api.Status(ctx, job.JobID)
		if ctx.Err() != nil {
			return p.stopped(ctx, *job)
		}
		if err != nil {
			if retry.IsPermanent(err) {
				log.Error("job status failed", "err", err)
				return p.fail(ctx, *job, OutcomeFailed, err.Error(), errorText(err))
			}
			job.AttemptCount++
			p.observer.StatusPolled("unavailable")
			log.Warn("job status unavailable", "attempt", job.AttemptCount, "err", err)
			if !p.pause(ctx, *job) {
				return p.stopped(ctx, *job)
			}
			continue
		}

		p.observer.StatusPolled(st.Status)
		switch st.Status {
		case jobapi.StatusCompleted:
			return p.complete(ctx, job, log)
		case jobapi.StatusFailed:
			reason := st.Error
			if reason == "" {
				reason = "Unknown error"
			}
			log.Warn("job failed upstream", "reason", reason)
			return p.fail(ctx, *job, OutcomeFailed, "job failed: "+reason, "❌ Error: Job failed: "+html.EscapeString(reason))
		}

		job.AttemptCount++
		p.report(ctx, *job, fmt.Sprintf(msgProcessing, job.AttemptCount, p.cfg.MaxAttempts))
		if !p.pause(ctx, *job) {
			return p.stopped(ctx, *job)
		}
	}

	p.report(ctx, *job, msgTimeout)
	return Result{Outcome: OutcomeTimeout, Reason: fmt.Sprintf("no result after %d attempts", p.cfg.MaxAttempts)}
}

// pause sleeps for the poll interval unless the attempts are used up. It
// returns false when ctx was cancelled.
func (p *Poller) pause(ctx context.Context, job Job) bool {
	if job.AttemptCount >= p.cfg.MaxAttempts {
		return true
	}
	return p.sleep(ctx, p.cfg.Interval) == nil
}

func (p *Poller) complete(ctx context.Context, job *Job, log *slog.Logger) Result {
	p.report(ctx, *job, msgGenerating)
	if err := p.sleep(ctx, p.cfg.GracePeriod); err != nil {
		return p.stopped(ctx, *job)
	}

	summary, err := p.api.Summarize(ctx, jobapi.SummarizeRequest{SpaceURL: job.SpaceURL})
	if ctx.Err() != nil {
		return p.stopped(ctx, *job)
	}
	if err != nil {
		log.Error("summarize failed", "err", err)
		switch {
		case jobapi.IsGatewayUnavailable(err):
			return p.fail(ctx, *job, OutcomeFailed, "summarization gateway unavailable", msgGateway)
		case retry.IsTransient(err):
			return p.fail(ctx, *job, OutcomeFailed, "summarization unavailable: "+err.Error(), msgUnavailable)
		default:
			return p.fail(ctx, *job, OutcomeFailed, err.Error(), errorText(err))
		}
	}

	if err := p.delivery.Deliver(ctx, job.ChatID, job.MessageID, job.RequestType, summary); err != nil {
		log.Error("delivery failed", "err", err)
		msg := msgDelivery
		if errors.Is(err, ErrAudioConversion) {
			msg = msgAudio
		}
		p.report(ctx, *job, msg)
		return Result{Outcome: OutcomeFailed, Reason: "delivery: " + err.Error(), Summary: summary}
	}
	return Result{Outcome: OutcomeDelivered, Summary: summary}
}

func (p *Poller) fail(ctx context.Context, job Job, outcome Outcome, reason, userText string) Result {
	p.report(ctx, job, userText)
	return Result{Outcome: outcome, Reason: reason}
}

// stopped reports a run that ended because ctx was cancelled. A user
// cancellation and a shutdown get different notices.
func (p *Poller) stopped(ctx context.Context, job Job) Result {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrCancelled) {
		p.report(ctx, job, msgCancelled)
		return Result{Outcome: OutcomeCancelled, Reason: ErrCancelled.Error()}
	}
	p.report(ctx, job, msgInterrupted)
	reason := "shutdown"
	if cause != nil {
		reason = cause.Error()
	}
	return Result{Outcome: OutcomeInterrupted, Reason: reason}
}

// report updates the status message. It still runs after ctx is cancelled
// and only logs failures.
func (p *Poller) report(ctx context.Context, job Job, text string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), editTimeout)
	defer cancel()

	var err error
	if job.MessageID == 0 {
		_, err = p.transport.SendMessage(ctx, job.ChatID, text, chat.ParseHTML)
	} else {
		err = p.transport.EditMessage(ctx, job.ChatID, job.MessageID, text, chat.ParseHTML)
	}
	if err != nil {
		slog.Warn("status update failed", "job", job.JobID, "chat", job.ChatID, "err", err)
	}
}

// errorText is the user-facing text for a permanent job API error.
func errorText(err error) string {
	var apiErr *jobapi.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("❌ Error: The summarization service rejected the request (HTTP %d).", apiErr.StatusCode)
	}
	return "❌ Error: The summarization service returned an invalid response."
}
