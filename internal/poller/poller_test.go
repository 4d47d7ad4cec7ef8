package poller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"sqragent/internal/chat"
	"sqragent/internal/chat/chattest"
	"sqragent/internal/jobapi"
	"sqragent/internal/retry"
)

type statusReply struct {
	status jobapi.JobStatus
	err    error
}

type fakeAPI struct {
	mu          sync.Mutex
	replies     []statusReply
	summary     string
	summaryErr  error
	statusCalls int
	requests    []jobapi.SummarizeRequest
	onStatus    func()
}

func (f *fakeAPI) Status(context.Context, string) (jobapi.JobStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	hook := f.onStatus
	var r statusReply
	if len(f.replies) > 0 {
		r = f.replies[0]
		f.replies = f.replies[1:]
	} else {
		r = statusReply{status: jobapi.JobStatus{Status: jobapi.StatusProcessing}}
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return r.status, r.err
}

func (f *fakeAPI) Summarize(_ context.Context, req jobapi.SummarizeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.summary, f.summaryErr
}

type fakeSpeech struct {
	dir  string
	err  error
	path string
}

func (s *fakeSpeech) Synthesize(context.Context, string, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.path = filepath.Join(s.dir, "summary.mp3")
	return s.path, os.WriteFile(s.path, []byte("ID3"), 0o600)
}

func completed() statusReply {
	return statusReply{status: jobapi.JobStatus{Status: jobapi.StatusCompleted}}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type finishRecorder struct {
	mu      sync.Mutex
	results []Result
	jobs    []Job
}

func (f *finishRecorder) finish(_ context.Context, job Job, res Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	f.results = append(f.results, res)
}

func newTestPoller(api JobAPI, rec *chattest.Recorder, speech *fakeSpeech, fin *finishRecorder, opts ...Option) *Poller {
	delivery := NewDelivery(rec, nil, "en")
	if speech != nil {
		delivery = NewDelivery(rec, speech, "en")
	}
	var onFinish FinishFunc
	if fin != nil {
		onFinish = fin.finish
	}
	opts = append([]Option{WithClock(nil, noSleep)}, opts...)
	return New(api, rec, delivery, DefaultConfig(), onFinish, opts...)
}

func testJob() Job {
	return Job{
		JobID:       "job-1",
		Signature:   "sig-1",
		SpaceURL:    "https://x.com/i/spaces/1abc",
		ChatID:      42,
		MessageID:   7,
		RequestType: "text",
	}
}

func TestPollTimesOutAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	rec := &chattest.Recorder{}
	fin := &finishRecorder{}
	res := newTestPoller(api, rec, nil, fin).Poll(context.Background(), testJob())

	if res.Outcome != OutcomeTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if api.statusCalls != 6 {
		t.Fatalf("expected 6 status polls, got %d", api.statusCalls)
	}
	edits := rec.Filter(chattest.KindEdit)
	if len(edits) != 7 {
		t.Fatalf("expected 6 progress edits and a timeout notice, got %d", len(edits))
	}
	if edits[0].Text != "⏳ Processing... (Attempt 1/6)" || edits[5].Text != "⏳ Processing... (Attempt 6/6)" {
		t.Fatalf("unexpected progress edits %q / %q", edits[0].Text, edits[5].Text)
	}
	if got := rec.Last().Text; got != "❌ Timeout: Could not complete summarization in time." {
		t.Fatalf("unexpected final message %q", got)
	}
	if len(fin.results) != 1 || fin.jobs[0].AttemptCount != 6 {
		t.Fatalf("expected one finish callback with 6 attempts, got %+v", fin.jobs)
	}
}

func TestPollDeliversShortTextInPlace(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		replies: []statusReply{{status: jobapi.JobStatus{Status: jobapi.StatusProcessing}}, completed()},
		summary: "**Highlights**: rates & <tokens>",
	}
	rec := &chattest.Recorder{}
	fin := &finishRecorder{}
	res := newTestPoller(api, rec, nil, fin).Poll(context.Background(), testJob())

	if res.Outcome != OutcomeDelivered || res.Summary != api.summary {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(api.requests) != 1 || api.requests[0].SpaceURL != "https://x.com/i/spaces/1abc" {
		t.Fatalf("expected summarize with stored space url, got %+v", api.requests)
	}
	if sends := rec.Filter(chattest.KindSend); len(sends) != 0 {
		t.Fatalf("short summary must be an edit, got %d sends", len(sends))
	}
	last := rec.Last()
	if last.Kind != chattest.KindEdit || last.MessageID != 7 || last.Mode != chat.ParseHTML {
		t.Fatalf("unexpected final call %+v", last)
	}
	want := "✅ Summary completed!\n\n<b>Highlights</b>: rates &amp; &lt;tokens&gt;\n\n" + GuidanceHTML
	if last.Text != want {
		t.Fatalf("unexpected delivery text\nwant %q\n got %q", want, last.Text)
	}
}

func TestPollSplitsLongSummaryIntoNewMessages(t *testing.T) {
	t.Parallel()

	paragraph := strings.Repeat("The speakers discussed validator economics in detail. ", 20) + "\n\n"
	summary := strings.Repeat(paragraph, 9)[:9000]
	api := &fakeAPI{replies: []statusReply{completed()}, summary: summary}
	rec := &chattest.Recorder{}
	res := newTestPoller(api, rec, nil, nil).Poll(context.Background(), testJob())

	if res.Outcome != OutcomeDelivered {
		t.Fatalf("unexpected result %+v", res)
	}
	sends := rec.Filter(chattest.KindSend)
	if len(sends) < 4 {
		t.Fatalf("expected at least 3 parts and a guidance message, got %d sends", len(sends))
	}
	for i, m := range sends {
		if n := utf8.RuneCountInString(m.Text); n > chat.MaxMessageLen {
			t.Fatalf("part %d has %d characters", i, n)
		}
	}
	if sends[len(sends)-1].Text != GuidanceHTML {
		t.Fatalf("expected guidance last, got %q", sends[len(sends)-1].Text)
	}
	for _, m := range sends[:len(sends)-1] {
		if strings.Contains(m.Text, "/shorten_summary") {
			t.Fatalf("guidance must only be sent once")
		}
	}
	edits := rec.Filter(chattest.KindEdit)
	if !strings.HasPrefix(edits[len(edits)-1].Text, "✅ Summary completed! Sending it in") {
		t.Fatalf("expected status message to announce parts, got %q", edits[len(edits)-1].Text)
	}
}

func TestPollReportsUpstreamFailure(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{replies: []statusReply{{status: jobapi.JobStatus{Status: jobapi.StatusFailed, Error: "space <not> found"}}}}
	rec := &chattest.Recorder{}
	res := newTestPoller(api, rec, nil, nil).Poll(context.Background(), testJob())

	if res.Outcome != OutcomeFailed || !strings.Contains(res.Reason, "space <not> found") {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := rec.Last().Text; got != "❌ Error: Job failed: space &lt;not&gt; found" {
		t.Fatalf("unexpected failure text %q", got)
	}
}

func TestPollStopsOnPermanentStatusError(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{replies: []statusReply{{err: retry.Permanent(&jobapi.APIError{Op: "job status", StatusCode: 404, Body: "no such job"})}}}
	rec := &chattest.Recorder{}
	res := newTestPoller(api, rec, nil, nil).Poll(context.Background(), testJob())

	if res.Outcome != OutcomeFailed || api.statusCalls != 1 {
		t.Fatalf("expected immediate failure, got %+v after %d calls", res, api.statusCalls)
	}
	if got := rec.Last().Text; !strings.Contains(got, "HTTP 404") || strings.Contains(got, "no such job") {
		t.Fatalf("unexpected failure text %q", got)
	}
}

func TestPollTransientStatusFailureConsumesAttempt(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		replies: []statusReply{{err: retry.Transient(errors.New("connection reset"))}, completed()},
		summary: "done",
	}
	rec := &chattest.Recorder{}
	fin := &finishRecorder{}
	res := newTestPoller(api, rec, nil, fin).Poll(context.Background(), testJob())

	if res.Outcome != OutcomeDelivered {
		t.Fatalf("unexpected result %+v", res)
	}
	if fin.jobs[0].AttemptCount != 1 {
		t.Fatalf("expected exhausted status query to consume an attempt, got %d", fin.jobs[0].AttemptCount)
	}
}

func TestPollGatewayFailureGetsDistinctMessage(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		replies:    []statusReply{completed()},
		summaryErr: retry.Permanent(&jobapi.APIError{Op: "summarize", StatusCode: 502, Body: "Bad Gateway"}),
	}
	rec := &chattest.Recorder{}
	res := newTestPoller(api, rec, nil, nil).Poll(context.Background(), testJob())

	if res.Outcome != OutcomeFailed {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := rec.Last().Text; got != msgGateway {
		t.Fatalf("expected gateway message, got %q", got)
	}
}

func TestPollWallClockTimeout(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	now := func() time.Time {
		// Each poll iteration advances the clock by 20 minutes.
		return start.Add(time.Duration(calls.Load()) * 20 * time.Minute)
	}
	api := &fakeAPI{onStatus: func() { calls.Add(1) }}
	rec := &chattest.Recorder{}
	job := testJob()
	job.StartTime = start
	res := newTestPoller(api, rec, nil, nil, WithClock(now, nil)).Poll(context.Background(), job)

	if res.Outcome != OutcomeTimeout {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if api.statusCalls != 2 {
		t.Fatalf("expected 2 polls before the 30 minute window closed, got %d", api.statusCalls)
	}
	if got := rec.Last().Text; got != "❌ Error: Job processing timeout reached" {
		t.Fatalf("unexpected timeout text %q", got)
	}
}

func TestPollUserCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancelCause(context.Background())
	api := &fakeAPI{}
	api.onStatus = func() { cancel(ErrCancelled) }
	rec := &chattest.Recorder{}
	fin := &finishRecorder{}
	res := newTestPoller(api, rec, nil, fin).Poll(ctx, testJob())

	if res.Outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	if got := rec.Last().Text; got != msgCancelled {
		t.Fatalf("expected cancellation notice, got %q", got)
	}
	if len(fin.results) != 1 {
		t.Fatalf("expected finish callback")
	}
}

func TestPollShutdownIsInterrupted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	api := &fakeAPI{}
	rec := &chattest.Recorder{}
	res := newTestPoller(api, rec, nil, nil).Poll(ctx, testJob())

	if res.Outcome != OutcomeInterrupted || api.statusCalls != 0 {
		t.Fatalf("expected interrupted without polling, got %+v after %d calls", res, api.statusCalls)
	}
	if got := rec.Last().Text; got != msgInterrupted {
		t.Fatalf("expected restart notice, got %q", got)
	}
}

func TestPollAudioDeliveryRemovesTempFile(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{replies: []statusReply{completed()}, summary: "spoken summary"}
	rec := &chattest.Recorder{}
	speech := &fakeSpeech{dir: t.TempDir()}
	job := testJob()
	job.RequestType = "audio"
	res := newTestPoller(api, rec, speech, nil).Poll(context.Background(), job)

	if res.Outcome != OutcomeDelivered {
		t.Fatalf("unexpected result %+v", res)
	}
	audio := rec.Filter(chattest.KindAudio)
	if len(audio) != 1 || !audio[0].FileExisted {
		t.Fatalf("expected one audio upload of an existing file, got %+v", audio)
	}
	if _, err := os.Stat(speech.path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected temp audio removed, stat err=%v", err)
	}
	if got := rec.Last().Text; got != "✅ Audio summary sent!" {
		t.Fatalf("unexpected final status %q", got)
	}
}

func TestPollAudioConversionFailureEditsStatus(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{replies: []statusReply{completed()}, summary: "spoken summary"}
	rec := &chattest.Recorder{}
	speech := &fakeSpeech{dir: t.TempDir(), err: errors.New("tts quota exceeded")}
	job := testJob()
	job.RequestType = "audio"
	res := newTestPoller(api, rec, speech, nil).Poll(context.Background(), job)

	if res.Outcome != OutcomeFailed || res.Summary != "spoken summary" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := rec.Last().Text; got != msgAudio {
		t.Fatalf("expected audio failure message, got %q", got)
	}
}

type panicAPI struct{ fakeAPI }

func (p *panicAPI) Status(context.Context, string) (jobapi.JobStatus, error) {
	panic("decoder exploded")
}

func TestPollRecoversPanicsAndStillFinishes(t *testing.T) {
	t.Parallel()

	rec := &chattest.Recorder{}
	fin := &finishRecorder{}
	p := newTestPoller(&panicAPI{}, rec, nil, fin)
	res := p.Poll(context.Background(), testJob())

	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %+v", res)
	}
	if got := rec.Last().Text; got != msgUnexpected {
		t.Fatalf("expected generic message, got %q", got)
	}
	if len(fin.results) != 1 {
		t.Fatalf("expected finish callback after panic")
	}
	if p.Locks().Len() != 0 {
		t.Fatalf("expected job lock released after panic")
	}
}

func TestPollSerializesSameJob(t *testing.T) {
	t.Parallel()

	var inFlight, maxInFlight atomic.Int32
	api := &fakeAPI{}
	api.onStatus = func() {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
	}
	rec := &chattest.Recorder{}
	p := newTestPoller(api, rec, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Poll(context.Background(), testJob())
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Fatalf("expected pollers for the same job to be serialized, saw %d concurrent", maxInFlight.Load())
	}
	if api.statusCalls != 24 {
		t.Fatalf("expected every poller to run to completion, got %d status calls", api.statusCalls)
	}
	if p.Locks().Len() != 0 {
		t.Fatalf("expected lock table to be empty, got %d", p.Locks().Len())
	}
}
