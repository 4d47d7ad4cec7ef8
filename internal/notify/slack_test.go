package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestSlackSenderPostsRefundBlocks(t *testing.T) {
	t.Parallel()

	var body slackPayload
	client := &http.Client{
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("ok")),
				Header:     make(http.Header),
			}, nil
		}),
	}

	sender := NewSlackSender("https://hooks.slack.com/services/T000/B000/XXX", client)
	payload := TestPayload()
	payload.RequestID = "req-abc"
	payload.ChatID = 4242
	payload.Reason = "space not found"

	if err := sender.Send(context.Background(), payload); err != nil {
		t.Fatalf("send slack: %v", err)
	}

	for _, want := range []string{"sqragent", payload.RequestID, payload.Signature, "Reason: space not found"} {
		if !strings.Contains(body.Text, want) {
			t.Fatalf("expected %q in fallback text, got %q", want, body.Text)
		}
	}
	if len(body.Blocks) != 4 {
		t.Fatalf("expected header, fields, space and reason blocks, got %+v", body.Blocks)
	}
	if h := body.Blocks[0]; h.Type != "header" || h.Text == nil || h.Text.Text != "Refund Review: Failed" {
		t.Fatalf("unexpected header block %+v", h)
	}
	var fields []string
	for _, f := range body.Blocks[1].Fields {
		fields = append(fields, f.Text)
	}
	joined := strings.Join(fields, "\n")
	for _, want := range []string{"*Chat*\n4242", "*Amount*\n1000 (text)", "https://solscan.io/tx/" + payload.Signature, "`req-abc`"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in fields, got %q", want, joined)
		}
	}
	if c := body.Blocks[3]; c.Type != "context" || len(c.Elements) != 1 || c.Elements[0].Text != "Reason: space not found" {
		t.Fatalf("unexpected reason block %+v", c)
	}
}

func TestSlackMessageOmitsEmptySections(t *testing.T) {
	t.Parallel()
	msg := slackMessage(Payload{Event: TriggerRefundCancelled, RequestID: "id"})
	if len(msg.Blocks) != 2 {
		t.Fatalf("expected only header and fields, got %+v", msg.Blocks)
	}
	if msg.Blocks[0].Text.Text != "Refund Review: Cancelled" {
		t.Fatalf("expected cancelled label, got %q", msg.Blocks[0].Text.Text)
	}
	if strings.Contains(msg.Text, "Reason:") {
		t.Fatalf("empty reason must be omitted, got %q", msg.Text)
	}
}

func TestShortSignature(t *testing.T) {
	t.Parallel()
	if got := shortSignature("short"); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := shortSignature("5VERv8NMvzbJMEkV8xnrLkEaWRtSz9Co"); got != "5VERv8NM…WRtSz9Co" {
		t.Fatalf("got %q", got)
	}
}
