package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sqragent/internal/db"
)

const (
	TriggerRefundFailed    = db.NotificationEventRefundFailed
	TriggerRefundTimeout   = db.NotificationEventRefundTimeout
	TriggerRefundCancelled = db.NotificationEventRefundCancelled
)

var AllTriggers = []string{
	TriggerRefundFailed,
	TriggerRefundTimeout,
	TriggerRefundCancelled,
}

// Payload describes a paid request that needs a manual refund review.
type Payload struct {
	Event       string `json:"event"`
	Signature   string `json:"signature"`
	RequestID   string `json:"request_id"`
	ChatID      int64  `json:"chat_id"`
	SpaceURL    string `json:"space_url"`
	RequestType string `json:"request_type"`
	Amount      string `json:"amount"`
	Reason      string `json:"reason,omitempty"`
	ExplorerURL string `json:"explorer_url,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// ExplorerURL links a transaction signature on Solscan.
func ExplorerURL(signature string) string {
	if signature == "" {
		return ""
	}
	return "https://solscan.io/tx/" + signature
}

type Sender interface {
	Name() string
	Send(ctx context.Context, payload Payload) error
}

type ChannelResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func IsValidTrigger(trigger string) bool {
	switch trigger {
	case TriggerRefundFailed, TriggerRefundTimeout, TriggerRefundCancelled:
		return true
	default:
		return false
	}
}

func DefaultTriggers() []string {
	out := make([]string, len(AllTriggers))
	copy(out, AllTriggers)
	return out
}

func TriggerSet(triggers []string) map[string]struct{} {
	if triggers == nil {
		triggers = DefaultTriggers()
	}
	out := make(map[string]struct{}, len(triggers))
	for _, trigger := range triggers {
		normalized := strings.ToLower(strings.TrimSpace(trigger))
		if IsValidTrigger(normalized) {
			out[normalized] = struct{}{}
		}
	}
	return out
}

func EventLabel(event string) string {
	switch event {
	case TriggerRefundTimeout:
		return "Refund Review: Timed Out"
	case TriggerRefundCancelled:
		return "Refund Review: Cancelled"
	default:
		return "Refund Review: Failed"
	}
}

func PayloadFromPayment(event db.NotificationEvent, p db.Payment) Payload {
	reason := strings.TrimSpace(event.Reason)
	if reason == "" {
		reason = strings.TrimSpace(p.ErrorMessage)
	}
	return Payload{
		Event:       event.EventType,
		Signature:   p.Signature,
		RequestID:   p.RequestID,
		ChatID:      p.ChatID,
		SpaceURL:    p.SpaceURL,
		RequestType: p.RequestType,
		Amount:      p.Amount,
		Reason:      reason,
		ExplorerURL: ExplorerURL(p.Signature),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func TestPayload() Payload {
	const sig = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"
	return Payload{
		Event:       TriggerRefundFailed,
		Signature:   sig,
		ExplorerURL: ExplorerURL(sig),
		RequestID:   "test-request",
		ChatID:      1,
		SpaceURL:    "https://x.com/i/spaces/1test",
		RequestType: "text",
		Amount:      "1000",
		Reason:      "Test notification from sqragent",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func SlackText(payload Payload) string {
	text := fmt.Sprintf("sqragent: %s\nChat: %d\nRequest: %s (%s)\nAmount: %s\nTx: %s\nSpace: %s",
		EventLabel(payload.Event), payload.ChatID, payload.RequestID, payload.RequestType,
		payload.Amount, payload.Signature, payload.SpaceURL)
	if payload.Reason != "" {
		text += "\nReason: " + payload.Reason
	}
	return text
}
