package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// SlackSender posts refund alerts to a Slack incoming webhook as a Block Kit
// message. The plain text field doubles as the notification preview.
type SlackSender struct {
	url    string
	client *http.Client
}

func NewSlackSender(webhookURL string, client *http.Client) *SlackSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackSender{url: strings.TrimSpace(webhookURL), client: client}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, payload Payload) error {
	encoded, err := json.Marshal(slackMessage(payload))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, s.client, s.url, encoded, s.Name(), nil)
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

func slackMessage(p Payload) slackPayload {
	tx := "`" + p.Signature + "`"
	if link := ExplorerURL(p.Signature); link != "" {
		tx = fmt.Sprintf("<%s|%s>", link, shortSignature(p.Signature))
	}
	fields := []slackText{
		mrkdwn(fmt.Sprintf("*Chat*\n%d", p.ChatID)),
		mrkdwn(fmt.Sprintf("*Amount*\n%s (%s)", p.Amount, p.RequestType)),
		mrkdwn("*Transaction*\n" + tx),
		mrkdwn("*Request*\n`" + p.RequestID + "`"),
	}
	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: EventLabel(p.Event)}},
		{Type: "section", Fields: fields},
	}
	if p.SpaceURL != "" {
		blocks = append(blocks, slackBlock{Type: "section", Text: ptr(mrkdwn("*Space* " + p.SpaceURL))})
	}
	if p.Reason != "" {
		blocks = append(blocks, slackBlock{Type: "context", Elements: []slackText{mrkdwn("Reason: " + p.Reason)}})
	}
	return slackPayload{Text: SlackText(p), Blocks: blocks}
}

func mrkdwn(text string) slackText { return slackText{Type: "mrkdwn", Text: text} }

func ptr[T any](v T) *T { return &v }

func shortSignature(sig string) string {
	if len(sig) <= 16 {
		return sig
	}
	return sig[:8] + "…" + sig[len(sig)-8:]
}
