package telegram

import (
	"context"
	"strings"
	"unicode"

	"sqragent/internal/chat"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Listen long-polls for updates and emits text messages until ctx is done.
// The returned channel is closed after the last update.
func (c *Client) Listen(ctx context.Context, timeoutSeconds int) <-chan chat.Incoming {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = timeoutSeconds
	cfg.AllowedUpdates = []string{"message"}
	updates := c.api.GetUpdatesChan(cfg)

	out := make(chan chat.Incoming)
	go func() {
		defer close(out)
		defer c.api.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				msg, ok := toIncoming(u, c.api.Self.UserName)
				if !ok {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// toIncoming converts a text message update, or a document update whose
// caption carries the text. Commands addressed to another bot in a group
// are dropped.
func toIncoming(u tgbotapi.Update, self string) (chat.Incoming, bool) {
	m := u.Message
	if m == nil || m.Chat == nil {
		return chat.Incoming{}, false
	}
	in := chat.Incoming{
		ChatID:   m.Chat.ID,
		ChatType: m.Chat.Type,
		Text:     m.Text,
	}
	if m.Document != nil {
		in.Document = &chat.Document{
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			MimeType: m.Document.MimeType,
			Size:     int64(m.Document.FileSize),
		}
		if in.Text == "" {
			in.Text = m.Caption
		}
	}
	if in.Text == "" && in.Document == nil {
		return chat.Incoming{}, false
	}
	if m.From != nil {
		in.UserID = m.From.ID
		in.Username = m.From.UserName
	}

	var target string
	switch {
	case m.IsCommand():
		target = m.CommandWithAt()
		in.Command = m.Command()
		in.Args = strings.TrimSpace(m.CommandArguments())
	case in.Document != nil:
		// Captions carry no command entities; parse them by hand.
		target, in.Args = splitCommand(in.Text)
		in.Command, _, _ = strings.Cut(target, "@")
	}
	if in.Command == "" {
		return in, true
	}
	if _, bot, ok := strings.Cut(target, "@"); ok && self != "" && !strings.EqualFold(bot, self) {
		return chat.Incoming{}, false
	}
	in.Command = strings.ToLower(in.Command)
	return in, true
}

// splitCommand splits "/cmd@bot args" into "cmd@bot" and "args". Text that
// is not a command yields empty strings.
func splitCommand(text string) (string, string) {
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head, rest := text[1:], ""
	if i := strings.IndexFunc(head, unicode.IsSpace); i >= 0 {
		head, rest = head[:i], head[i:]
	}
	return head, strings.TrimSpace(rest)
}
