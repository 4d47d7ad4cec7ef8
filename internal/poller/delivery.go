package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"unicode/utf8"

	"sqragent/internal/chat"
	"sqragent/internal/format"
	"sqragent/internal/tts"
)

// ErrAudioConversion wraps text-to-speech failures.
var ErrAudioConversion = errors.New("audio conversion failed")

const (
	summaryHeader = "✅ Summary completed!\n\n"
	// GuidanceHTML tells the user how to refine a delivered summary.
	GuidanceHTML = "💡 Use /shorten_summary for a shorter version, or /edit_summary &lt;instructions&gt; to adjust it."
	audioCaption = "🎧 Space summary"
)

// Delivery sends finished summaries to a chat.
type Delivery struct {
	transport chat.Transport
	speech    tts.Synthesizer
	lang      string
}

func NewDelivery(transport chat.Transport, speech tts.Synthesizer, lang string) *Delivery {
	return &Delivery{transport: transport, speech: speech, lang: lang}
}

// Deliver dispatches on requestType ("audio" or text).
func (d *Delivery) Deliver(ctx context.Context, chatID int64, messageID int, requestType, summary string) error {
	if requestType == "audio" {
		return d.Audio(ctx, chatID, messageID, summary)
	}
	return d.Text(ctx, chatID, messageID, summary)
}

// Text edits the status message in place when the whole summary fits in one
// message. Longer summaries are sent as separate messages followed by one
// guidance message, since an edit cannot exceed the message cap.
func (d *Delivery) Text(ctx context.Context, chatID int64, messageID int, summary string) error {
	composed := summaryHeader + format.SanitizeMarkup(summary) + "\n\n" + GuidanceHTML
	if utf8.RuneCountInString(composed) <= chat.MaxMessageLen {
		return d.put(ctx, chatID, messageID, composed)
	}

	parts := format.Paginate(summary, chat.MaxMessageLen)
	header := fmt.Sprintf("✅ Summary completed! Sending it in %d parts.", len(parts))
	if err := d.put(ctx, chatID, messageID, header); err != nil {
		return err
	}
	for i, part := range parts {
		if _, err := d.transport.SendMessage(ctx, chatID, part, chat.ParseHTML); err != nil {
			return fmt.Errorf("send summary part %d/%d: %w", i+1, len(parts), err)
		}
	}
	if _, err := d.transport.SendMessage(ctx, chatID, GuidanceHTML, chat.ParseHTML); err != nil {
		return fmt.Errorf("send guidance: %w", err)
	}
	return nil
}

// Audio converts the summary to speech and sends it as an attachment. The
// temporary audio file is always removed.
func (d *Delivery) Audio(ctx context.Context, chatID int64, messageID int, summary string) error {
	if d.speech == nil {
		return fmt.Errorf("%w: no synthesizer configured", ErrAudioConversion)
	}
	if err := d.put(ctx, chatID, messageID, "🎧 Converting summary to audio..."); err != nil {
		slog.Warn("audio progress update failed", "chat", chatID, "err", err)
	}
	path, err := d.speech.Synthesize(ctx, summary, d.lang)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAudioConversion, err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("remove audio file failed", "path", path, "err", err)
		}
	}()

	if err := d.transport.SendAudio(ctx, chatID, path, audioCaption); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}
	return d.put(ctx, chatID, messageID, "✅ Audio summary sent!")
}

// put edits messageID, or sends a new message when there is none.
func (d *Delivery) put(ctx context.Context, chatID int64, messageID int, text string) error {
	if messageID == 0 {
		if _, err := d.transport.SendMessage(ctx, chatID, text, chat.ParseHTML); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
		return nil
	}
	if err := d.transport.EditMessage(ctx, chatID, messageID, text, chat.ParseHTML); err != nil {
		return fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return nil
}
