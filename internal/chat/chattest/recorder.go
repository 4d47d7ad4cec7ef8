// Package chattest provides an in-memory chat.Transport for tests.
package chattest

import (
	"context"
	"os"
	"sync"

	"sqragent/internal/chat"
)

type Kind string

const (
	KindSend     Kind = "send"
	KindEdit     Kind = "edit"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

// Message is one recorded transport call.
type Message struct {
	Kind      Kind
	ChatID    int64
	MessageID int
	Text      string
	Mode      chat.ParseMode
	Path      string
	// FileExisted reports whether Path existed when the call was made.
	FileExisted bool
}

// Recorder records every call. Set the Err fields to make calls fail.
type Recorder struct {
	mu       sync.Mutex
	nextID   int
	messages []Message

	SendErr  error
	EditErr  error
	AudioErr error
}

func (r *Recorder) SendMessage(_ context.Context, chatID int64, text string, mode chat.ParseMode) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		return 0, r.SendErr
	}
	r.nextID++
	r.messages = append(r.messages, Message{Kind: KindSend, ChatID: chatID, MessageID: r.nextID, Text: text, Mode: mode})
	return r.nextID, nil
}

func (r *Recorder) EditMessage(_ context.Context, chatID int64, messageID int, text string, mode chat.ParseMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.EditErr != nil {
		return r.EditErr
	}
	r.messages = append(r.messages, Message{Kind: KindEdit, ChatID: chatID, MessageID: messageID, Text: text, Mode: mode})
	return nil
}

func (r *Recorder) SendAudio(_ context.Context, chatID int64, path, caption string) error {
	return r.file(KindAudio, r.AudioErr, chatID, path, caption)
}

func (r *Recorder) SendDocument(_ context.Context, chatID int64, path, caption string) error {
	return r.file(KindDocument, nil, chatID, path, caption)
}

func (r *Recorder) file(kind Kind, failWith error, chatID int64, path, caption string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if failWith != nil {
		return failWith
	}
	_, statErr := os.Stat(path)
	r.messages = append(r.messages, Message{Kind: kind, ChatID: chatID, Text: caption, Path: path, FileExisted: statErr == nil})
	return nil
}

// SendText sends plain text; it satisfies the alert messenger interface.
func (r *Recorder) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := r.SendMessage(ctx, chatID, text, chat.ParsePlain)
	return err
}

// Messages returns a copy of all recorded calls.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Last returns the most recent call, or the zero Message.
func (r *Recorder) Last() Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return Message{}
	}
	return r.messages[len(r.messages)-1]
}

// Filter returns the calls of the given kind.
func (r *Recorder) Filter(kind Kind) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}
