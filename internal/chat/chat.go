// Package chat defines the message transport the bot core talks to.
package chat

import "context"

// ParseMode selects how the platform renders message text.
type ParseMode string

const (
	ParsePlain ParseMode = ""
	ParseHTML  ParseMode = "HTML"
)

// MaxMessageLen is the platform cap on a single message, in characters.
const MaxMessageLen = 4096

// Transport sends and edits chat messages. Implementations retry only rate
// limiting and network failures.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string, mode ParseMode) (messageID int, err error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string, mode ParseMode) error
	SendAudio(ctx context.Context, chatID int64, path, caption string) error
	SendDocument(ctx context.Context, chatID int64, path, caption string) error
}

// Incoming is a text message received from a chat.
type Incoming struct {
	ChatID   int64
	ChatType string
	UserID   int64
	Username string
	Text     string
	// Command is the bot command without the leading slash or @botname,
	// empty for plain messages.
	Command string
	Args    string
	// Document is set when the message carries a file; Text then holds
	// its caption.
	Document *Document
}

// Document is a file attached to a message.
type Document struct {
	FileID   string
	FileName string
	MimeType string
	Size     int64
}

// IsPrivate reports whether the message came from a one-to-one chat.
func (m Incoming) IsPrivate() bool {
	return m.ChatType == "private"
}
