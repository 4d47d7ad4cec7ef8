package notify

import (
	"context"
	"fmt"
)

// Messenger delivers plain text to a chat.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// ChatSender posts refund alerts to a support chat through the bot.
type ChatSender struct {
	messenger Messenger
	chatID    int64
}

func NewChatSender(messenger Messenger, chatID int64) *ChatSender {
	return &ChatSender{messenger: messenger, chatID: chatID}
}

func (s *ChatSender) Name() string {
	return "chat"
}

func (s *ChatSender) Send(ctx context.Context, payload Payload) error {
	if err := s.messenger.SendText(ctx, s.chatID, SlackText(payload)); err != nil {
		return fmt.Errorf("send chat alert: %w", err)
	}
	return nil
}
