// Package telegram adapts the Telegram Bot API to the chat transport.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"sqragent/internal/chat"
	"sqragent/internal/retry"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DefaultEndpoint is the Bot API URL template (token, method).
const DefaultEndpoint = tgbotapi.APIEndpoint

const maxErrorBodyBytes = 512

var setLogger sync.Once

// Command is one entry of the bot's command menu.
type Command struct {
	Name        string
	Description string
}

// Client sends messages through the Bot API. The library has no context
// support, so ctx is only checked before each request.
type Client struct {
	api          *tgbotapi.BotAPI
	http         *http.Client
	fileEndpoint string
	policy       retry.Policy
}

// New connects to the Bot API and verifies the token with getMe.
func New(token, endpoint string, httpClient *http.Client, debug bool) (*Client, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	setLogger.Do(func() { _ = tgbotapi.SetLogger(slogLogger{}) })
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	api.Debug = debug
	slog.Info("telegram bot authorized", "username", api.Self.UserName)
	return &Client{
		api:          api,
		http:         httpClient,
		fileEndpoint: fileEndpoint(endpoint),
		policy:       retry.DefaultPolicy(),
	}, nil
}

// fileEndpoint derives the file download template (token, path) from the
// API template, so self-hosted Bot API servers serve files too.
func fileEndpoint(apiEndpoint string) string {
	if apiEndpoint == DefaultEndpoint {
		return tgbotapi.FileEndpoint
	}
	if base, ok := strings.CutSuffix(apiEndpoint, "/bot%s/%s"); ok {
		return base + "/file/bot%s/%s"
	}
	return tgbotapi.FileEndpoint
}

// SetPolicy replaces the retry policy for rate-limited or failed requests.
func (c *Client) SetPolicy(p retry.Policy) { c.policy = p }

// Username is the bot's own username.
func (c *Client) Username() string { return c.api.Self.UserName }

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, mode chat.ParseMode) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = string(mode)
	msg.DisableWebPagePreview = true
	sent, err := c.send(ctx, "sendMessage", msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (c *Client) EditMessage(ctx context.Context, chatID int64, messageID int, text string, mode chat.ParseMode) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = string(mode)
	edit.DisableWebPagePreview = true
	_, err := c.send(ctx, "editMessageText", edit)
	if isNotModified(err) {
		return nil
	}
	return err
}

func (c *Client) SendAudio(ctx context.Context, chatID int64, path, caption string) error {
	audio := tgbotapi.NewAudio(chatID, tgbotapi.FilePath(path))
	audio.Caption = caption
	_, err := c.send(ctx, "sendAudio", audio)
	return err
}

func (c *Client) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	doc.Caption = caption
	_, err := c.send(ctx, "sendDocument", doc)
	return err
}

// SendText sends a plain text message; it is used for operator alerts.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := c.SendMessage(ctx, chatID, text, chat.ParsePlain)
	return err
}

// DownloadFile fetches an uploaded file. Files larger than maxBytes are
// rejected without being read in full.
func (c *Client) DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := c.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, classify("getFile", err)
	}
	if maxBytes > 0 && int64(file.FileSize) > maxBytes {
		return nil, retry.Permanent(fmt.Errorf("file is %d bytes, limit %d", file.FileSize, maxBytes))
	}
	link := fmt.Sprintf(c.fileEndpoint, c.api.Token, file.FilePath)

	return retry.Do(ctx, c.policy, "downloadFile", func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("build download request: %w", err))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			// The URL embeds the bot token; keep it out of the error.
			var uerr *url.Error
			if errors.As(err, &uerr) {
				err = uerr.Err
			}
			return nil, retry.Transient(fmt.Errorf("download file: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			err := fmt.Errorf("download file: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			if resp.StatusCode >= 500 {
				return nil, retry.Transient(err)
			}
			return nil, retry.Permanent(err)
		}
		limit := maxBytes
		if limit <= 0 {
			limit = 20 << 20
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return nil, retry.Transient(fmt.Errorf("read file: %w", err))
		}
		if int64(len(data)) > limit {
			return nil, retry.Permanent(fmt.Errorf("file exceeds %d bytes", limit))
		}
		return data, nil
	})
}

// SetCommands publishes the command menu shown by Telegram clients.
func (c *Client) SetCommands(ctx context.Context, commands []Command) error {
	list := make([]tgbotapi.BotCommand, 0, len(commands))
	for _, cmd := range commands {
		list = append(list, tgbotapi.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.api.Request(tgbotapi.NewSetMyCommands(list...)); err != nil {
		return fmt.Errorf("setMyCommands: %w", err)
	}
	return nil
}

// send performs one Bot API call under the retry policy. Rate limiting,
// server errors and network failures are retried.
func (c *Client) send(ctx context.Context, op string, msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	return retry.Do(ctx, c.policy, op, func(ctx context.Context) (tgbotapi.Message, error) {
		if err := ctx.Err(); err != nil {
			return tgbotapi.Message{}, err
		}
		sent, err := c.api.Send(msg)
		if err != nil {
			return tgbotapi.Message{}, classify(op, err)
		}
		return sent, nil
	})
}

func classify(op string, err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		wrapped := fmt.Errorf("%s: telegram error %d: %s", op, apiErr.Code, apiErr.Message)
		if apiErr.Code == http.StatusTooManyRequests && apiErr.RetryAfter > 0 {
			return retry.TransientAfter(wrapped, time.Duration(apiErr.RetryAfter)*time.Second)
		}
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return retry.Transient(wrapped)
		}
		return retry.Permanent(wrapped)
	}
	return retry.Transient(fmt.Errorf("%s: %w", op, err))
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

// slogLogger routes the library's log output through slog.
type slogLogger struct{}

func (slogLogger) Println(v ...interface{}) {
	slog.Warn("telegram: " + strings.TrimSpace(fmt.Sprintln(v...)))
}

func (slogLogger) Printf(format string, v ...interface{}) {
	slog.Warn("telegram: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}
