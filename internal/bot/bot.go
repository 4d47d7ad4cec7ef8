// Package bot routes incoming chat messages to command handlers and the
// request state machine.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"sqragent/internal/chain"
	"sqragent/internal/chat"
	"sqragent/internal/db"
	"sqragent/internal/poller"
	"sqragent/internal/session"
	"sqragent/internal/webcontent"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// BalanceReader looks up token balances. *chain.BalanceReader satisfies it.
type BalanceReader interface {
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (chain.Balance, error)
}

// NameResolver resolves .sol names. *chain.SNSResolver satisfies it.
type NameResolver interface {
	Resolve(ctx context.Context, domain string) (solana.PublicKey, error)
}

// PageFetcher downloads web pages as markdown. *webcontent.Fetcher satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (webcontent.Page, error)
}

type Config struct {
	Mint           solana.PublicKey
	TokenSymbol    string
	TextCost       decimal.Decimal
	AudioCost      decimal.Decimal
	Members        []string
	SupportContact string
}

type Deps struct {
	Transport chat.Transport
	Machine   *session.Machine
	Knowledge db.Repository
	Balances  BalanceReader
	Names     NameResolver
	Pages     PageFetcher
	// Files may be nil; /bulk_learn then only accepts inline rows.
	Files FileDownloader
}

type Bot struct {
	Deps
	cfg   Config
	chats *poller.LockTable
	wg    sync.WaitGroup
}

func New(cfg Config, deps Deps) *Bot {
	if cfg.TokenSymbol == "" {
		cfg.TokenSymbol = "SQR"
	}
	return &Bot{Deps: deps, cfg: cfg, chats: poller.NewLockTable()}
}

// Run handles updates until the channel is closed, then waits for handlers
// still in flight. Messages of one chat are handled one at a time; different
// chats are handled concurrently.
func (b *Bot) Run(ctx context.Context, updates <-chan chat.Incoming) {
	for msg := range updates {
		b.wg.Add(1)
		go func(msg chat.Incoming) {
			defer b.wg.Done()
			unlock := b.chats.Lock(strconv.FormatInt(msg.ChatID, 10))
			defer unlock()
			b.safeHandle(ctx, msg)
		}(msg)
	}
	b.wg.Wait()
}

func (b *Bot) safeHandle(ctx context.Context, msg chat.Incoming) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "chat", msg.ChatID, "command", msg.Command, "panic", fmt.Sprint(r))
			b.reply(ctx, msg.ChatID, msgUnexpected)
		}
	}()
	if err := b.Handle(ctx, msg); err != nil {
		slog.Error("handle message failed", "chat", msg.ChatID, "command", msg.Command, "err", err)
	}
}

// Handle processes one message.
func (b *Bot) Handle(ctx context.Context, msg chat.Incoming) error {
	if msg.Command == "" {
		return b.handleText(ctx, msg)
	}
	slog.Debug("command received", "chat", msg.ChatID, "command", msg.Command, "user", msg.Username)

	switch msg.Command {
	case "start":
		return b.send(ctx, msg.ChatID, welcomeText)
	case "help":
		return b.help(ctx, msg)
	case "summarize_space":
		return b.summarize(ctx, msg)
	case "cancel":
		return b.Machine.Cancel(ctx, msg.ChatID)
	case "balance":
		return b.balance(ctx, msg)
	case "sqr_info":
		return b.tokenInfo(ctx, msg)
	case "edit_summary":
		return b.Machine.EditSummary(ctx, msg.ChatID, msg.Args)
	case "shorten_summary":
		return b.Machine.ShortenSummary(ctx, msg.ChatID)
	case "learn":
		return b.learn(ctx, msg)
	case "learn_from_url":
		return b.learnFromURL(ctx, msg)
	case "bulk_learn":
		return b.bulkLearn(ctx, msg)
	case "about":
		return b.about(ctx, msg)
	case "website":
		return b.website(ctx, msg)
	case "contact":
		return b.send(ctx, msg.ChatID, contactText)
	case "events":
		return b.send(ctx, msg.ChatID, eventsText)
	case "resources":
		return b.resources(ctx, msg)
	default:
		if msg.IsPrivate() {
			return b.send(ctx, msg.ChatID, msgUnknownCommand)
		}
		return nil
	}
}

// handleText treats plain text as a payment signature when one is expected.
func (b *Bot) handleText(ctx context.Context, msg chat.Incoming) error {
	if msg.Document != nil {
		if msg.IsPrivate() {
			return b.send(ctx, msg.ChatID, msgPlainText)
		}
		return nil
	}
	consumed, err := b.Machine.HandleSignature(ctx, msg.ChatID, msg.Text)
	if err != nil || consumed {
		return err
	}
	if msg.IsPrivate() {
		return b.send(ctx, msg.ChatID, msgPlainText)
	}
	return nil
}

func (b *Bot) send(ctx context.Context, chatID int64, text string) error {
	if _, err := b.Transport.SendMessage(ctx, chatID, text, chat.ParseHTML); err != nil {
		return fmt.Errorf("reply to chat %d: %w", chatID, err)
	}
	return nil
}

// reply sends text and only logs failures.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.send(ctx, chatID, text); err != nil {
		slog.Warn("reply failed", "chat", chatID, "err", err)
	}
}
