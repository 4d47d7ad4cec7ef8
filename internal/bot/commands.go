package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"slices"
	"strings"

	"sqragent/internal/chain"
	"sqragent/internal/chat"
	"sqragent/internal/db"
	"sqragent/internal/telegram"

	"github.com/gagliardetto/solana-go"
)

const welcomeText = "👋 <b>Hello!</b> I'm sqrAgent, developed by sqrFUND.\n\n" +
	"I can summarize X Spaces for you, paid in $SQR, and check $SQR balances.\n\n" +
	"Use /help to see available commands!"

const (
	msgUnexpected     = "❌ An unexpected error occurred. Please try again later."
	msgUnknownCommand = "❓ Unknown command. Use /help to see available commands."
	msgPlainText      = "ℹ️ Use /summarize_space to summarize an X Space, or /help to see all commands."
	msgUnauthorized   = "❌ You are not authorized to use this command."
	usageSummarize    = "❌ Please provide a Space URL.\nUsage: /summarize_space &lt;space_url&gt; [text|audio]"
	usageBalance      = "❌ Please provide the wallet address or SNS domain.\nUsage: /balance &lt;wallet_address or sns_domain&gt;\nExamples:\n• /balance 2uWgfTebL5xfhFPJwguVuRfidgUAvjUX1vZRepZgZym9\n• /balance castelian.sol"
	usageLearn        = "❌ Please separate topic and information with '|'.\nUsage: /learn &lt;topic&gt; | &lt;information&gt;"
	usageLearnURL     = "❌ Please provide a URL.\nUsage: /learn_from_url &lt;url&gt;"
)

// KnowledgePrefix namespaces taught entries in the knowledge repository.
const KnowledgePrefix = "knowledge:"

func (b *Bot) help(ctx context.Context, msg chat.Incoming) error {
	var sb strings.Builder
	sb.WriteString("<b>🤖 sqrAgent Help</b>\n\n<b>Available Commands:</b>\n")
	sb.WriteString("• /start - Start the bot\n")
	sb.WriteString("• /help - Show this help\n")
	sb.WriteString("• /about - Learn about sqrDAO and sqrFUND\n")
	sb.WriteString("• /website - Get sqrDAO's and sqrFUND's websites\n")
	sb.WriteString("• /contact - Get contact information\n")
	sb.WriteString("• /events - View sqrDAO events\n")
	sb.WriteString("• /balance - Check $SQR token balance\n")
	sb.WriteString("• /sqr_info - $SQR token and pricing\n")
	sb.WriteString("• /summarize_space - Summarize an X Space (text or audio)\n")
	sb.WriteString("• /edit_summary - Adjust your latest summary\n")
	sb.WriteString("• /shorten_summary - Shorten your latest summary\n")
	sb.WriteString("• /cancel - Cancel the current request\n")
	if b.authorized(ctx, msg.Username) {
		sb.WriteString("\n<b>Authorized Member Commands:</b>\n")
		sb.WriteString("• /resources - Internal resources for members\n")
		sb.WriteString("• /learn - Add information to the knowledge base\n")
		sb.WriteString("• /learn_from_url - Learn from a web page\n")
		sb.WriteString("• /bulk_learn - Add many entries from a CSV file\n")
	}
	return b.send(ctx, msg.ChatID, sb.String())
}

func (b *Bot) summarize(ctx context.Context, msg chat.Incoming) error {
	args := strings.Fields(msg.Args)
	if len(args) == 0 {
		return b.send(ctx, msg.ChatID, usageSummarize)
	}
	mode := ""
	if len(args) > 1 {
		mode = args[1]
	}
	return b.Machine.Submit(ctx, msg.ChatID, args[0], mode)
}

func (b *Bot) tokenInfo(ctx context.Context, msg chat.Incoming) error {
	text := fmt.Sprintf("<b>$%s Token</b>\n\n<b>Token Address:</b>\n%s\n\n<b>Pricing:</b>\n• X Space Text summary: %s %s\n• X Space Audio summary: %s %s",
		b.cfg.TokenSymbol, b.cfg.Mint.String(),
		b.cfg.TextCost.String(), b.cfg.TokenSymbol, b.cfg.AudioCost.String(), b.cfg.TokenSymbol)
	return b.send(ctx, msg.ChatID, text)
}

func (b *Bot) balance(ctx context.Context, msg chat.Incoming) error {
	input := firstField(msg.Args)
	if input == "" {
		return b.send(ctx, msg.ChatID, usageBalance)
	}
	log := slog.With("chat", msg.ChatID, "input", input)

	var owner solana.PublicKey
	display := chain.ShortAddress(input)
	if chain.IsDomain(input) {
		pk, err := b.Names.Resolve(ctx, input)
		if errors.Is(err, chain.ErrDomainNotFound) {
			return b.send(ctx, msg.ChatID, fmt.Sprintf("❌ SNS domain not found: %s\nPlease verify the domain exists or try using a wallet address instead.", html.EscapeString(input)))
		}
		if err != nil {
			log.Warn("sns resolve failed", "err", err)
			return b.send(ctx, msg.ChatID, fmt.Sprintf("❌ Error resolving SNS domain: %s\nPlease try again later or use a wallet address instead.", html.EscapeString(input)))
		}
		owner = pk
		display = fmt.Sprintf("%s (%s)", html.EscapeString(input), chain.ShortAddress(pk.String()))
	} else {
		pk, err := solana.PublicKeyFromBase58(input)
		if err != nil {
			return b.send(ctx, msg.ChatID, "❌ Invalid wallet address format.")
		}
		owner = pk
	}

	bal, err := b.Balances.TokenBalance(ctx, owner, b.cfg.Mint)
	if errors.Is(err, chain.ErrNoTokenAccount) {
		return b.send(ctx, msg.ChatID, fmt.Sprintf("No token account found for this token in the wallet %s", display))
	}
	if err != nil {
		log.Warn("balance lookup failed", "err", err)
		return b.send(ctx, msg.ChatID, "❌ Could not fetch the balance right now. Please try again later.")
	}
	mint := b.cfg.Mint.String()
	text := fmt.Sprintf("💰 <b>Token Balance</b>\n\nWallet: %s\nToken: %s\nBalance: %s %s\nMint: %s",
		display, b.cfg.TokenSymbol, bal.Amount.StringFixed(int32(bal.Decimals)), b.cfg.TokenSymbol, chain.ShortAddress(mint))
	return b.send(ctx, msg.ChatID, text)
}

func (b *Bot) learn(ctx context.Context, msg chat.Incoming) error {
	if !b.authorized(ctx, msg.Username) {
		return b.send(ctx, msg.ChatID, msgUnauthorized)
	}
	topic, info, ok := strings.Cut(msg.Args, "|")
	topic, info = strings.TrimSpace(topic), strings.TrimSpace(info)
	if !ok || topic == "" || info == "" {
		return b.send(ctx, msg.ChatID, usageLearn)
	}
	if err := b.Knowledge.Put(ctx, KnowledgePrefix+strings.ToLower(topic), info); err != nil {
		return fmt.Errorf("store knowledge: %w", err)
	}
	slog.Info("knowledge stored", "chat", msg.ChatID, "user", msg.Username, "topic", topic)
	return b.send(ctx, msg.ChatID, fmt.Sprintf("✅ Successfully learned about '%s'.", html.EscapeString(topic)))
}

func (b *Bot) learnFromURL(ctx context.Context, msg chat.Incoming) error {
	if !b.authorized(ctx, msg.Username) {
		return b.send(ctx, msg.ChatID, msgUnauthorized)
	}
	raw := firstField(msg.Args)
	if raw == "" {
		return b.send(ctx, msg.ChatID, usageLearnURL)
	}
	page, err := b.Pages.Fetch(ctx, raw)
	if err != nil {
		slog.Warn("learn from url failed", "chat", msg.ChatID, "url", raw, "err", err)
		return b.send(ctx, msg.ChatID, "❌ Could not fetch content from the URL. Please try again.")
	}
	value := page.Markdown
	if page.Title != "" {
		value = "# " + page.Title + "\n\n" + value
	}
	if err := b.Knowledge.Put(ctx, KnowledgePrefix+"web:"+page.URL, value); err != nil {
		return fmt.Errorf("store web page: %w", err)
	}
	slog.Info("web page stored", "chat", msg.ChatID, "url", page.URL, "chars", len([]rune(value)))
	label := "webpage"
	if page.Title != "" {
		label = truncate(page.Title, 80)
	}
	return b.send(ctx, msg.ChatID, fmt.Sprintf("✅ Successfully learned from <a href=\"%s\">%s</a>",
		html.EscapeString(page.URL), html.EscapeString(label)))
}

// authorized reports whether username may teach the bot. If the stored
// member list cannot be read, only configured members are allowed.
func (b *Bot) authorized(ctx context.Context, username string) bool {
	name := db.NormalizeUsername(username)
	if name == "" {
		return false
	}
	members, err := db.AuthorizedMembers(ctx, b.Knowledge, b.cfg.Members)
	if err != nil {
		slog.Warn("load authorized members failed", "err", err)
	}
	return slices.Contains(members, name)
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Menu is the command list published to Telegram clients.
func Menu() []telegram.Command {
	return []telegram.Command{
		{Name: "start", Description: "Start the bot"},
		{Name: "help", Description: "Show available commands"},
		{Name: "about", Description: "Learn about sqrDAO and sqrFUND"},
		{Name: "website", Description: "sqrDAO and sqrFUND websites"},
		{Name: "contact", Description: "Contact information"},
		{Name: "events", Description: "Upcoming sqrDAO events"},
		{Name: "summarize_space", Description: "Summarize an X Space: <url> [text|audio]"},
		{Name: "edit_summary", Description: "Adjust your latest summary: <instructions>"},
		{Name: "shorten_summary", Description: "Shorten your latest summary"},
		{Name: "cancel", Description: "Cancel the current request"},
		{Name: "balance", Description: "Check $SQR balance: <wallet or name.sol>"},
		{Name: "sqr_info", Description: "$SQR token and pricing"},
	}
}
