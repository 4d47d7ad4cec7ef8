package bot

import (
	"context"
	"errors"
	"html"
	"log/slog"
	"strings"

	"sqragent/internal/chat"
	"sqragent/internal/db"
)

// Knowledge topics that back the informational commands. Members override
// the defaults with /learn <topic> | <text>.
const (
	TopicSQRDAO    = "sqrdao"
	TopicSQRFUND   = "sqrfund"
	TopicWebsite   = "website"
	TopicResources = "resources"
)

const (
	defaultAboutDAO  = "sqrDAO is a Web3 builders-driven community in Vietnam and Southeast Asia, created by and for crypto builders. We connect and empower both technical and non-technical builders to collaborate, explore new ideas, and BUIDL together."
	defaultAboutFund = "sqrFUND, incubated by sqrDAO, is a Web3 + AI development DAO that combines Web3 builders' expertise with AI-powered data analytics to create intelligent DeFAI trading and market analysis agents."
	defaultWebsite   = "Visit sqrDAO at https://sqrdao.com\n\nVisit sqrFUND at https://sqrfund.ai"
	defaultResources = "• GitHub: https://github.com/sqrdao\n" +
		"• sqrDAO &amp; sqrFUND Brand Kit: https://sqrdao.notion.site/sqrdao-brand-kit\n" +
		"• Legal Service (20% off): https://teamoutlaw.io/"
)

const contactText = "<b>Contact Information</b>\n\n" +
	"Get in touch with sqrDAO:\n• Email: gm@sqrdao.com\n• X (Twitter): @sqrdao\n• Website: https://sqrdao.com\n\n" +
	"Get in touch with sqrFUND:\n• Email: dev@sqrfund.ai\n• X (Twitter): @sqrfund_ai\n• Website: https://sqrfund.ai"

const eventsText = "<b>sqrDAO Events Calendar</b>\n\n" +
	"View and register for our upcoming events on Luma:\n• https://lu.ma/sqrdao-events\n\n" +
	"Stay updated with our latest events, workshops, and community gatherings!"

func (b *Bot) about(ctx context.Context, msg chat.Incoming) error {
	var sb strings.Builder
	sb.WriteString("<b>About sqrDAO:</b>\n\n")
	sb.WriteString(b.topic(ctx, TopicSQRDAO, html.EscapeString(defaultAboutDAO)))
	sb.WriteString("\n\n<b>About sqrFUND:</b>\n\n")
	sb.WriteString(b.topic(ctx, TopicSQRFUND, html.EscapeString(defaultAboutFund)))
	return b.send(ctx, msg.ChatID, sb.String())
}

func (b *Bot) website(ctx context.Context, msg chat.Incoming) error {
	return b.send(ctx, msg.ChatID, b.topic(ctx, TopicWebsite, defaultWebsite))
}

func (b *Bot) resources(ctx context.Context, msg chat.Incoming) error {
	if !b.authorized(ctx, msg.Username) {
		return b.send(ctx, msg.ChatID, msgUnauthorized)
	}
	text := "<b>sqrDAO Members' and sqrFUND Chads' Resources</b>\n\n" +
		b.topic(ctx, TopicResources, defaultResources)
	if b.cfg.SupportContact != "" {
		text += "\n\nFor access issues, please contact " + html.EscapeString(b.cfg.SupportContact) + "."
	}
	return b.send(ctx, msg.ChatID, text)
}

// topic returns the escaped stored text for topic, or fallback (already
// HTML) when nothing was taught.
func (b *Bot) topic(ctx context.Context, topic, fallback string) string {
	v, err := b.Knowledge.Get(ctx, KnowledgePrefix+topic)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			slog.Warn("load knowledge topic failed", "topic", topic, "err", err)
		}
		return fallback
	}
	if v = strings.TrimSpace(v); v == "" {
		return fallback
	}
	return html.EscapeString(v)
}
