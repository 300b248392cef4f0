package delivery

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"andee/internal/logging"
)

// MaxMessageLen is the maximum Telegram message length.
const MaxMessageLen = 4096

// TelegramConfig configures the Telegram delivery adapter.
type TelegramConfig struct {
	// Timeout bounds a single send, including the HTTP round-trip.
	Timeout time.Duration
	// RatePerChat is the sustained messages/second allowed per chat.
	// Telegram throttles roughly above one message per second per chat.
	RatePerChat float64
	// BaseURL overrides the Bot API endpoint (tests, self-hosted gateways).
	BaseURL string
}

// TelegramGateway delivers messages through the Telegram Bot API. The
// delivery credential is the bot token; bot clients are cached per token so
// repeated deliveries for the same bot reuse one API session.
type TelegramGateway struct {
	config TelegramConfig
	logger logging.Logger

	mu       sync.Mutex
	bots     map[string]*tgbotapi.BotAPI
	limiters map[string]*rate.Limiter
}

// NewTelegramGateway creates a TelegramGateway.
func NewTelegramGateway(cfg TelegramConfig, logger logging.Logger) *TelegramGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerChat <= 0 {
		cfg.RatePerChat = 1.0
	}
	return &TelegramGateway{
		config:   cfg,
		logger:   logging.OrNop(logger),
		bots:     make(map[string]*tgbotapi.BotAPI),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Deliver sends message to chatID as MarkdownV2, chunking long messages and
// falling back to plain text when Telegram rejects the markup.
func (g *TelegramGateway) Deliver(ctx context.Context, chatID string, message string, credential string) error {
	if credential == "" {
		return fmt.Errorf("telegram: delivery credential is required")
	}
	numericChatID, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", chatID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	bot, err := g.bot(credential)
	if err != nil {
		return err
	}

	for _, chunk := range SplitMessage(message, MaxMessageLen) {
		if err := g.limiter(chatID).Wait(ctx); err != nil {
			return fmt.Errorf("telegram: rate wait: %w", err)
		}
		if err := g.sendChunk(ctx, bot, numericChatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (g *TelegramGateway) sendChunk(ctx context.Context, bot *tgbotapi.BotAPI, chatID int64, chunk string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, EscapeMarkdownV2(chunk))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := bot.Send(msg); err != nil {
		// Malformed markup is the common failure; the message itself is
		// still deliverable as plain text.
		g.logger.Warn("Telegram: markdown send to %d failed, retrying plain: %v", chatID, err)
		plain := tgbotapi.NewMessage(chatID, chunk)
		if _, err := bot.Send(plain); err != nil {
			return fmt.Errorf("telegram: send to %d: %w", chatID, err)
		}
	}
	return nil
}

// bot returns the cached client for a token, creating it on first use.
func (g *TelegramGateway) bot(token string) (*tgbotapi.BotAPI, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if bot, ok := g.bots[token]; ok {
		return bot, nil
	}

	endpoint := tgbotapi.APIEndpoint
	if g.BaseURL() != "" {
		endpoint = g.BaseURL() + "/bot%s/%s"
	}
	client := &http.Client{Timeout: g.config.Timeout}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect bot: %w", err)
	}
	g.bots[token] = bot
	g.logger.Info("Telegram: connected bot @%s", bot.Self.UserName)
	return bot, nil
}

// BaseURL returns the configured Bot API base URL override, trimmed of any
// trailing slash.
func (g *TelegramGateway) BaseURL() string {
	url := g.config.BaseURL
	for len(url) > 0 && url[len(url)-1] == '/' {
		url = url[:len(url)-1]
	}
	return url
}

func (g *TelegramGateway) limiter(chatID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	limiter, ok := g.limiters[chatID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(g.config.RatePerChat), 1)
		g.limiters[chatID] = limiter
	}
	return limiter
}
