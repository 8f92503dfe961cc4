// Package notifier delivers new-product notifications. The Telegram
// implementation posts MarkdownV2 messages through the Bot API, with the
// product photo attached when one is available.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"marketwatch/internal/config"
	"marketwatch/internal/model"
)

type Telegram struct {
	apiBase string
	chatID  string
	client  *http.Client
	logger  *slog.Logger

	rateDelay time.Duration
	eurRate   float64
}

// NewTelegram builds a notifier from a bot token and chat id (typically
// read from the environment). The exchange rate is a fixed configured
// value; live rate lookups proved slow and unreliable in practice.
func NewTelegram(cfg config.Config, botToken, chatID string, logger *slog.Logger) (*Telegram, error) {
	if strings.TrimSpace(botToken) == "" || strings.TrimSpace(chatID) == "" {
		return nil, errors.New("telegram bot token and chat id are required")
	}
	return &Telegram{
		apiBase:   "https://api.telegram.org/bot" + botToken,
		chatID:    chatID,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		rateDelay: time.Duration(cfg.NotificationDelaySeconds) * time.Second,
		eurRate:   cfg.JPYToEURRate,
	}, nil
}

// NotifyNewProducts sends one message per product. A failed send is
// logged and the rest of the batch still goes out; the caller has
// already registered the products as known either way.
func (t *Telegram) NotifyNewProducts(ctx context.Context, products []model.Product, query string) error {
	if len(products) == 0 {
		return nil
	}
	t.logger.Info("sending notifications", "count", len(products), "query", query)
	failed := 0
	for _, p := range products {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.rateDelay):
		}
		if err := t.send(ctx, t.formatMessage(p, query), p.ImageURL); err != nil {
			failed++
			t.logger.Error("notification failed", "product_id", p.ID, "err", err)
		}
	}
	if failed == len(products) {
		return fmt.Errorf("all %d notifications failed", failed)
	}
	return nil
}

// send tries a photo message first, falling back to text only.
func (t *Telegram) send(ctx context.Context, message, photoURL string) error {
	if photoURL != "" {
		err := t.post(ctx, "/sendPhoto", map[string]any{
			"chat_id":    t.chatID,
			"parse_mode": "MarkdownV2",
			"photo":      photoURL,
			"caption":    truncate(message, 1024),
		})
		if err == nil {
			return nil
		}
		t.logger.Warn("photo send failed; retrying as text", "err", err)
	}
	return t.post(ctx, "/sendMessage", map[string]any{
		"chat_id":    t.chatID,
		"parse_mode": "MarkdownV2",
		"text":       truncate(message, 4096),
	})
}

func (t *Telegram) post(ctx context.Context, method string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiBase+method, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("telegram %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

func (t *Telegram) formatMessage(p model.Product, query string) string {
	eur := float64(p.Price) * t.eurRate
	var b strings.Builder
	b.WriteString("🚀 *New Product Found*\n\n")
	b.WriteString("*" + escapeMarkdownV2(p.Title) + "*\n")
	b.WriteString(formatPrice(p.Price, eur) + "\n\n")
	b.WriteString("Query: `" + escapeCodeSpan(query) + "`\n")
	b.WriteString("[View listing](" + escapeLinkTarget(p.URL) + ")")
	return b.String()
}

// formatPrice renders "¥1,234 \(\~€7.90\)" with MarkdownV2 escapes.
func formatPrice(jpy int, eur float64) string {
	eurStr := strings.ReplaceAll(fmt.Sprintf("%.2f", eur), ".", "\\.")
	return fmt.Sprintf("¥%s \\(\\~€%s\\)", groupDigits(jpy), eurStr)
}

func groupDigits(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

const markdownV2Special = "_*[]()~`>#+-=|{}.!"

func escapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(markdownV2Special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Inside code spans MarkdownV2 only requires '`' and '\' escaped; inside
// an inline link target, ')' and '\'.
func escapeCodeSpan(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "`", "\\`")
}

func escapeLinkTarget(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, ")", `\)`)
}

// truncate cuts at a rune boundary so captions never carry invalid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// Log is a no-delivery notifier used when notifications are disabled.
type Log struct {
	Logger *slog.Logger
}

func (l *Log) NotifyNewProducts(_ context.Context, products []model.Product, query string) error {
	for _, p := range products {
		l.Logger.Info("new product", "id", p.ID, "title", p.Title, "price", p.Price, "query", query)
	}
	return nil
}
