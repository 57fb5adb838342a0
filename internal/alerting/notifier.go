package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dexwatch/internal/fetcher"
)

// Notification 封装一次被放行的交易对更新。
type Notification struct {
	ObservedAt    time.Time
	Kind          string
	ChainID       string
	PairAddress   string
	BaseSymbol    string
	QuoteSymbol   string
	PriceUSD      decimal.NullDecimal
	PriceNative   decimal.Decimal
	VolumeH24     decimal.Decimal
	LiquidityUSD  decimal.NullDecimal
	PriceChangeH1 decimal.Decimal
	URL           string
	Channels      []string
	AdditionalMsg string
}

// NewNotification 由交易对快照构造告警内容。
func NewNotification(kind string, p fetcher.Pair, channels []string) Notification {
	note := Notification{
		ObservedAt:    p.FetchedAt,
		Kind:          kind,
		ChainID:       p.ChainID,
		PairAddress:   p.PairAddress,
		BaseSymbol:    p.BaseToken.Symbol,
		QuoteSymbol:   p.QuoteToken.Symbol,
		PriceUSD:      p.PriceUSD,
		PriceNative:   p.PriceNative,
		VolumeH24:     decimal.NewFromFloat(p.Volume.H24),
		PriceChangeH1: decimal.NewFromFloat(p.PriceChange.H1),
		URL:           p.URL,
		Channels:      channels,
	}
	if note.ObservedAt.IsZero() {
		note.ObservedAt = time.Now()
	}
	if p.Liquidity != nil && p.Liquidity.USD != nil {
		note.LiquidityUSD = decimal.NewNullDecimal(decimal.NewFromFloat(*p.Liquidity.USD))
	}
	return note
}

// key 标识同一交易对，用于冷却去重。
func (n Notification) key() string {
	return n.ChainID + ":" + strings.ToLower(n.PairAddress)
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("chain", note.ChainID).
		Str("pair", note.PairAddress).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s/%s %s]\n", note.BaseSymbol, note.QuoteSymbol, note.ChainID))
	builder.WriteString(fmt.Sprintf("Observed: %s UTC\n", note.ObservedAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Pair: %s (%s)\n", note.PairAddress, note.Kind))
	if note.PriceUSD.Valid {
		builder.WriteString(fmt.Sprintf("Price: $%s\n", note.PriceUSD.Decimal.String()))
	} else {
		builder.WriteString("Price: n/a\n")
	}
	builder.WriteString(fmt.Sprintf("Native: %s %s\n", note.PriceNative.String(), note.QuoteSymbol))
	builder.WriteString(fmt.Sprintf("Change 1h: %s%%\n", note.PriceChangeH1.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Volume 24h: $%s\n", note.VolumeH24.StringFixed(0)))
	if note.LiquidityUSD.Valid {
		builder.WriteString(fmt.Sprintf("Liquidity: $%s\n", note.LiquidityUSD.Decimal.StringFixed(0)))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.URL != "" {
		builder.WriteString(note.URL + "\n")
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
