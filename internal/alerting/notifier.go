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
)

// Notification 封装告警上下文。
type Notification struct {
	FiredAt        time.Time
	Exchange       string
	Pair           string
	PriceICP       decimal.Decimal
	ReferenceRate  decimal.Decimal
	RateSource     string
	ProfitPct      decimal.Decimal
	APYPct         decimal.Decimal
	ThresholdPct   decimal.Decimal
	RiskTier       string
	Recommendation string
	HoldingMonths  int
	// StakingAPYPct 为 nICP 持有期间的质押收益率, 供收益对比参考。
	StakingAPYPct decimal.Decimal
}

// Notifier 定义告警输送接口。chatID 由订阅规则携带。
type Notifier interface {
	Notify(ctx context.Context, chatID string, note Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, chatID string, note Notification) error {
	payload := map[string]string{
		"chat_id": chatID,
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

	n.logger.Info().Time("fired_at", note.FiredAt).
		Str("exchange", note.Exchange).
		Str("risk", note.RiskTier).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[nICP Arbitrage Alert]\n")
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.FiredAt.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("DEX: %s (%s)\n", note.Exchange, note.Pair))
	builder.WriteString(fmt.Sprintf("Price: %s ICP per nICP\n", note.PriceICP.StringFixed(6)))
	builder.WriteString(fmt.Sprintf("Issuance rate: %s nICP/ICP (%s)\n", note.ReferenceRate.StringFixed(6), note.RateSource))
	builder.WriteString(fmt.Sprintf("Profit: %s%% over %d months (threshold %s%%)\n", note.ProfitPct.StringFixed(1), note.HoldingMonths, note.ThresholdPct.StringFixed(1)))
	builder.WriteString(fmt.Sprintf("Annualized: %s%% (staking alone: %s%%)\n", note.APYPct.StringFixed(1), note.StakingAPYPct.StringFixed(1)))
	builder.WriteString(fmt.Sprintf("Risk: %s\n", note.RiskTier))
	if note.Recommendation != "" {
		builder.WriteString(note.Recommendation)
		builder.WriteString("\n")
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
