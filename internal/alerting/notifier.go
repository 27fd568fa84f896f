package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"oracle-audit/internal/domain"
	"oracle-audit/internal/engine"
)

// ValidatorSummary 是告警中单个验证者的摘要。
type ValidatorSummary struct {
	ID         string
	Anomalies  int
	MissingPct decimal.Decimal
}

// Notification 封装一次分析运行的告警上下文。
type Notification struct {
	RunID         string
	From          time.Time
	To            time.Time
	Validators    int
	Submissions   int
	Flags         int
	ByReason      map[string]int
	Top           []ValidatorSummary
	Skipped       map[string]int
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Summarize 从运行结果构造告警。scorecards 需已按排名排序, 取前 top 个。
func Summarize(runID string, res *engine.Result, top int) Notification {
	note := Notification{
		RunID:       runID,
		From:        res.From,
		To:          res.To,
		Validators:  len(res.Scorecards),
		Submissions: res.Load.Rows - res.Load.DroppedRows,
		Flags:       len(res.Flags),
		ByReason:    make(map[string]int),
		Skipped:     make(map[string]int),
	}
	for _, f := range res.Flags {
		for _, r := range f.Reasons {
			note.ByReason[string(r)]++
		}
	}
	for _, r := range res.Reports {
		if r.Skipped > 0 {
			note.Skipped[r.Name] = r.Skipped
		}
	}
	for _, c := range res.Scorecards {
		if len(note.Top) >= top {
			break
		}
		if c.AnomalyCount() == 0 {
			continue
		}
		note.Top = append(note.Top, ValidatorSummary{
			ID:         c.ValidatorID,
			Anomalies:  c.AnomalyCount(),
			MissingPct: decimal.NewFromFloat(c.MissingRatio).Shift(2),
		})
	}
	return note
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

	n.logger.Info().Str("run_id", note.RunID).
		Time("from", note.From).
		Int("flags", note.Flags).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Oracle Audit]\n")
	builder.WriteString(fmt.Sprintf("Window: %s .. %s UTC\n", note.From.UTC().Format(time.RFC3339), note.To.UTC().Format(time.RFC3339)))
	if note.RunID != "" {
		builder.WriteString(fmt.Sprintf("Run: %s\n", note.RunID))
	}
	builder.WriteString(fmt.Sprintf("Validators: %d  Submissions: %d\n", note.Validators, note.Submissions))
	builder.WriteString(fmt.Sprintf("Flags: %d\n", note.Flags))
	for _, reason := range sortedKeys(note.ByReason) {
		builder.WriteString(fmt.Sprintf("  %s: %d\n", reason, note.ByReason[reason]))
	}
	if len(note.Top) > 0 {
		builder.WriteString("Top validators:\n")
		for _, v := range note.Top {
			builder.WriteString(fmt.Sprintf("  %s anomalies=%d missing=%s%%\n", v.ID, v.Anomalies, v.MissingPct.StringFixed(1)))
		}
	}
	if len(note.Skipped) > 0 {
		parts := make([]string, 0, len(note.Skipped))
		for _, name := range sortedKeys(note.Skipped) {
			parts = append(parts, fmt.Sprintf("%s=%d", name, note.Skipped[name]))
		}
		builder.WriteString(fmt.Sprintf("Skipped: %s\n", strings.Join(parts, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ShouldNotify 判断 flag 数量是否达到告警门槛。仅含 NullPrice 的 flag 不计入, 缺失数据由覆盖率统计反映。
func ShouldNotify(flags []domain.Flag, minFlags int) bool {
	if minFlags <= 0 {
		minFlags = 1
	}
	n := 0
	for _, f := range flags {
		if len(f.Reasons) == 1 && f.Reasons[0] == domain.ReasonNullPrice {
			continue
		}
		n++
	}
	return n >= minFlags
}

var _ Notifier = (*TelegramNotifier)(nil)
