// Package alert delivers operator alarms. Settlement raises them for custody
// problems a human has to resolve: inconsistent records, stranded escrow
// funds, and transfers broadcast without confirmation.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/chatpay-settlement/internal/metrics"
)

type AlertType string

const (
	AlertTypeInconsistency AlertType = "INTERNAL_INCONSISTENCY"
	AlertTypeStranded      AlertType = "ESCROW_STRANDED"
	AlertTypeAudit         AlertType = "ESCROW_AUDIT"
	AlertTypeUnconfirmed   AlertType = "SETTLEMENT_UNCONFIRMED"
	AlertTypeUnhealthy     AlertType = "LEDGER_UNHEALTHY"
	AlertTypeRecovery      AlertType = "RECOVERY"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Severity ranks an alert type. Critical alerts may mean funds are at risk and
// are never suppressed by cooldown.
func (t AlertType) Severity() Severity {
	switch t {
	case AlertTypeInconsistency, AlertTypeStranded:
		return SeverityCritical
	case AlertTypeRecovery:
		return SeverityInfo
	}
	return SeverityWarning
}

// Alert is one operator notification. Subject names the affected record,
// e.g. "escrow <id>".
type Alert struct {
	Type    AlertType
	Network string
	Subject string
	Title   string
	Message string
	Fields  map[string]string
}

// sensitiveFieldMarkers flag field names that must never leave the process.
var sensitiveFieldMarkers = []string{"secret", "private", "sealed", "seed", "key"}

// redactedFields returns the fields sorted by name with sensitive values masked.
func (a Alert) redactedFields() [][2]string {
	out := make([][2]string, 0, len(a.Fields))
	for k, v := range a.Fields {
		lower := strings.ToLower(k)
		for _, marker := range sensitiveFieldMarkers {
			if strings.Contains(lower, marker) {
				v = "[redacted]"
				break
			}
		}
		out = append(out, [2]string{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// New builds the configured channels, or a NoopAlerter when none are set.
func New(slackWebhookURL, webhookURL string, cooldown time.Duration, logger *slog.Logger) Alerter {
	var channels []Alerter
	if slackWebhookURL != "" {
		channels = append(channels, NewSlackAlerter(slackWebhookURL))
	}
	if webhookURL != "" {
		channels = append(channels, NewWebhookAlerter(webhookURL))
	}
	if len(channels) == 0 {
		logger.Warn("no alert channels configured, operator alerts are dropped")
		return &NoopAlerter{}
	}
	return NewMultiAlerter(cooldown, logger, channels...)
}

// MultiAlerter fans alerts out to every channel and suppresses repeats of the
// same type and subject within the cooldown.
type MultiAlerter struct {
	alerters []Alerter
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewMultiAlerter(cooldown time.Duration, logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{
		alerters: alerters,
		cooldown: cooldown,
		logger:   logger.With("component", "alerter"),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func cooldownKey(a Alert) string {
	return fmt.Sprintf("%s:%s:%s", a.Type, a.Network, a.Subject)
}

// suppressed records the send and reports whether the alert falls inside the
// cooldown of an earlier one.
func (m *MultiAlerter) suppressed(a Alert) bool {
	if a.Type.Severity() == SeverityCritical {
		return false
	}
	key := cooldownKey(a)
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < m.cooldown {
		return true
	}
	m.lastSent[key] = now
	return false
}

// Send delivers to every channel and joins the channel errors.
func (m *MultiAlerter) Send(ctx context.Context, alert Alert) error {
	if m.suppressed(alert) {
		m.logger.Debug("alert suppressed by cooldown", "key", cooldownKey(alert))
		for _, a := range m.alerters {
			metrics.AlertsCooldownSkipped.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
		}
		return nil
	}

	var errs []error
	for _, a := range m.alerters {
		if err := a.Send(ctx, alert); err != nil {
			m.logger.Warn("alert send failed",
				"channel", alerterName(a),
				"type", alert.Type,
				"subject", alert.Subject,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("%s: %w", alerterName(a), err))
			continue
		}
		metrics.AlertsSent.WithLabelValues(alerterName(a), string(alert.Type)).Inc()
	}
	return errors.Join(errs...)
}

func alerterName(a Alerter) string {
	switch a.(type) {
	case *SlackAlerter:
		return "slack"
	case *WebhookAlerter:
		return "webhook"
	default:
		return "unknown"
	}
}

// SlackAlerter posts to a Slack incoming webhook.
type SlackAlerter struct {
	webhookURL string
	client     *http.Client
}

func NewSlackAlerter(webhookURL string) *SlackAlerter {
	return &SlackAlerter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func slackEmoji(a Alert) string {
	switch a.Type {
	case AlertTypeStranded:
		return ":lock:"
	case AlertTypeAudit:
		return ":scales:"
	}
	switch a.Type.Severity() {
	case SeverityCritical:
		return ":rotating_light:"
	case SeverityInfo:
		return ":white_check_mark:"
	}
	return ":warning:"
}

func (s *SlackAlerter) Send(ctx context.Context, alert Alert) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s]* %s %s: %s\n%s",
		slackEmoji(alert), alert.Type, alert.Network, alert.Subject, alert.Title, alert.Message)
	for _, f := range alert.redactedFields() {
		fmt.Fprintf(&b, "\n- *%s*: %s", f[0], f[1])
	}
	return postJSON(ctx, s.client, s.webhookURL, "slack", map[string]string{"text": b.String()})
}

// WebhookAlerter posts a JSON document to a generic endpoint.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Type     AlertType         `json:"type"`
	Severity Severity          `json:"severity"`
	Network  string            `json:"network"`
	Subject  string            `json:"subject"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Fields   map[string]string `json:"fields,omitempty"`
	Time     string            `json:"time"`
}

func (w *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	payload := webhookPayload{
		Type:     alert.Type,
		Severity: alert.Type.Severity(),
		Network:  alert.Network,
		Subject:  alert.Subject,
		Title:    alert.Title,
		Message:  alert.Message,
		Time:     time.Now().UTC().Format(time.RFC3339),
	}
	if fields := alert.redactedFields(); len(fields) > 0 {
		payload.Fields = make(map[string]string, len(fields))
		for _, f := range fields {
			payload.Fields[f[0]] = f[1]
		}
	}
	return postJSON(ctx, w.client, w.url, "webhook", payload)
}

func postJSON(ctx context.Context, client *http.Client, url, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s alert: %w", channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", channel, resp.StatusCode)
	}
	return nil
}

// NoopAlerter drops every alert.
type NoopAlerter struct{}

func (n *NoopAlerter) Send(context.Context, Alert) error { return nil }
