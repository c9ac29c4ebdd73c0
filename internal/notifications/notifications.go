package notifications

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/pharmachain/pharmachain/internal/config"
)

const (
	SeverityInfo     = "info"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Notifier delivers an operator alert about a batch.
type Notifier interface {
	SendAlert(ctx context.Context, batchID, severity, message string) error
}

// New builds the notifier chain from cfg: console logging always, Slack when
// a webhook is configured.
func New(cfg config.NotificationsConfig, log *zap.Logger) Notifier {
	ns := Multi{&ConsoleNotifier{log: log}}
	if cfg.SlackWebhookURL != "" {
		s := NewSlackNotifier(cfg.SlackWebhookURL)
		if cfg.Timeout > 0 {
			s.client.Timeout = cfg.Timeout
		}
		ns = append(ns, s)
	}
	return ns
}

// ConsoleNotifier writes alerts to the structured log.
type ConsoleNotifier struct {
	log *zap.Logger
}

func NewConsoleNotifier(log *zap.Logger) *ConsoleNotifier {
	return &ConsoleNotifier{log: log}
}

func (n *ConsoleNotifier) SendAlert(_ context.Context, batchID, severity, message string) error {
	n.log.Warn("alert",
		zap.String("batch_id", batchID),
		zap.String("severity", severity),
		zap.String("message", message),
	)
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) SendAlert(ctx context.Context, batchID, severity, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.SendAlert(ctx, batchID, severity, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SlackNotifier posts alerts to a Slack incoming webhook.
type SlackNotifier struct {
	WebhookURL string
	client     *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type slackAttachment struct {
	Color string `json:"color"`
	Title string `json:"title"`
	Text  string `json:"text"`
	Ts    int64  `json:"ts"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func severityColor(severity string) string {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return "#ff0000"
	case SeverityMedium:
		return "#ffa500"
	default:
		return "#36a64f"
	}
}

func (n *SlackNotifier) SendAlert(ctx context.Context, batchID, severity, message string) error {
	body, err := json.Marshal(slackPayload{
		Text: "PharmaChain Alert: Batch " + batchID,
		Attachments: []slackAttachment{{
			Color: severityColor(severity),
			Title: fmt.Sprintf("[%s] Alert", severity),
			Text:  message,
			Ts:    time.Now().Unix(),
		}},
	})
	if err != nil {
		return fmt.Errorf("notifications: marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notifications: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notifications: post to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifications: slack api returned status: %d", resp.StatusCode)
	}
	return nil
}
