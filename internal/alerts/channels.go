package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"fleet-coordinator/internal/models"
)

// Channel delivers one alert to one notification target. Send must respect
// ctx; the manager applies the per-channel timeout. Implementations never
// retry -- redelivery belongs to the manager's suppression cycle.
type Channel interface {
	Name() string
	Accepts(severity string) bool
	Send(ctx context.Context, alert models.Alert) error
}

func severityAccepted(list []string, severity string) bool {
	for _, s := range list {
		if s == severity {
			return true
		}
	}
	return false
}

var severityColors = map[string]int{
	models.SeverityCritical: 0xe74c3c,
	models.SeverityWarning:  0xf39c12,
	models.SeverityInfo:     0x3498db,
}

// ChatWebhook posts a chat-style JSON embed (title/description/color).
type ChatWebhook struct {
	URL        string
	Severities []string
	Client     *http.Client
}

func (c *ChatWebhook) Name() string { return "chat" }

func (c *ChatWebhook) Accepts(severity string) bool {
	return severityAccepted(c.Severities, severity)
}

func (c *ChatWebhook) Send(ctx context.Context, alert models.Alert) error {
	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       fmt.Sprintf("[%s] fleet alert", strings.ToUpper(alert.Severity)),
			"description": alert.Message,
			"color":       severityColors[alert.Severity],
			"timestamp":   alert.FiredAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal chat payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("post chat webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("chat webhook: status %d", resp.StatusCode)
	}
	return nil
}

func (c *ChatWebhook) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

var pushPriorities = map[string]string{
	models.SeverityCritical: "urgent",
	models.SeverityWarning:  "high",
	models.SeverityInfo:     "default",
}

// PushWebhook posts a plaintext body with Title/Priority/Tags headers,
// ntfy-style.
type PushWebhook struct {
	URL        string
	Severities []string
	Client     *http.Client
}

func (p *PushWebhook) Name() string { return "push" }

func (p *PushWebhook) Accepts(severity string) bool {
	return severityAccepted(p.Severities, severity)
}

func (p *PushWebhook) Send(ctx context.Context, alert models.Alert) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, strings.NewReader(alert.Message))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Title", "fleet alert")
	req.Header.Set("Priority", pushPriorities[alert.Severity])
	req.Header.Set("Tags", alert.Severity)

	resp, err := p.client().Do(req)
	if err != nil {
		return fmt.Errorf("post push webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("push webhook: status %d", resp.StatusCode)
	}
	return nil
}

func (p *PushWebhook) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}
