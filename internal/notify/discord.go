package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arbnet/coordinator/internal/domain"
)

// DiscordSender delivers alerts via a Discord webhook, rendered as embeds
// colored by severity.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a sender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the notification as a single embed. Discord returns 204 No
// Content on success.
func (d *DiscordSender) Send(ctx context.Context, n Notification) error {
	payload := map[string]any{
		"embeds": []map[string]any{{
			"title":       n.Title,
			"description": n.Message,
			"color":       severityColor(n.Severity),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}

func severityColor(s domain.AlertSeverity) int {
	switch s {
	case domain.AlertSeverityCritical:
		return 0xE74C3C // red
	case domain.AlertSeverityHigh:
		return 0xE67E22 // orange
	case domain.AlertSeverityWarning:
		return 0xF1C40F // yellow
	default:
		return 0x3498DB // blue
	}
}
