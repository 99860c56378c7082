package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DiscordPublisher posts events to a Discord webhook
type DiscordPublisher struct {
	webhookURL string
	httpClient *http.Client
}

// NewDiscordPublisher creates a new Discord publisher
func NewDiscordPublisher(webhookURL string) *DiscordPublisher {
	return &DiscordPublisher{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *DiscordPublisher) Name() string { return "discord" }

// Publish sends the event as an embed
func (p *DiscordPublisher) Publish(ctx context.Context, event *Event) error {
	body, err := json.Marshal(map[string]interface{}{
		"embeds": []interface{}{buildEmbed(event)},
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func buildEmbed(event *Event) map[string]interface{} {
	var title string
	var color int
	switch event.Type {
	case TypeClaimExpiring:
		title = "⏳ Claim deadline approaching"
		color = 0xFFA500 // Orange
	case TypeClaimExpired:
		title = "⛔ Claim expired"
		color = 0xFF0000 // Red
	case TypeBatchCompleted:
		title = "✅ Detection batch completed"
		color = 0x2ECC71 // Green
	default:
		title = "📋 Disposition assigned"
		color = 0x0099FF // Blue
	}

	var fields []map[string]interface{}
	field := func(name, value string) {
		fields = append(fields, map[string]interface{}{"name": name, "value": value, "inline": true})
	}

	switch p := event.Payload.(type) {
	case DispositionAssigned:
		field("Result", fmt.Sprintf("`%s`", p.ResultID))
		field("Disposition", p.Disposition)
		field("Severity", p.Severity)
		field("Confidence", fmt.Sprintf("%.2f", p.ConfidenceScore))
		field("Value", p.EstimatedValue.StringFixed(2)+" "+p.Currency)
	case ClaimExpiring:
		field("Result", fmt.Sprintf("`%s`", p.ResultID))
		field("Days Remaining", fmt.Sprintf("**%d**", p.DaysRemaining))
		field("Value", p.EstimatedValue.StringFixed(2)+" "+p.Currency)
	case ClaimExpired:
		field("Result", fmt.Sprintf("`%s`", p.ResultID))
		field("Value", p.EstimatedValue.StringFixed(2)+" "+p.Currency)
	case BatchCompleted:
		field("Seller", p.SellerID)
		field("Batch", p.SyncBatchID)
		for disposition, n := range p.CountsByDisposition {
			field(disposition, fmt.Sprintf("%d", n))
		}
	}

	return map[string]interface{}{
		"title":       title,
		"description": truncate(event.Summary(), 2000),
		"color":       color,
		"fields":      fields,
		"footer": map[string]interface{}{
			"text": fmt.Sprintf("claimwatch • %s • %s", event.Environment, event.IdempotencyKey),
		},
		"timestamp": event.OccurredAt.Format(time.RFC3339),
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
