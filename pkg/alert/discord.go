package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	color := 0x2ECC71
	if n.Level == LevelError {
		color = 0xE74C3C
	}

	embed := map[string]any{
		"title":       fmt.Sprintf("%s %s", n.Level.emoji(), n.Title),
		"description": n.Body,
		"color":       color,
		"timestamp":   n.Time.UTC().Format(time.RFC3339),
	}
	if n.Source != "" {
		embed["fields"] = []map[string]any{
			{"name": "Source", "value": string(n.Source), "inline": true},
			{"name": "Session", "value": fmt.Sprint(n.SessionID), "inline": true},
			{"name": "Items", "value": fmt.Sprint(n.Items), "inline": true},
		}
	}

	body, err := json.Marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook status %d", resp.StatusCode)
	}

	return nil
}
