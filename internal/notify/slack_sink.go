package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"proxyfleet/internal/support"
)

const slackWebhookEnv = "SLACK_WEBHOOK_URL"

type SlackSink struct {
	WebhookURL string
	Client     *http.Client
}

// NewSlackSinkFromEnv returns nil when SLACK_WEBHOOK_URL is unset.
func NewSlackSinkFromEnv() *SlackSink {
	webhook := support.GetEnv(slackWebhookEnv, "")
	if webhook == "" {
		return nil
	}
	return &SlackSink{WebhookURL: webhook}
}

type slackPayload struct {
	Text string `json:"text"`
}

func (s *SlackSink) Notify(ctx context.Context, msg Message) error {
	if s == nil || s.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(slackPayload{Text: formatSlackText(msg)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("slack webhook: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

func formatSlackText(msg Message) string {
	var b strings.Builder
	if msg.Subject != "" {
		b.WriteString("*")
		b.WriteString(msg.Subject)
		b.WriteString("*")
	}
	if msg.Body != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(msg.Body)
	}
	return b.String()
}
