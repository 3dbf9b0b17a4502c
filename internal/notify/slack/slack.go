// Package slack sends task completion notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/pathsift/internal/extract"
)

const httpTimeout = 10 * time.Second

// Notifier posts task summaries to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, notifications
// are a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// TaskDone posts a summary of a finished task. Delivery failures are logged,
// never propagated; notifications are best effort.
func (n *Notifier) TaskDone(ctx context.Context, t *extract.Task) {
	if err := n.send(ctx, t); err != nil {
		n.logger.Warn(ctx, "slack notification failed", "task_id", t.ID, "error", err.Error())
	}
}

func (n *Notifier) send(ctx context.Context, t *extract.Task) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(t))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(t *extract.Task) map[string]any {
	blocks := []map[string]any{
		headerBlock(t),
		{"type": "divider"},
		fieldsBlock(t),
	}
	if t.Error != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Error*\n\n%s", t.Error),
			},
		})
	}
	blocks = append(blocks, map[string]any{"type": "divider"}, contextBlock(t))
	return map[string]any{"blocks": blocks}
}

func headerBlock(t *extract.Task) map[string]any {
	emoji := "\U0001f7e2" // green circle
	title := "Extraction Complete"
	if t.Status == extract.StatusFailed {
		emoji = "\U0001f534" // red circle
		title = "Extraction Failed"
	}

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", emoji, title, t.Filename),
		},
	}
}

func fieldsBlock(t *extract.Task) map[string]any {
	var duration float64
	if !t.StartedAt.IsZero() && !t.CompletedAt.IsZero() {
		duration = t.CompletedAt.Sub(t.StartedAt).Seconds()
	}

	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Status:* %s", t.Status),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Rows:* %d/%d", t.ProcessedRows, t.TotalRows),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Valid:* %d", t.ValidCount),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Invalid:* %d", t.InvalidCount),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Skipped:* %d", t.SkippedCount),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Duration:* %.1fs", duration),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(t *extract.Task) map[string]any {
	ts := t.CompletedAt
	if ts.IsZero() {
		ts = t.CreatedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("pathsift • task %s • %s", t.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}
