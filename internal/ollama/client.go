// Package ollama implements the inference client for path extraction. It
// wraps a single call to an Ollama-style generate endpoint: prompt assembly,
// request dispatch with timeout, response cleanup, structured-output
// validation, and retry with backoff for transient failures.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Config holds the wire-level settings for the inference service.
type Config struct {
	// Endpoint is the full generate URL, e.g. http://localhost:11434/api/generate.
	Endpoint string

	// Model is the model identifier sent with every request.
	Model string

	// Timeout bounds a single request.
	Timeout time.Duration

	// MaxRetries is the number of additional attempts after the first.
	MaxRetries int

	// NumPredict is the output token budget per request.
	NumPredict int

	// JSONFormat requests structured JSON output from the service.
	JSONFormat bool

	// BackoffBase is multiplied by the attempt number between retries.
	BackoffBase time.Duration
}

// extractionSchema constrains the structured model output to a single
// path field. Anything that fails this schema is a transient failure.
const extractionSchema = `{
	"type": "object",
	"required": ["path"],
	"properties": {
		"path": {"type": "string"}
	}
}`

// Client calls the inference service. It holds no mutable state beyond the
// shared http.Client, so it is safe for concurrent use by many workers.
type Client struct {
	cfg        Config
	system     string
	httpClient *http.Client
	schema     *jsonschema.Schema
	logger     log.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client with the given config and system instruction text.
func New(cfg Config, system string, logger log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	return &Client{
		cfg:        cfg,
		system:     strings.TrimRight(system, "\n"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		schema:     jsonschema.MustCompileString("extraction.json", extractionSchema),
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// CallError is the permanent failure returned once every attempt against
// the inference service has failed transiently.
type CallError struct {
	Attempts int
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("extraction failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Format  string          `json:"format,omitempty"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Extract sends one row's assembled text to the inference service and
// returns the raw extracted path field, unvalidated, plus the attempt count.
// Transient failures (connection errors, timeouts, non-2xx statuses,
// unparseable or non-conforming responses) are retried with linear backoff;
// once retries exhaust, Extract returns a *CallError and the caller records
// the row as permanently failed. Extract never fails the overall task.
//
// Each HTTP attempt runs detached from ctx and is bounded only by the
// request timeout; cancelling ctx stops further retries, so a cancelled
// in-flight row drains within one attempt plus its pending backoff.
func (c *Client) Extract(ctx context.Context, input string) (string, int, error) {
	reqID := uuid.New().String()
	L := c.logger.With("req_id", reqID)

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		attempts = attempt + 1

		if attempt > 0 {
			backoff := c.cfg.BackoffBase * time.Duration(attempt)
			L.Info(ctx, "retrying inference call", "attempt", attempts, "backoff", backoff.Seconds())
			if err := c.sleep(ctx, backoff); err != nil {
				return "", attempts, &CallError{Attempts: attempts, Err: err}
			}
		}

		out, err := c.call(context.WithoutCancel(ctx), input)
		if err != nil {
			lastErr = err
			L.Warn(ctx, "inference call failed", "attempt", attempts, "error", err.Error())
			continue
		}

		return out, attempts, nil
	}

	return "", attempts, &CallError{Attempts: attempts, Err: lastErr}
}

func (c *Client) call(ctx context.Context, input string) (string, error) {
	prompt := input
	if c.system != "" {
		prompt = c.system + "\n" + input
	}

	req := generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: 0,
			NumPredict:  c.cfg.NumPredict,
		},
	}
	if c.cfg.JSONFormat {
		req.Format = "json"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("inference service error %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	path, err := c.parseExtraction(out.Response)
	if err != nil {
		return "", err
	}

	c.logger.Info(ctx, "inference call ok",
		"elapsed", time.Since(start).Seconds(),
		"bytes", len(respBody),
	)
	return path, nil
}

// parseExtraction cleans the model's free text down to the embedded JSON
// object, validates it against the extraction schema, and returns the path
// field verbatim.
func (c *Client) parseExtraction(text string) (string, error) {
	cleaned := CleanOutput(text)
	doc := extractJSON(cleaned)
	if doc == "" {
		return "", fmt.Errorf("no JSON object in response: %q", truncate([]byte(cleaned), 128))
	}

	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return "", fmt.Errorf("parse extraction JSON: %w", err)
	}
	if err := c.schema.Validate(v); err != nil {
		return "", fmt.Errorf("extraction does not match schema: %w", err)
	}

	obj := v.(map[string]any)
	path, _ := obj["path"].(string)
	return path, nil
}

var (
	reThinkTags  = regexp.MustCompile(`(?i)</?think>`)
	reReasonTail = regexp.MustCompile(`(?i)/reason\b.*`)
	reChatMarker = regexp.MustCompile(`<\|im_[a-z]+\|>`)
	reFenceOpen  = regexp.MustCompile("(?i)^```\\s*json\\s*|^json\\s*")
	reFenceClose = regexp.MustCompile("\\s*```$")
)

// CleanOutput strips reasoning tags, chat-template markers, and code fences
// that small local models tend to wrap around their answers.
func CleanOutput(text string) string {
	s := reThinkTags.ReplaceAllString(text, "")
	s = reReasonTail.ReplaceAllString(s, "")
	s = reChatMarker.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = reFenceOpen.ReplaceAllString(s, "")
	s = reFenceClose.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "`", "")
	return strings.TrimSpace(s)
}

// extractJSON returns the outermost JSON object or array embedded in s,
// or "" when no plausible delimiters are present. Models occasionally
// truncate output, so the closing delimiter is matched from the end.
func extractJSON(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	s = s[start:]

	closer := byte('}')
	if s[0] == '[' {
		closer = ']'
	}

	end := strings.LastIndexByte(s, closer)
	if end <= 0 {
		return ""
	}
	return strings.TrimSpace(s[:end+1])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
