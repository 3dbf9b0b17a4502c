package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Config adds application-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	OllamaEndpoint        string
	OllamaModel           string
	OllamaTimeoutSeconds  int
	OllamaMaxRetries      int
	OllamaNumPredict      int
	OllamaJSONFormat      bool
	RetryBackoffSeconds   int
	Workers               int
	MaxRows               int
	DataDir               string
	PolicyFile            string
	DatabaseURL           string
	APIToken              string
	SlackWebhookURL       string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.OllamaEndpoint, "ollama-endpoint", "http://localhost:11434/api/generate", "Ollama generate endpoint URL")
	fs.StringVar(&c.OllamaModel, "ollama-model", "qwen3:8b", "Ollama model name")
	fs.IntVar(&c.OllamaTimeoutSeconds, "ollama-timeout-seconds", 120, "per-call timeout for inference requests (1..600)")
	fs.IntVar(&c.OllamaMaxRetries, "ollama-max-retries", 2, "retries per row after a transient inference failure (0..10)")
	fs.IntVar(&c.OllamaNumPredict, "ollama-num-predict", 250, "token budget per inference response")
	fs.BoolVar(&c.OllamaJSONFormat, "ollama-json-format", true, "request JSON-constrained output from the model")
	fs.IntVar(&c.RetryBackoffSeconds, "retry-backoff-seconds", 5, "base seconds of linear backoff between retries (1..60)")
	fs.IntVar(&c.Workers, "workers", 4, "concurrent extraction workers per task (1..64)")
	fs.IntVar(&c.MaxRows, "max-rows", 0, "default cap on rows dispatched per task (0 = no cap)")
	fs.StringVar(&c.DataDir, "data-dir", "./data", "directory for uploads and task artifacts")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "prompt policy TOML file (empty = embedded default)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = no auth)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.OllamaEndpoint == "" {
		errs = append(errs, errors.New("OLLAMA_ENDPOINT is required"))
	} else if !strings.HasPrefix(c.OllamaEndpoint, "http://") && !strings.HasPrefix(c.OllamaEndpoint, "https://") {
		errs = append(errs, fmt.Errorf("invalid OLLAMA_ENDPOINT %q (must be an http(s) URL)", c.OllamaEndpoint))
	}

	if c.OllamaModel == "" {
		errs = append(errs, errors.New("OLLAMA_MODEL is required"))
	}

	if c.OllamaTimeoutSeconds <= 0 || c.OllamaTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid OLLAMA_TIMEOUT_SECONDS %d (must be 1..600)", c.OllamaTimeoutSeconds))
	}

	if c.OllamaMaxRetries < 0 || c.OllamaMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid OLLAMA_MAX_RETRIES %d (must be 0..10)", c.OllamaMaxRetries))
	}

	if c.OllamaNumPredict <= 0 {
		errs = append(errs, fmt.Errorf("invalid OLLAMA_NUM_PREDICT %d (must be positive)", c.OllamaNumPredict))
	}

	if c.RetryBackoffSeconds <= 0 || c.RetryBackoffSeconds > 60 {
		errs = append(errs, fmt.Errorf("invalid RETRY_BACKOFF_SECONDS %d (must be 1..60)", c.RetryBackoffSeconds))
	}

	if c.Workers <= 0 || c.Workers > 64 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..64)", c.Workers))
	}

	if c.MaxRows < 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_ROWS %d (must be >= 0)", c.MaxRows))
	}

	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
