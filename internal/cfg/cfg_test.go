package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		OllamaEndpoint:        "http://localhost:11434/api/generate",
		OllamaModel:           "qwen3:8b",
		OllamaTimeoutSeconds:  120,
		OllamaMaxRetries:      2,
		OllamaNumPredict:      250,
		RetryBackoffSeconds:   5,
		Workers:               4,
		DataDir:               "./data",
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.OllamaModel != "qwen3:8b" {
		t.Errorf("OllamaModel = %q, want %q", c.OllamaModel, "qwen3:8b")
	}
	if c.Workers != 4 {
		t.Errorf("Workers = %d, want 4", c.Workers)
	}
	if !c.OllamaJSONFormat {
		t.Error("OllamaJSONFormat should default to true")
	}
	if c.MaxRows != 0 {
		t.Errorf("MaxRows = %d, want 0 (no cap)", c.MaxRows)
	}

	// Defaults must pass validation.
	if err := c.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-ollama-endpoint", "http://inference:11434/api/generate",
		"-ollama-model", "llama3:70b",
		"-workers", "8",
		"-max-rows", "500",
		"-data-dir", "/var/lib/pathsift",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.OllamaEndpoint != "http://inference:11434/api/generate" {
		t.Errorf("OllamaEndpoint = %q, want override", c.OllamaEndpoint)
	}
	if c.OllamaModel != "llama3:70b" {
		t.Errorf("OllamaModel = %q, want %q", c.OllamaModel, "llama3:70b")
	}
	if c.Workers != 8 {
		t.Errorf("Workers = %d, want 8", c.Workers)
	}
	if c.MaxRows != 500 {
		t.Errorf("MaxRows = %d, want 500", c.MaxRows)
	}
	if c.DataDir != "/var/lib/pathsift" {
		t.Errorf("DataDir = %q, want /var/lib/pathsift", c.DataDir)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "base is valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "minimum valid values",
			mutate: func(c *Config) {
				c.DrainSeconds = 1
				c.ShutdownBudgetSeconds = 2
				c.APIPort = 1
				c.OllamaTimeoutSeconds = 1
				c.OllamaMaxRetries = 0
				c.OllamaNumPredict = 1
				c.RetryBackoffSeconds = 1
				c.Workers = 1
			},
			wantErr: false,
		},
		{
			name: "maximum valid values",
			mutate: func(c *Config) {
				c.DrainSeconds = 299
				c.ShutdownBudgetSeconds = 300
				c.APIPort = 65535
				c.OllamaTimeoutSeconds = 600
				c.OllamaMaxRetries = 10
				c.RetryBackoffSeconds = 60
				c.Workers = 64
			},
			wantErr: false,
		},
		// Drain and budget boundaries
		{
			name:      "drain zero",
			mutate:    func(c *Config) { c.DrainSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			mutate:    func(c *Config) { c.DrainSeconds = 301; c.ShutdownBudgetSeconds = 302 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			mutate:    func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds },
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:      "budget less than drain",
			mutate:    func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds - 30 },
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		// APIPort boundaries
		{
			name:      "port zero",
			mutate:    func(c *Config) { c.APIPort = 0 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			mutate:    func(c *Config) { c.APIPort = 65536 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Ollama fields
		{
			name:      "empty ollama endpoint",
			mutate:    func(c *Config) { c.OllamaEndpoint = "" },
			wantErr:   true,
			errSubstr: []string{"OLLAMA_ENDPOINT"},
		},
		{
			name:      "non-http ollama endpoint",
			mutate:    func(c *Config) { c.OllamaEndpoint = "localhost:11434" },
			wantErr:   true,
			errSubstr: []string{"OLLAMA_ENDPOINT"},
		},
		{
			name:      "empty ollama model",
			mutate:    func(c *Config) { c.OllamaModel = "" },
			wantErr:   true,
			errSubstr: []string{"OLLAMA_MODEL"},
		},
		{
			name:      "timeout zero",
			mutate:    func(c *Config) { c.OllamaTimeoutSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"OLLAMA_TIMEOUT_SECONDS"},
		},
		{
			name:      "timeout above max",
			mutate:    func(c *Config) { c.OllamaTimeoutSeconds = 601 },
			wantErr:   true,
			errSubstr: []string{"OLLAMA_TIMEOUT_SECONDS"},
		},
		{
			name:      "retries negative",
			mutate:    func(c *Config) { c.OllamaMaxRetries = -1 },
			wantErr:   true,
			errSubstr: []string{"OLLAMA_MAX_RETRIES"},
		},
		{
			name:      "retries above max",
			mutate:    func(c *Config) { c.OllamaMaxRetries = 11 },
			wantErr:   true,
			errSubstr: []string{"OLLAMA_MAX_RETRIES"},
		},
		{
			name:      "num predict zero",
			mutate:    func(c *Config) { c.OllamaNumPredict = 0 },
			wantErr:   true,
			errSubstr: []string{"OLLAMA_NUM_PREDICT"},
		},
		{
			name:      "backoff zero",
			mutate:    func(c *Config) { c.RetryBackoffSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"RETRY_BACKOFF_SECONDS"},
		},
		// Worker and row limits
		{
			name:      "workers zero",
			mutate:    func(c *Config) { c.Workers = 0 },
			wantErr:   true,
			errSubstr: []string{"WORKERS"},
		},
		{
			name:      "workers above max",
			mutate:    func(c *Config) { c.Workers = 65 },
			wantErr:   true,
			errSubstr: []string{"WORKERS"},
		},
		{
			name:      "max rows negative",
			mutate:    func(c *Config) { c.MaxRows = -1 },
			wantErr:   true,
			errSubstr: []string{"MAX_ROWS"},
		},
		{
			name:      "empty data dir",
			mutate:    func(c *Config) { c.DataDir = "" },
			wantErr:   true,
			errSubstr: []string{"DATA_DIR"},
		},
		// Error accumulation
		{
			name:      "all fields invalid",
			mutate:    func(c *Config) { *c = Config{} },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "OLLAMA_ENDPOINT", "OLLAMA_MODEL", "WORKERS", "DATA_DIR"},
		},
		{
			name: "extreme negative values",
			mutate: func(c *Config) {
				c.DrainSeconds = math.MinInt32
				c.ShutdownBudgetSeconds = math.MinInt32
				c.APIPort = math.MinInt32
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, workers int
		endpoint, model, dataDir     string
	}{
		{60, 90, 8080, 4, "http://localhost:11434/api/generate", "qwen3:8b", "./data"},
		{1, 2, 1, 1, "http://p", "m", "d"},
		{299, 300, 65535, 64, "https://p", "m", "d"},
		{0, 0, 0, 0, "", "", ""},
		{-1, -1, -1, -1, "", "", ""},
		{300, 300, 65535, 64, "http://p", "m", "d"},
		{301, 302, 65536, 65, "ftp://p", "m", "d"},
		{150, 100, 8080, 4, "http://p", "m", "d"},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, "", "", ""},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, "", "", ""},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.workers, s.endpoint, s.model, s.dataDir)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, workers int, endpoint, model, dataDir string) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.Workers = workers
		c.OllamaEndpoint = endpoint
		c.OllamaModel = model
		c.DataDir = dataDir

		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		workersOK := workers >= 1 && workers <= 64
		endpointOK := strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
		modelOK := model != ""
		dataDirOK := dataDir != ""

		allValid := drainOK && budgetOK && portOK && crossOK && workersOK && endpointOK && modelOK && dataDirOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
