// Package prompt loads the extraction prompt policy: the system prompt sent
// with every inference call and the sentinel the model uses to report that
// an input contains no path.
package prompt

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

//go:embed default_policy.toml
var defaultPolicy []byte

// Policy is the operator-tunable prompt configuration.
type Policy struct {
	// Version labels the policy for logs and artifacts.
	Version string `toml:"version"`

	// Sentinel is the exact token the system prompt instructs the model
	// to return when no path is present.
	Sentinel string `toml:"sentinel"`

	// System is the system prompt prepended to every input.
	System string `toml:"system"`
}

// Default returns the embedded policy.
func Default() (*Policy, error) {
	return parse(defaultPolicy)
}

// Load reads a policy file. An empty path yields the embedded default.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Default()
	}
	var p Policy
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks that the policy is usable.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.System) == "" {
		return fmt.Errorf("system prompt is empty")
	}
	if strings.TrimSpace(p.Sentinel) == "" {
		return fmt.Errorf("sentinel is empty")
	}
	return nil
}

func parse(data []byte) (*Policy, error) {
	var p Policy
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode embedded policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("embedded policy: %w", err)
	}
	return &p, nil
}
