package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"launchq/internal/retry"
)

// Load reads, strictly decodes, and validates a config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config bytes. The path only selects the format (YAML vs
// JSON) by extension. Unknown fields are rejected so typos surface at
// startup instead of silently using defaults.
func Parse(path string, b []byte) (*Config, error) {
	jb, err := jsonBody(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (concatenated documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// jsonBody returns the config as JSON bytes. YAML files are decoded
// generically and re-encoded, so the strict JSON decoder above handles both
// formats and unknown-field detection behaves the same for each.
func jsonBody(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	jb, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("encode yaml as json: %w", err)
	}
	return jb, nil
}

// stringKeys rewrites map keys to strings. YAML permits non-string keys,
// JSON does not.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range x {
			x[k] = stringKeys(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = stringKeys(val)
		}
		return x
	}
	return v
}

// durationField parses a duration-string field like "30s" or "2h30m". Empty
// means unset and yields zero so the owning package's default applies.
func durationField(name, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: bad duration %q: %w", name, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", name, raw)
	}
	return d, nil
}

// RetryRegistry builds the policy registry: the built-in set plus any
// policies declared in the file.
func (c *Config) RetryRegistry() (*retry.Registry, error) {
	r := retry.NewRegistry()
	for i, p := range c.RetryPolicies {
		base, err := durationField(fmt.Sprintf("retry_policies[%d].base_delay", i), p.BaseDelay)
		if err != nil {
			return nil, err
		}
		max, err := durationField(fmt.Sprintf("retry_policies[%d].max_delay", i), p.MaxDelay)
		if err != nil {
			return nil, err
		}
		factor := p.Factor
		if factor == 0 {
			factor = 2
		}
		if err := r.Register(retry.Policy{
			Name:        p.Name,
			MaxAttempts: p.MaxAttempts,
			BaseDelay:   base,
			MaxDelay:    max,
			Factor:      factor,
			Jitter:      p.Jitter,
		}); err != nil {
			return nil, err
		}
	}
	return r, nil
}
