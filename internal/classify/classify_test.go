package classify

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClassifyDefaults(t *testing.T) {
	t.Parallel()
	c := Default()

	tests := []struct {
		name string
		msg  string
		want Class
	}{
		{name: "connection refused", msg: "dial tcp 10.0.0.1:2375: connection refused", want: Transient},
		{name: "daemon down", msg: "Cannot connect: is the Docker daemon running?", want: Transient},
		{name: "timeout", msg: "context deadline exceeded", want: Transient},
		{name: "dns", msg: "Temporary failure in name resolution", want: Transient},
		{name: "oom", msg: "container killed: out of memory", want: Transient},
		{name: "disk full", msg: "write /tmp/layer: no space left on device", want: Transient},
		{name: "image missing", msg: "Error: image not found: acme/worker:v9", want: Permanent},
		{name: "repo missing", msg: "repository not found", want: Permanent},
		{name: "denied", msg: "permission denied while trying to connect", want: Permanent},
		{name: "bad command", msg: "exec: \"frobnicate\": executable file not found in $PATH", want: Permanent},
		{name: "bad config", msg: "invalid configuration: memory limit malformed", want: Permanent},
		{name: "unmatched", msg: "segmentation fault (core dumped)", want: Unknown},
		{name: "empty", msg: "", want: Unknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := c.Classify(tt.msg); got != tt.want {
				t.Fatalf("Classify(%q) = %s, want %s", tt.msg, got, tt.want)
			}
		})
	}
}

func TestTransientWinsOverPermanent(t *testing.T) {
	t.Parallel()
	c := Default()
	// A message matching both a transient and a permanent pattern takes the
	// transient class: transient rules are ordered first so ambiguity errs
	// toward retrying.
	got := c.Classify("permission denied: connection refused by daemon")
	if got != Transient {
		t.Fatalf("ambiguous message classified %s, want %s", got, Transient)
	}
}

func TestReplaceDropsInvalidRules(t *testing.T) {
	t.Parallel()
	c := New([]Rule{
		{Pattern: "  ", Class: Transient},
		{Pattern: "boom", Class: Class("bogus")},
		{Pattern: "Flaky Widget", Class: Transient},
	})
	if got := len(c.Rules()); got != 1 {
		t.Fatalf("expected 1 rule after cleanup, got %d", got)
	}
	if got := c.Classify("the flaky widget struck again"); got != Transient {
		t.Fatalf("case-insensitive match failed: %s", got)
	}
}

func TestLoadRulesFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")

	data := []byte("rules:\n  - pattern: \"rate limit\"\n    class: transient\n  - pattern: \"bad image\"\n    class: permanent\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}

	c := New(rules)
	if got := c.Classify("hit registry rate limit"); got != Transient {
		t.Fatalf("loaded rule not applied: %s", got)
	}
	// Defaults are fully replaced.
	if got := c.Classify("connection refused"); got != Unknown {
		t.Fatalf("defaults should be replaced, got %s", got)
	}
}

func TestLoadRulesRejectsInvalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - pattern: \"x\"\n    class: maybe\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := LoadRules(path); err == nil {
		t.Fatal("expected error for invalid class")
	}
}
