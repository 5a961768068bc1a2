// Package classify maps executor failure messages to retryability classes.
//
// Classification is a pure, data-driven lookup over an ordered rule table.
// The table ships with built-in defaults and can be replaced at runtime from
// a YAML rules file (see Watcher), so new failure signatures can be handled
// without a rebuild.
package classify

import (
	"strings"
	"sync/atomic"
)

// Class is the retryability classification of a failure.
type Class string

const (
	// Transient failures are expected to clear on their own; retry.
	Transient Class = "transient"
	// Permanent failures will not succeed no matter how often we retry.
	Permanent Class = "permanent"
	// Unknown failures are retried, but policies should bias toward
	// conservative backoff since the misclassification risk is unbounded.
	Unknown Class = "unknown"
)

// Rule matches a failure message by case-insensitive substring.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Class   Class  `yaml:"class"`
}

// DefaultRules is the built-in classification table. Order matters: the first
// matching rule wins, and transient indicators are listed before permanent
// ones so an ambiguous message errs toward retry.
func DefaultRules() []Rule {
	return []Rule{
		// Transient: infrastructure hiccups.
		{Pattern: "connection refused", Class: Transient},
		{Pattern: "connection reset", Class: Transient},
		{Pattern: "daemon unavailable", Class: Transient},
		{Pattern: "is the docker daemon running", Class: Transient},
		{Pattern: "timeout", Class: Transient},
		{Pattern: "timed out", Class: Transient},
		{Pattern: "deadline exceeded", Class: Transient},
		{Pattern: "temporary failure in name resolution", Class: Transient},
		{Pattern: "no such host", Class: Transient},
		{Pattern: "too many requests", Class: Transient},
		{Pattern: "resource temporarily unavailable", Class: Transient},
		{Pattern: "out of memory", Class: Transient},
		{Pattern: "no space left on device", Class: Transient},
		{Pattern: "service unavailable", Class: Transient},

		// Permanent: configuration or payload problems.
		{Pattern: "image not found", Class: Permanent},
		{Pattern: "repository not found", Class: Permanent},
		{Pattern: "manifest unknown", Class: Permanent},
		{Pattern: "pull access denied", Class: Permanent},
		{Pattern: "permission denied", Class: Permanent},
		{Pattern: "unauthorized", Class: Permanent},
		{Pattern: "invalid configuration", Class: Permanent},
		{Pattern: "invalid argument", Class: Permanent},
		{Pattern: "command not found", Class: Permanent},
		{Pattern: "executable file not found", Class: Permanent},
		{Pattern: "no such file or directory", Class: Permanent},
	}
}

// Classifier classifies failure messages against a swappable rule table.
// The zero value is unusable; use New.
type Classifier struct {
	rules atomic.Pointer[[]Rule]
}

func New(rules []Rule) *Classifier {
	c := &Classifier{}
	c.Replace(rules)
	return c
}

// Default returns a classifier over the built-in table.
func Default() *Classifier { return New(DefaultRules()) }

// Replace atomically swaps the rule table. Invalid entries are dropped.
func (c *Classifier) Replace(rules []Rule) {
	clean := make([]Rule, 0, len(rules))
	for _, r := range rules {
		p := strings.ToLower(strings.TrimSpace(r.Pattern))
		if p == "" {
			continue
		}
		switch r.Class {
		case Transient, Permanent:
		default:
			continue
		}
		clean = append(clean, Rule{Pattern: p, Class: r.Class})
	}
	c.rules.Store(&clean)
}

// Rules returns a copy of the active table.
func (c *Classifier) Rules() []Rule {
	p := c.rules.Load()
	if p == nil {
		return nil
	}
	return append([]Rule(nil), (*p)...)
}

// Classify maps a failure message to a class. Empty input is Unknown.
func (c *Classifier) Classify(msg string) Class {
	m := strings.ToLower(strings.TrimSpace(msg))
	if m == "" {
		return Unknown
	}
	p := c.rules.Load()
	if p == nil {
		return Unknown
	}
	for _, r := range *p {
		if strings.Contains(m, r.Pattern) {
			return r.Class
		}
	}
	return Unknown
}
