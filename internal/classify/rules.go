package classify

import (
	"fmt"
	"os"

	yaml "go.yaml.in/yaml/v3"
)

// rulesFile is the on-disk shape of a classification rules file.
//
// Example:
//
//	rules:
//	  - pattern: "registry rate limit"
//	    class: transient
//	  - pattern: "unknown flag"
//	    class: permanent
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rules file. The returned table replaces the built-in
// defaults entirely, so files should list the full set they want active.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse rules file %q: %w", path, err)
	}
	if len(rf.Rules) == 0 {
		return nil, fmt.Errorf("rules file %q contains no rules", path)
	}
	for i, r := range rf.Rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("rules file %q: rule %d has empty pattern", path, i)
		}
		switch r.Class {
		case Transient, Permanent:
		default:
			return nil, fmt.Errorf("rules file %q: rule %d has invalid class %q", path, i, r.Class)
		}
	}
	return rf.Rules, nil
}
