package maintenance

import (
	"fmt"
	"strings"
	"time"
)

// normalizeSpec accepts either a cron expression ("*/5 * * * *", "@hourly",
// "@every 90s") or a plain Go duration ("90s", "2h30m") and returns a spec
// robfig/cron can register. Durations become "@every" entries.
func normalizeSpec(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("schedule required")
	}

	// Whitespace or a leading '@' means it is already a cron expression.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return s, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return "", fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *' or a duration like '90s')", raw)
	}
	if d <= 0 {
		return "", fmt.Errorf("schedule interval must be > 0")
	}
	return "@every " + d.String(), nil
}
