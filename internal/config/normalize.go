package config

import (
	"strings"

	"golang.org/x/text/cases"
)

// fold is a locale-aware case folder applied to enum-like config strings
// before they are validated, so "Round-Robin" or "INFO" from a hand-edited
// config.json are accepted the same as their canonical lowercase form.
var fold = cases.Fold()

// normalize lowercases (locale-aware) the enum-shaped fields of a loaded
// config in place, before Validate runs.
func normalize(cfg *Config) {
	cfg.Daemon.SchedulingStrategy = SchedulingStrategy(foldString(string(cfg.Daemon.SchedulingStrategy)))
	cfg.Logging.Level = foldString(cfg.Logging.Level)
}

func foldString(s string) string {
	if s == "" {
		return s
	}
	return fold.String(strings.TrimSpace(s))
}
