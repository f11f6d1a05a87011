package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseLevel converts a level name such as "debug" or "WARN" into a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}
