package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	MinPollInterval     = 5 * time.Second
	MaxPollInterval     = 300 * time.Second
	DefaultPollInterval = 30 * time.Second
)

// CheckPollInterval rejects intervals outside [MinPollInterval, MaxPollInterval].
func CheckPollInterval(d time.Duration) error {
	if d < MinPollInterval || d > MaxPollInterval {
		return &ConfigurationError{
			Field:  "poll_interval_seconds",
			Reason: fmt.Sprintf("%s is outside %s..%s", d, MinPollInterval, MaxPollInterval),
		}
	}
	return nil
}

// Button is a stateless action exposed next to the settings.
type Button string

const (
	ButtonRefresh   Button = "refresh"
	ButtonClearLogs Button = "clear_logs"
)

func ParseButton(name string) (Button, error) {
	switch b := Button(strings.ReplaceAll(strings.TrimSpace(name), "-", "_")); b {
	case ButtonRefresh, ButtonClearLogs:
		return b, nil
	}
	return "", &ScopeViolationError{Name: name}
}
