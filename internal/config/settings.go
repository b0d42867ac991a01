package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"project-governor/internal/scheduler"
)

// ThrottleMode selects how background clients are held back. The values
// match the experiment group names the deployment tooling already emits.
type ThrottleMode string

const (
	ThrottleOff         ThrottleMode = ""
	ThrottleOnly        ThrottleMode = "Throttle"
	ThrottleAndCoalesce ThrottleMode = "Coalesce"
)

// ParseThrottleMode accepts "", "Throttle" or "Coalesce" (case-insensitive).
func ParseThrottleMode(s string) (ThrottleMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return ThrottleOff, nil
	case "throttle":
		return ThrottleOnly, nil
	case "coalesce":
		return ThrottleAndCoalesce, nil
	}
	return ThrottleOff, fmt.Errorf("unknown throttle mode %q", s)
}

// Flags converts the mode into the scheduler's two switches. Coalescing
// implies throttling.
func (m ThrottleMode) Flags() (throttle, coalesce bool) {
	switch m {
	case ThrottleOnly:
		return true, false
	case ThrottleAndCoalesce:
		return true, true
	}
	return false, false
}

// ParseOutstandingLimit reads a "Limit=N" group. An empty group disables the
// per-client outstanding limit and returns 0.
func ParseOutstandingLimit(group string) (int, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return 0, nil
	}
	name, value, ok := strings.Cut(group, "=")
	if !ok || name != "Limit" {
		return 0, fmt.Errorf("outstanding limit group %q: want Limit=N", group)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("outstanding limit group %q: %w", group, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("outstanding limit group %q: limit must be positive", group)
	}
	return n, nil
}

// Settings is the daemon configuration. Zero values are replaced by
// Defaults when loaded from a file.
type Settings struct {
	ThrottleMode          ThrottleMode  `yaml:"throttle_mode"`
	OutstandingLimitGroup string        `yaml:"outstanding_limit_group"`
	CoalescePeriod        time.Duration `yaml:"coalesce_period"`

	ListenAddr   string  `yaml:"listen_addr"`
	APIToken     string  `yaml:"api_token"`
	APIRateLimit float64 `yaml:"api_rate_limit"` // requests per second
	APIBurst     int     `yaml:"api_burst"`

	DBPath      string `yaml:"db_path"`
	LogDir      string `yaml:"log_dir"`
	LogLevel    string `yaml:"log_level"`
	DebugChecks bool   `yaml:"debug_checks"`
}

func Defaults() Settings {
	return Settings{
		ThrottleMode:   ThrottleOff,
		CoalescePeriod: scheduler.DefaultCoalescePeriod,
		ListenAddr:     "127.0.0.1:4455",
		APIRateLimit:   50,
		APIBurst:       100,
		DBPath:         "governor.db",
		LogDir:         "logs",
		LogLevel:       "info",
	}
}

// LoadFile reads path over Defaults. A missing file yields the defaults.
func LoadFile(path string) (Settings, error) {
	s := Defaults()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse config %s: %w", path, err)
	}
	if s.CoalescePeriod <= 0 {
		s.CoalescePeriod = scheduler.DefaultCoalescePeriod
	}
	if mode, err := ParseThrottleMode(string(s.ThrottleMode)); err == nil {
		s.ThrottleMode = mode
	}
	return s, s.Validate()
}

// Validate checks the fields that have a restricted syntax.
func (s Settings) Validate() error {
	var errs []error
	if _, err := ParseThrottleMode(string(s.ThrottleMode)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseOutstandingLimit(s.OutstandingLimitGroup); err != nil {
		errs = append(errs, err)
	}
	if _, err := s.Level(); err != nil {
		errs = append(errs, err)
	}
	if s.APIRateLimit < 0 {
		errs = append(errs, fmt.Errorf("api_rate_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel ("debug", "info", "warn", "error").
func (s Settings) Level() (slog.Level, error) {
	var l slog.Level
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// SchedulerOptions translates the scheduling fields into scheduler options.
// Settings must have passed Validate.
func (s Settings) SchedulerOptions() []scheduler.Option {
	mode, _ := ParseThrottleMode(string(s.ThrottleMode))
	throttle, coalesce := mode.Flags()
	limit, _ := ParseOutstandingLimit(s.OutstandingLimitGroup)
	return []scheduler.Option{
		scheduler.WithThrottling(throttle, coalesce),
		scheduler.WithOutstandingLimit(limit),
		scheduler.WithCoalescePeriod(s.CoalescePeriod),
		scheduler.WithDebugChecks(s.DebugChecks),
	}
}
