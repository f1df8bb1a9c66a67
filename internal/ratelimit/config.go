// Package ratelimit implements per-identity fixed-window request accounting
// with a whitelist and atomically swappable configuration.
package ratelimit

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrInvalidConfig is returned by Validate and UpdateConfig for bad settings.
var ErrInvalidConfig = errors.New("invalid rate limit config")

// DefaultIdleFactor is how many windows an identity may stay idle before its
// state is evicted.
const DefaultIdleFactor = 2

// Config is the rate limiter configuration. It is applied as one immutable
// snapshot; readers never observe a partially updated config.
type Config struct {
	// Limit is the number of requests allowed per window. Must be > 0.
	Limit int `json:"limit" koanf:"limit"`
	// Window is the accounting window. Must be > 0.
	Window time.Duration `json:"window" koanf:"window"`
	// Whitelist holds identities that bypass accounting entirely.
	Whitelist []string `json:"whitelist" koanf:"whitelist"`
	// IdleFactor multiplies Window to get the idle eviction threshold.
	IdleFactor int `json:"idle_factor,omitempty" koanf:"idle_factor"`
}

// DefaultConfig returns 100 requests per minute with an empty whitelist.
func DefaultConfig() Config {
	return Config{
		Limit:      100,
		Window:     time.Minute,
		IdleFactor: DefaultIdleFactor,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("%w: limit must be > 0 (got %d)", ErrInvalidConfig, c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0 (got %s)", ErrInvalidConfig, c.Window)
	}
	if c.IdleFactor < 0 {
		return fmt.Errorf("%w: idle factor must be >= 0 (got %d)", ErrInvalidConfig, c.IdleFactor)
	}
	for _, id := range c.Whitelist {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: whitelist contains an empty identity", ErrInvalidConfig)
		}
	}
	return nil
}

// settings is the immutable runtime form of Config.
type settings struct {
	limit      int
	window     time.Duration
	idleFactor int
	whitelist  map[string]struct{}
}

func newSettings(c Config) *settings {
	s := &settings{
		limit:      c.Limit,
		window:     c.Window,
		idleFactor: c.IdleFactor,
		whitelist:  make(map[string]struct{}, len(c.Whitelist)),
	}
	if s.idleFactor == 0 {
		s.idleFactor = DefaultIdleFactor
	}
	for _, id := range c.Whitelist {
		s.whitelist[id] = struct{}{}
	}
	return s
}

func (s *settings) config() Config {
	wl := make([]string, 0, len(s.whitelist))
	for id := range s.whitelist {
		wl = append(wl, id)
	}
	slices.Sort(wl)
	return Config{
		Limit:      s.limit,
		Window:     s.window,
		Whitelist:  wl,
		IdleFactor: s.idleFactor,
	}
}

func (s *settings) whitelisted(id string) bool {
	_, ok := s.whitelist[id]
	return ok
}

func (s *settings) idleTimeout() time.Duration {
	return time.Duration(s.idleFactor) * s.window
}

// WindowStart returns the start of the fixed window containing now. Windows
// are aligned to the Unix epoch so every instance agrees on boundaries.
func WindowStart(now time.Time, window time.Duration) time.Time {
	ns := now.UnixNano()
	return time.Unix(0, ns-ns%int64(window)).UTC()
}
