// Package ratelimit records the CRM's rate-limit headers per API key so
// operators can see how close a key is to its burst and daily limits.
// It observes only. Nothing in this package delays or rejects requests.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Headers sent by the upstream CRM on every response.
const (
	HeaderMax            = "X-RateLimit-Max"
	HeaderRemaining      = "X-RateLimit-Remaining"
	HeaderInterval       = "X-RateLimit-Interval-Milliseconds"
	HeaderDailyLimit     = "X-RateLimit-Limit-Daily"
	HeaderDailyRemaining = "X-RateLimit-Daily-Remaining"
)

// Redis key layout. The key ID is a fingerprint, never the API key.
const (
	RedisKeyPrefix          = "crm:rate_limit:"
	redisSuffixState        = ":state"
	redisSuffixObservations = ":observations"
)

const (
	// RemainingThresholdLow marks a key as low once either window falls below it.
	RemainingThresholdLow = 10

	// DefaultStateTTL bounds how long a burst-only observation is kept when the
	// upstream omits the interval header.
	DefaultStateTTL = time.Minute

	// DailyStateTTL is used whenever the daily window was reported.
	DailyStateTTL = 24 * time.Hour
)

// KeyID returns a short stable fingerprint of an API key for logs, metrics and storage.
// Surrounding whitespace is ignored, matching how the key is sent upstream.
func KeyID(apiKey string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(apiKey)))
	return hex.EncodeToString(sum[:])[:12]
}

// State is the last observed rate-limit budget for one API key.
type State struct {
	KeyID string `json:"keyId"`

	// Known is false until at least one response carried rate-limit headers.
	Known bool `json:"known"`

	// Burst window, e.g. 100 requests per 10 seconds.
	Max        int   `json:"max"`
	Remaining  int   `json:"remaining"`
	IntervalMs int64 `json:"intervalMs"`

	// Daily window. Zero DailyLimit means the upstream did not report one.
	DailyLimit     int `json:"dailyLimit"`
	DailyRemaining int `json:"dailyRemaining"`

	// ResetAt is the end of the burst window that started at LastUpdate.
	ResetAt    time.Time `json:"resetAt"`
	LastUpdate time.Time `json:"lastUpdate"`

	// Observations counts responses recorded for this key within the state TTL.
	Observations int64 `json:"observations"`

	IsHealthy bool `json:"isHealthy"`
}

// IsStale returns true if the state is older than maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// IsLow reports whether either window has dropped below RemainingThresholdLow.
func (s *State) IsLow() bool {
	if !s.Known {
		return false
	}
	if s.Max > 0 && s.Remaining < RemainingThresholdLow {
		return true
	}
	return s.DailyLimit > 0 && s.DailyRemaining < RemainingThresholdLow
}

// TimeUntilReset returns the duration until the burst window resets, or 0.
func (s *State) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// TTL is how long the state stays meaningful in storage.
func (s *State) TTL() time.Duration {
	if s.DailyLimit > 0 {
		return DailyStateTTL
	}
	if s.IntervalMs > 0 {
		ttl := time.Duration(s.IntervalMs) * time.Millisecond
		if ttl < time.Second {
			ttl = time.Second
		}
		return ttl
	}
	return DefaultStateTTL
}

// UpdateHealth sets IsHealthy from the current budget.
func (s *State) UpdateHealth() {
	s.IsHealthy = !s.IsLow()
}

func unknownState(keyID string) *State {
	return &State{KeyID: keyID, IsHealthy: true}
}
