package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	rateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crm_rate_limit_remaining",
		Help: "Last observed upstream rate limit budget by window",
	}, []string{"window"})

	rateLimitLowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_rate_limit_low_total",
		Help: "Responses observed while an API key was below the low-budget threshold",
	})
)

// Tracker stores observed rate-limit state. With a nil Redis client it keeps
// state in process memory, which is enough for a single relay instance.
type Tracker struct {
	redis  *redis.Client
	logger zerolog.Logger

	mu    sync.Mutex
	local map[string]*State
}

// NewTracker creates a tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		logger: logger,
		local:  make(map[string]*State),
	}
}

// Ping checks the backing store. It always succeeds without Redis.
func (t *Tracker) Ping(ctx context.Context) error {
	if t.redis == nil {
		return nil
	}
	return t.redis.Ping(ctx).Err()
}

// GetState returns the last observed state for keyID, or an unknown healthy
// state if nothing has been recorded.
func (t *Tracker) GetState(ctx context.Context, keyID string) (*State, error) {
	if t.redis == nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		s, ok := t.local[keyID]
		if !ok {
			return unknownState(keyID), nil
		}
		if s.IsStale(s.TTL()) {
			delete(t.local, keyID)
			return unknownState(keyID), nil
		}
		cp := *s
		return &cp, nil
	}

	data, err := t.redis.Get(ctx, RedisKeyPrefix+keyID+redisSuffixState).Bytes()
	if errors.Is(err, redis.Nil) {
		t.logger.Debug().Str("key_id", keyID).Msg("No rate limit state recorded")
		return unknownState(keyID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode rate limit state: %w", err)
	}

	observations, err := t.redis.Get(ctx, RedisKeyPrefix+keyID+redisSuffixObservations).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get observation count: %w", err)
	}
	state.Observations = observations

	return &state, nil
}

// UpdateFromHeaders records the rate-limit headers of one upstream response.
// Responses without any rate-limit header are ignored.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, keyID string, headers http.Header) error {
	state, err := parseHeaders(keyID, headers)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	if t.redis == nil {
		t.mu.Lock()
		t.pruneLocked()
		if prev, ok := t.local[keyID]; ok {
			state.Observations = prev.Observations
		}
		state.Observations++
		t.local[keyID] = state
		t.mu.Unlock()
	} else {
		payload, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode rate limit state: %w", err)
		}

		ttl := state.TTL()
		pipe := t.redis.TxPipeline()
		pipe.Set(ctx, RedisKeyPrefix+keyID+redisSuffixState, payload, ttl)
		incr := pipe.Incr(ctx, RedisKeyPrefix+keyID+redisSuffixObservations)
		pipe.Expire(ctx, RedisKeyPrefix+keyID+redisSuffixObservations, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store rate limit state in redis: %w", err)
		}
		state.Observations = incr.Val()
	}

	if state.Max > 0 {
		rateLimitRemaining.WithLabelValues("burst").Set(float64(state.Remaining))
	}
	if state.DailyLimit > 0 {
		rateLimitRemaining.WithLabelValues("daily").Set(float64(state.DailyRemaining))
	}

	if state.IsLow() {
		rateLimitLowTotal.Inc()
		t.logger.Warn().
			Str("key_id", keyID).
			Int("remaining", state.Remaining).
			Int("daily_remaining", state.DailyRemaining).
			Dur("reset_in", state.TimeUntilReset()).
			Msg("Upstream rate limit budget low")
	} else {
		t.logger.Debug().
			Str("key_id", keyID).
			Int("remaining", state.Remaining).
			Int("daily_remaining", state.DailyRemaining).
			Msg("Upstream rate limit state updated")
	}

	return nil
}

// pruneLocked drops in-memory states past their TTL. t.mu must be held.
func (t *Tracker) pruneLocked() {
	for id, s := range t.local {
		if s.IsStale(s.TTL()) {
			delete(t.local, id)
		}
	}
}

// parseHeaders returns nil, nil when no rate-limit header is present.
func parseHeaders(keyID string, headers http.Header) (*State, error) {
	now := time.Now()
	state := &State{KeyID: keyID, Known: true, LastUpdate: now}

	fields := []struct {
		name string
		dst  *int
	}{
		{HeaderMax, &state.Max},
		{HeaderRemaining, &state.Remaining},
		{HeaderDailyLimit, &state.DailyLimit},
		{HeaderDailyRemaining, &state.DailyRemaining},
	}

	seen := false
	for _, f := range fields {
		raw := headers.Get(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s header: %w", f.name, err)
		}
		*f.dst = v
		seen = true
	}

	if raw := headers.Get(HeaderInterval); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s header: %w", HeaderInterval, err)
		}
		state.IntervalMs = ms
		seen = true
	}

	if !seen {
		return nil, nil
	}

	state.ResetAt = now.Add(time.Duration(state.IntervalMs) * time.Millisecond)
	state.UpdateHealth()
	return state, nil
}
