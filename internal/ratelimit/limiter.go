// Package ratelimit tracks submissions per identity in fixed windows and
// locks out identities that keep exceeding them, with penalties that double
// on every violation.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

var ErrInvalidConfig = errors.New("invalid rate limit config")

type Config struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
	BasePenalty time.Duration `yaml:"base_penalty"`
	MaxPenalty  time.Duration `yaml:"max_penalty"`

	// ViolationDecay resets the violation count once an identity has gone
	// this long without one. Zero keeps violations for the life of the entry.
	ViolationDecay time.Duration `yaml:"violation_decay"`

	IdleTTL         time.Duration `yaml:"idle_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Shards          int           `yaml:"shards"`
}

func DefaultConfig() Config {
	return Config{
		Window:          time.Minute,
		MaxRequests:     10,
		BasePenalty:     30 * time.Second,
		MaxPenalty:      time.Hour,
		IdleTTL:         24 * time.Hour,
		CleanupInterval: 30 * time.Minute,
		Shards:          64,
	}
}

func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	}
	if c.MaxRequests < 1 {
		return fmt.Errorf("%w: max_requests must be >= 1, got %d", ErrInvalidConfig, c.MaxRequests)
	}
	if c.BasePenalty <= 0 {
		return fmt.Errorf("%w: base_penalty must be positive", ErrInvalidConfig)
	}
	if c.MaxPenalty < c.BasePenalty {
		return fmt.Errorf("%w: max_penalty (%s) is below base_penalty (%s)", ErrInvalidConfig, c.MaxPenalty, c.BasePenalty)
	}
	if c.ViolationDecay < 0 {
		return fmt.Errorf("%w: violation_decay must not be negative", ErrInvalidConfig)
	}
	if c.IdleTTL <= 0 {
		return fmt.Errorf("%w: idle_ttl must be positive", ErrInvalidConfig)
	}
	return nil
}

// Decision is the result of one CheckAndRecord call.
type Decision struct {
	Allowed     bool
	RetryAfter  time.Duration // zero when Allowed
	WindowStart time.Time     // window the call was counted in; pass to Refund
	Violations  int

	// PenaltyApplied is set when this call started a new lockout.
	PenaltyApplied bool
}

// State is a copy of one identity's bookkeeping.
type State struct {
	WindowStart   time.Time
	Count         int
	Violations    int
	LastViolation time.Time
	PenaltyUntil  time.Time
	LastSeen      time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*State
}

// Limiter is safe for concurrent use. Identities are spread over shards by
// hash; every read or write of an entry, including eviction, happens under
// its shard's lock.
type Limiter struct {
	cfg    Config
	shards []*shard
}

func New(cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}

	l := &Limiter{cfg: cfg, shards: make([]*shard, cfg.Shards)}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string]*State)}
	}
	return l, nil
}

func (l *Limiter) Config() Config { return l.cfg }

func (l *Limiter) shardFor(identity string) *shard {
	return l.shards[xxhash.Sum64String(identity)%uint64(len(l.shards))]
}

// CheckAndRecord decides whether identity may submit at now and, if so,
// counts the submission.
func (l *Limiter) CheckAndRecord(identity string, now time.Time) Decision {
	s := l.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entries[identity]
	if !ok {
		st = &State{WindowStart: now}
		s.entries[identity] = st
	}
	st.LastSeen = now

	if l.cfg.ViolationDecay > 0 && st.Violations > 0 &&
		!now.Before(st.LastViolation.Add(l.cfg.ViolationDecay)) && !now.Before(st.PenaltyUntil) {
		st.Violations = 0
	}

	if now.Before(st.PenaltyUntil) {
		return Decision{
			RetryAfter:  st.PenaltyUntil.Sub(now),
			WindowStart: st.WindowStart,
			Violations:  st.Violations,
		}
	}

	if !now.Before(st.WindowStart.Add(l.cfg.Window)) {
		st.WindowStart = now
		st.Count = 0
	}

	if st.Count >= l.cfg.MaxRequests {
		penalty := l.escalate(st, now)
		return Decision{
			RetryAfter:     penalty,
			WindowStart:    st.WindowStart,
			Violations:     st.Violations,
			PenaltyApplied: true,
		}
	}

	st.Count++
	return Decision{
		Allowed:     true,
		WindowStart: st.WindowStart,
		Violations:  st.Violations,
	}
}

// RecordViolation escalates identity's penalty outside the window check,
// for callers that treat other behaviour as abuse. It returns the new
// lockout. An identity already serving a penalty is not escalated further.
func (l *Limiter) RecordViolation(identity string, now time.Time) time.Duration {
	s := l.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entries[identity]
	if !ok {
		st = &State{WindowStart: now}
		s.entries[identity] = st
	}
	st.LastSeen = now
	if now.Before(st.PenaltyUntil) {
		return st.PenaltyUntil.Sub(now)
	}
	return l.escalate(st, now)
}

func (l *Limiter) escalate(st *State, now time.Time) time.Duration {
	st.Violations++
	st.LastViolation = now
	penalty := l.penalty(st.Violations)
	st.PenaltyUntil = now.Add(penalty)
	return penalty
}

// penalty is BasePenalty * 2^(violations-1), capped at MaxPenalty.
func (l *Limiter) penalty(violations int) time.Duration {
	p := l.cfg.BasePenalty
	for i := 1; i < violations; i++ {
		if p >= l.cfg.MaxPenalty/2 {
			return l.cfg.MaxPenalty
		}
		p *= 2
	}
	if p > l.cfg.MaxPenalty {
		return l.cfg.MaxPenalty
	}
	return p
}

// Refund returns a slot counted by an Allowed decision whose submission was
// never run. It is a no-op once the window has moved on.
func (l *Limiter) Refund(identity string, windowStart time.Time) {
	s := l.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entries[identity]
	if !ok || !st.WindowStart.Equal(windowStart) || st.Count == 0 {
		return
	}
	st.Count--
}

// Snapshot returns a copy of identity's state.
func (l *Limiter) Snapshot(identity string) (State, bool) {
	s := l.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entries[identity]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Evict drops identities idle for longer than IdleTTL whose penalty has run
// out, and returns how many were removed.
func (l *Limiter) Evict(now time.Time) int {
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for id, st := range s.entries {
			if now.Sub(st.LastSeen) > l.cfg.IdleTTL && !now.Before(st.PenaltyUntil) {
				delete(s.entries, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run evicts idle identities every CleanupInterval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := l.Evict(now); n > 0 {
				log.Debug().Int("evicted", n).Int("tracked", l.Len()).Msg("rate limit entries evicted")
			}
		}
	}
}
