package notify

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultUserLimit is the fallback number of webhook deliveries per user in a window.
	DefaultUserLimit = 60

	defaultUserWindow = time.Minute
	defaultUserTTL    = 5 * time.Minute
	defaultUserCap    = 4096
)

// UserLimiter bounds webhook deliveries per user across rolling windows while
// keeping the number of tracked users bounded. Terminal events bypass it.
type UserLimiter struct {
	mu      sync.Mutex
	windows map[int64]userWindow

	limit  int
	window time.Duration
	ttl    time.Duration
	cap    int
}

type userWindow struct {
	start    time.Time
	count    int
	lastSeen time.Time
}

// UserLimiterOption configures a UserLimiter.
type UserLimiterOption func(*UserLimiter)

// WithUserWindow overrides the rolling window duration.
func WithUserWindow(d time.Duration) UserLimiterOption {
	return func(l *UserLimiter) { l.window = d }
}

// WithUserTTL evicts users that have not been seen within d.
func WithUserTTL(d time.Duration) UserLimiterOption {
	return func(l *UserLimiter) { l.ttl = d }
}

// WithUserCap sets the maximum number of tracked users.
func WithUserCap(cap int) UserLimiterOption {
	return func(l *UserLimiter) { l.cap = cap }
}

// NewUserLimiter allows limit deliveries per user per window. A non-positive
// limit falls back to DefaultUserLimit.
func NewUserLimiter(limit int, opts ...UserLimiterOption) *UserLimiter {
	if limit <= 0 {
		limit = DefaultUserLimit
	}
	l := &UserLimiter{
		windows: make(map[int64]userWindow),
		limit:   limit,
		window:  defaultUserWindow,
		ttl:     defaultUserTTL,
		cap:     defaultUserCap,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.window <= 0 {
		l.window = defaultUserWindow
	}
	if l.ttl < 0 {
		l.ttl = 0
	}
	if l.cap < 0 {
		l.cap = 0
	}
	return l
}

// Allow reports whether another delivery for userID fits in the current window.
func (l *UserLimiter) Allow(userID int64, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	state := l.windows[userID]
	if state.start.IsZero() || now.Sub(state.start) >= l.window {
		state.start = now
		state.count = 0
	}
	state.lastSeen = now
	if state.count >= l.limit {
		l.windows[userID] = state
		return false
	}
	state.count++
	l.windows[userID] = state
	if l.cap > 0 && len(l.windows) > l.cap {
		l.enforceCapLocked()
	}
	return true
}

// Len returns the number of tracked users.
func (l *UserLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *UserLimiter) pruneLocked(now time.Time) {
	if l.ttl > 0 {
		for id, state := range l.windows {
			if now.Sub(state.lastSeen) > l.ttl {
				delete(l.windows, id)
			}
		}
	}
	l.enforceCapLocked()
}

func (l *UserLimiter) enforceCapLocked() {
	if l.cap <= 0 || len(l.windows) <= l.cap {
		return
	}
	type entry struct {
		id       int64
		lastSeen time.Time
	}
	entries := make([]entry, 0, len(l.windows))
	for id, state := range l.windows {
		entries = append(entries, entry{id: id, lastSeen: state.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastSeen.Before(entries[j].lastSeen)
	})
	excess := len(l.windows) - l.cap
	for i := 0; i < excess && i < len(entries); i++ {
		delete(l.windows, entries[i].id)
	}
}
