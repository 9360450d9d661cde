package throttle

import (
	"sync"
	"time"
)

// Limiter allows one action per interval and is safe for concurrent use.
type Limiter struct {
	mu          sync.Mutex
	interval    time.Duration
	lastAllowed time.Time
	now         func() time.Time
}

func New(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		now:      time.Now,
	}
}

// Allow reports whether an action may run now. When it may not, the
// returned duration is the time left until the next interval boundary.
func (l *Limiter) Allow() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	since := now.Sub(l.lastAllowed)
	if l.lastAllowed.IsZero() || since >= l.interval {
		l.lastAllowed = now
		return true, 0
	}
	return false, l.interval - since
}

// Reset clears the limiter state, allowing the next action immediately.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.lastAllowed = time.Time{}
	l.mu.Unlock()
}

func (l *Limiter) Interval() time.Duration {
	return l.interval
}
