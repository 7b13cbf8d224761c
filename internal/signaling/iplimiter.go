/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package signaling

import (
	"sync"
	"time"
)

// Connection admission limits per peer IP.
const (
	limitWindow   = 60 * time.Second
	limitMaxConns = 20
	limitSweep    = 5 * time.Minute
)

// ipLimiter is a sliding-window connection limiter keyed by peer IP.
type ipLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
	stop    chan struct{}
	once    sync.Once
}

func newIPLimiter() *ipLimiter {
	l := &ipLimiter{
		history: make(map[string][]time.Time),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow records a connection attempt and reports whether it is admitted.
func (l *ipLimiter) Allow(ip string) bool {
	now := time.Now()
	cutoff := now.Add(-limitWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	attempts := l.history[ip]
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limitMaxConns {
		l.history[ip] = kept
		return false
	}
	l.history[ip] = append(kept, now)
	return true
}

func (l *ipLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *ipLimiter) sweepLoop() {
	ticker := time.NewTicker(limitSweep)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep drops buckets with no attempts inside the window.
func (l *ipLimiter) sweep() {
	cutoff := time.Now().Add(-limitWindow)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, attempts := range l.history {
		live := false
		for _, t := range attempts {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.history, ip)
		}
	}
}
