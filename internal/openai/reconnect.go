// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package openai

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rapidaai/bianca-bridge/pkg/commons"
)

const (
	reconnectTick        = 500 * time.Millisecond
	reconnectBackoffCap  = 30 * time.Second
	maxReconnectAttempts = 5
)

// backoffDelay is min(1s * 2^attempt, 30s) with ±20% uniform jitter.
func backoffDelay(attempt int) time.Duration {
	delay := time.Second << uint(attempt)
	if delay > reconnectBackoffCap || delay <= 0 {
		delay = reconnectBackoffCap
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

type reconnectEntry struct {
	executeAt time.Time
	attempt   int
}

// ReconnectFunc is invoked when a scheduled retry comes due.
type ReconnectFunc func(callID string, attempt int)

// Reconnector batches all pending per-call reconnects behind one 500ms
// ticker instead of one timer per call. The ticker only runs while entries
// are pending.
type Reconnector struct {
	logger commons.Logger
	fn     ReconnectFunc

	mu      sync.Mutex
	entries map[string]reconnectEntry
	running bool
	stopped bool
	stop    chan struct{}
}

// NewReconnector constructs a stopped reconnector; the ticker starts on the
// first Schedule.
func NewReconnector(fn ReconnectFunc, logger commons.Logger) *Reconnector {
	return &Reconnector{
		logger:  logger,
		fn:      fn,
		entries: make(map[string]reconnectEntry),
	}
}

// Schedule records a retry for callID after delay. A call that already has
// a pending retry is left untouched.
func (r *Reconnector) Schedule(callID string, delay time.Duration, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if _, exists := r.entries[callID]; exists {
		return
	}
	r.entries[callID] = reconnectEntry{executeAt: time.Now().Add(delay), attempt: attempt}
	r.logger.Debugw("reconnect scheduled", "call", callID, "delay", delay, "attempt", attempt)
	if !r.running {
		r.running = true
		r.stop = make(chan struct{})
		go r.loop(r.stop)
	}
}

// Cancel drops a pending retry, if any.
func (r *Reconnector) Cancel(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, callID)
}

// Stop shuts the reconnector down permanently.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.entries = make(map[string]reconnectEntry)
	if r.running {
		close(r.stop)
		r.running = false
	}
}

func (r *Reconnector) loop(stop chan struct{}) {
	ticker := time.NewTicker(reconnectTick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			type due struct {
				callID  string
				attempt int
			}
			var ready []due

			r.mu.Lock()
			for id, e := range r.entries {
				if !now.Before(e.executeAt) {
					ready = append(ready, due{id, e.attempt})
					delete(r.entries, id)
				}
			}
			empty := len(r.entries) == 0
			if empty && r.running {
				close(r.stop)
				r.running = false
			}
			r.mu.Unlock()

			for _, d := range ready {
				go r.fn(d.callID, d.attempt)
			}
			if empty {
				return
			}
		}
	}
}
