// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package rtp

import "sync"

// SSRCRegistry maps RTP source identifiers to correlation ids. The ingress
// demultiplexer registers the SSRC once it sees the first packet of a
// snooped stream; cleanup unregisters it when the call ends.
type SSRCRegistry struct {
	mu sync.RWMutex
	m  map[uint32]string
}

// NewSSRCRegistry constructs an empty registry.
func NewSSRCRegistry() *SSRCRegistry {
	return &SSRCRegistry{m: make(map[uint32]string)}
}

// Register binds an SSRC to a correlation id. The first binding wins.
func (r *SSRCRegistry) Register(ssrc uint32, correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[ssrc]; !exists {
		r.m[ssrc] = correlationID
	}
}

// Resolve returns the correlation id for an SSRC.
func (r *SSRCRegistry) Resolve(ssrc uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.m[ssrc]
	return id, ok
}

// Unregister removes the binding.
func (r *SSRCRegistry) Unregister(ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, ssrc)
}
