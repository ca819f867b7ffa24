// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package audiosocket implements the framed-TCP audio ingress: Asterisk
// dials in per call, identifies the call with a UUID frame, then streams
// typed audio frames which are forwarded to the realtime AI client.
package audiosocket

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/rapidaai/bianca-bridge/internal/tracker"
	"github.com/rapidaai/bianca-bridge/pkg/commons"
)

// AudioSink receives µ-law audio (base64) keyed by correlation id.
// Implemented by the realtime AI client.
type AudioSink interface {
	SendAudio(correlationID, muLawBase64 string) error
}

// Server accepts AudioSocket connections on a single TCP listener.
type Server struct {
	addr    string
	logger  commons.Logger
	tracker *tracker.Tracker
	sink    AudioSink

	mu sync.Mutex
	ln net.Listener
}

// NewServer constructs the ingress server.
func NewServer(addr string, tr *tracker.Tracker, sink AudioSink, logger commons.Logger) *Server {
	return &Server{
		addr:    addr,
		logger:  logger,
		tracker: tr,
		sink:    sink,
	}
}

// Run listens and serves until the context is cancelled. Per-connection
// errors never take the listener down; main-call cleanup stays driven by
// the control plane, not by transport failures here.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Infow("audiosocket listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warnw("audiosocket accept failed", "error", err)
			continue
		}
		c := newConnection(conn, s.tracker, s.sink, s.logger)
		go c.serve()
	}
}

// Close stops the listener.
func (s *Server) Close() {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}
