// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package openai holds per-call WebSocket sessions against the realtime
// voice API: session handshake, audio append/commit, response fan-out and
// reconnect with backoff.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/bianca-bridge/config"
	"github.com/rapidaai/bianca-bridge/pkg/commons"
)

const (
	connectTimeout    = 10 * time.Second
	pendingQueueLimit = 100
	flushBatchSize    = 5
	flushBatchPause   = 50 * time.Millisecond
	healthInterval    = 60 * time.Second

	primingMessage = "Hello, are you there?"
)

// Client owns one aiConnection per correlation id plus the shared
// reconnector and idle reaper.
type Client struct {
	cfg         config.OpenAIConfig
	logger      commons.Logger
	transcripts TranscriptSink
	reconnector *Reconnector

	// overridable in tests
	healthEvery time.Duration
	backoff     func(attempt int) time.Duration

	mu     sync.RWMutex
	conns  map[string]*aiConnection
	closed bool
}

// NewClient constructs the client. transcripts may be nil when persistence
// is disabled.
func NewClient(cfg config.OpenAIConfig, transcripts TranscriptSink, logger commons.Logger) *Client {
	c := &Client{
		cfg:         cfg,
		logger:      logger,
		transcripts: transcripts,
		healthEvery: healthInterval,
		backoff:     backoffDelay,
		conns:       make(map[string]*aiConnection),
	}
	c.reconnector = NewReconnector(c.attemptReconnect, logger)
	return c
}

// realtimeURL derives the WebSocket endpoint from the configured base URL,
// model and voice. http(s) schemes are rewritten to ws(s) so the base can
// point at a plain HTTP test server.
func realtimeURL(base, model, voice string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", fmt.Errorf("openai: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("openai: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/realtime"
	q := u.Query()
	q.Set("model", model)
	if voice != "" {
		q.Set("voice", voice)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Initialize opens the realtime session for one call. instructions falls
// back to the configured initial prompt; notify receives session events
// keyed by channelID. A dial failure leaves no record behind.
func (c *Client) Initialize(correlationID, channelID, instructions, conversationID string, notify Notifier) error {
	if instructions == "" {
		instructions = c.cfg.InitialPrompt
	}
	conn := &aiConnection{
		correlationID:  correlationID,
		channelID:      channelID,
		conversationID: conversationID,
		instructions:   instructions,
		notify:         notify,
		status:         StatusInitializing,
		lastActivity:   time.Now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("openai: client closed")
	}
	if _, exists := c.conns[correlationID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("openai: connection already exists for %s", correlationID)
	}
	c.conns[correlationID] = conn
	c.mu.Unlock()

	if _, err := c.connect(conn); err != nil {
		c.mu.Lock()
		delete(c.conns, correlationID)
		c.mu.Unlock()
		return err
	}
	c.logger.Infow("openai session opened", "correlation", correlationID, "channel", channelID)
	return nil
}

// connect dials and starts the read loop. The permanent flag reports
// errors that must not be retried (bad credentials).
func (c *Client) connect(conn *aiConnection) (permanent bool, err error) {
	conn.setStatus(StatusConnecting)

	endpoint, err := realtimeURL(c.cfg.BaseUrl, c.cfg.Model, c.cfg.Voice)
	if err != nil {
		return true, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.ApiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: connectTimeout}
	ws, resp, err := dialer.Dial(endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return true, fmt.Errorf("openai: authentication rejected (%d): %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("openai: dial: %w", err)
	}

	conn.mu.Lock()
	conn.ws = ws
	conn.status = StatusConnected
	conn.lastActivity = time.Now()
	conn.mu.Unlock()

	go c.readLoop(conn, ws)
	return false, nil
}

// handleDisconnect reacts to a failed read: a normal close (1000) drops the
// record, anything else hands the call to the reconnector with the pending
// queue preserved.
func (c *Client) handleDisconnect(conn *aiConnection, cause error) {
	conn.mu.Lock()
	switch conn.status {
	case StatusClosed, StatusError, StatusReconnecting:
		conn.mu.Unlock()
		return
	}

	var ce *websocket.CloseError
	if errors.As(cause, &ce) && ce.Code == websocket.CloseNormalClosure {
		conn.status = StatusClosed
		conn.ws = nil
		conn.stopCommitLocked()
		conn.mu.Unlock()
		c.mu.Lock()
		delete(c.conns, conn.correlationID)
		c.mu.Unlock()
		c.logger.Infow("openai session closed by server", "correlation", conn.correlationID)
		return
	}

	conn.status = StatusReconnecting
	conn.ws = nil
	conn.stopCommitLocked()
	attempt := conn.reconnectAttempts
	conn.mu.Unlock()

	c.logger.Warnw("openai session lost, scheduling reconnect",
		"correlation", conn.correlationID, "attempt", attempt, "error", cause)
	c.reconnector.Schedule(conn.correlationID, c.backoff(attempt), attempt)
}

// attemptReconnect is the reconnector callback.
func (c *Client) attemptReconnect(correlationID string, attempt int) {
	conn := c.get(correlationID)
	if conn == nil {
		return
	}
	conn.mu.Lock()
	if conn.status != StatusReconnecting {
		conn.mu.Unlock()
		return
	}
	conn.reconnectAttempts = attempt + 1
	conn.mu.Unlock()

	permanent, err := c.connect(conn)
	if err == nil {
		conn.mu.Lock()
		conn.reconnectAttempts = 0
		conn.mu.Unlock()
		c.logger.Infow("openai session reconnected", "correlation", correlationID, "attempt", attempt)
		return
	}

	next := attempt + 1
	if permanent || next >= maxReconnectAttempts {
		conn.setStatus(StatusError)
		c.logger.Errorw("openai reconnect exhausted", "correlation", correlationID, "error", err)
		conn.notifyEvent(NotifyMaxReconnectFailed, map[string]any{"error": err.Error()})
		return
	}
	conn.setStatus(StatusReconnecting)
	c.reconnector.Schedule(correlationID, c.backoff(next), next)
}

func (c *Client) get(correlationID string) *aiConnection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conns[correlationID]
}

// Status reports the connection state for a call.
func (c *Client) Status(correlationID string) (Status, bool) {
	conn := c.get(correlationID)
	if conn == nil {
		return StatusClosed, false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.status, true
}

// Disconnect tears one call down: timers stopped, socket closed with 1000,
// record dropped. Safe to call twice.
func (c *Client) Disconnect(correlationID string) {
	c.mu.Lock()
	conn, ok := c.conns[correlationID]
	delete(c.conns, correlationID)
	c.mu.Unlock()
	c.reconnector.Cancel(correlationID)
	if !ok {
		return
	}

	conn.mu.Lock()
	conn.status = StatusClosed
	conn.stopCommitLocked()
	ws := conn.ws
	conn.ws = nil
	conn.pendingAudio = nil
	conn.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	c.logger.Infow("openai session disconnected", "correlation", correlationID)
}

// DisconnectAll closes every session and stops the reconnector.
func (c *Client) DisconnectAll() {
	c.mu.Lock()
	c.closed = true
	ids := make([]string, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Disconnect(id)
	}
	c.reconnector.Stop()
}

// Run drives the idle reaper until the context ends, then closes all
// sessions.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.DisconnectAll()
			return nil
		case <-ticker.C:
			c.reapIdle()
		}
	}
}

func (c *Client) reapIdle() {
	idle := time.Duration(c.cfg.IdleTimeoutSec) * time.Second
	now := time.Now()

	var stale []string
	c.mu.RLock()
	for id, conn := range c.conns {
		conn.mu.Lock()
		if conn.status != StatusClosed && now.Sub(conn.lastActivity) > idle {
			stale = append(stale, id)
		}
		conn.mu.Unlock()
	}
	c.mu.RUnlock()

	for _, id := range stale {
		c.logger.Infow("reaping idle openai session", "correlation", id)
		c.Disconnect(id)
	}
}
