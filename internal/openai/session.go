// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/bianca-bridge/internal/audio"
)

// aiConnection is the per-call session record. mu guards every mutable
// field and serializes WebSocket writes; the read loop is the only reader.
type aiConnection struct {
	correlationID  string
	channelID      string
	conversationID string
	instructions   string
	notify         Notifier

	mu                       sync.Mutex
	status                   Status
	ws                       *websocket.Conn
	sessionID                string
	pendingAudio             []string
	commitTimer              *time.Timer
	reconnectAttempts        int
	totalAudioBytesSent      int64
	validAudioChunksSent     int
	consecutiveSilenceChunks int
	lastActivity             time.Time
}

func (conn *aiConnection) setStatus(s Status) {
	conn.mu.Lock()
	conn.status = s
	conn.mu.Unlock()
}

func (conn *aiConnection) touch() {
	conn.mu.Lock()
	conn.lastActivity = time.Now()
	conn.mu.Unlock()
}

func (conn *aiConnection) stopCommitLocked() {
	if conn.commitTimer != nil {
		conn.commitTimer.Stop()
		conn.commitTimer = nil
	}
}

func (conn *aiConnection) notifyEvent(event string, payload map[string]any) {
	if conn.notify != nil {
		conn.notify(conn.channelID, event, payload)
	}
}

// ============================================================
// Read loop and event dispatch
// ============================================================

func (c *Client) readLoop(conn *aiConnection, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		conn.touch()

		var evt inboundEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Debugw("openai: undecodable event", "error", err)
			continue
		}
		c.handleEvent(conn, &evt)
	}
}

func (c *Client) handleEvent(conn *aiConnection, evt *inboundEvent) {
	switch evt.Type {
	case "session.created":
		c.handleSessionCreated(conn, evt)
	case "response.content_part.added":
		if evt.Part != nil && evt.Part.Type == "audio" && evt.Part.Audio != "" {
			c.deliverAudio(conn, evt.Part.Audio)
		}
	case "conversation.item.created":
		if evt.Item != nil {
			c.handleItem(conn, evt.Item)
		}
	case "error":
		if evt.Error != nil {
			c.logger.Warnw("openai api error", "correlation", conn.correlationID,
				"code", evt.Error.Code, "message", evt.Error.Message)
		}
	default:
		// Delta and lifecycle events we do not act on.
	}
}

// handleSessionCreated completes the handshake: configure the session for
// µ-law in / PCM16 out, prime the conversation, then flush any audio that
// queued while connecting.
func (c *Client) handleSessionCreated(conn *aiConnection, evt *inboundEvent) {
	conn.mu.Lock()
	if evt.Session != nil {
		conn.sessionID = evt.Session.ID
	}
	ws := conn.ws
	if ws == nil {
		conn.mu.Unlock()
		return
	}

	messages := []outboundEvent{
		{Type: "session.update", Session: &sessionConfig{
			Modalities:        []string{"text", "audio"},
			Instructions:      conn.instructions,
			Voice:             c.cfg.Voice,
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		}},
		{Type: "conversation.item.create", Item: &conversationItem{
			Type: "message",
			Role: "user",
			Content: []contentPart{
				{Type: "input_text", Text: primingMessage},
			},
		}},
		{Type: "response.create"},
	}
	for _, m := range messages {
		if err := ws.WriteJSON(m); err != nil {
			conn.mu.Unlock()
			c.logger.Warnw("openai: handshake write failed", "correlation", conn.correlationID, "error", err)
			return
		}
	}
	conn.status = StatusSessionReady
	sessionID := conn.sessionID
	conn.mu.Unlock()

	c.logger.Infow("openai session ready", "correlation", conn.correlationID, "session", sessionID)
	conn.notifyEvent(NotifySessionReady, map[string]any{"sessionId": sessionID})
	go c.flushPending(conn)
}

// ============================================================
// Ingress: audio toward the AI
// ============================================================

// SendAudio forwards one µ-law chunk. Until the session is ready chunks
// queue in a bounded FIFO, dropping the oldest past 100.
func (c *Client) SendAudio(correlationID, muLawBase64 string) error {
	conn := c.get(correlationID)
	if conn == nil {
		return fmt.Errorf("openai: no connection for %s", correlationID)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	switch conn.status {
	case StatusClosed, StatusError:
		return fmt.Errorf("openai: connection for %s is %s", correlationID, conn.status)
	case StatusSessionReady:
		return c.appendAudioLocked(conn, muLawBase64)
	default:
		if len(conn.pendingAudio) >= pendingQueueLimit {
			drop := len(conn.pendingAudio) - pendingQueueLimit + 1
			conn.pendingAudio = conn.pendingAudio[drop:]
		}
		conn.pendingAudio = append(conn.pendingAudio, muLawBase64)
		return nil
	}
}

// appendAudioLocked sends one input_audio_buffer.append and re-arms the
// debounced commit. Caller holds conn.mu.
func (c *Client) appendAudioLocked(conn *aiConnection, muLawBase64 string) error {
	raw, err := base64.StdEncoding.DecodeString(muLawBase64)
	if err != nil {
		return fmt.Errorf("openai: decode audio chunk: %w", err)
	}
	if conn.ws == nil {
		return fmt.Errorf("openai: no socket for %s", conn.correlationID)
	}
	if err := conn.ws.WriteJSON(outboundEvent{Type: "input_audio_buffer.append", Audio: muLawBase64}); err != nil {
		return fmt.Errorf("openai: append audio: %w", err)
	}

	conn.totalAudioBytesSent += int64(len(raw))
	if audio.ValidateChunk(raw, audio.FormatMuLaw).OK {
		conn.validAudioChunksSent++
	}
	if audio.IsSilence(raw) {
		conn.consecutiveSilenceChunks++
	} else {
		conn.consecutiveSilenceChunks = 0
	}
	conn.lastActivity = time.Now()

	c.scheduleCommitLocked(conn)
	return nil
}

// scheduleCommitLocked resets the single per-call commit timer. Caller
// holds conn.mu.
func (c *Client) scheduleCommitLocked(conn *aiConnection) {
	if conn.commitTimer != nil {
		conn.commitTimer.Stop()
	}
	debounce := time.Duration(c.cfg.CommitDebounceMs) * time.Millisecond
	conn.commitTimer = time.AfterFunc(debounce, func() { c.fireCommit(conn) })
}

// fireCommit issues input_audio_buffer.commit, but only once at least one
// valid chunk was sent and the buffered duration plus a 50ms safety margin
// reaches the API's 100ms minimum. µ-law is 8 bytes per millisecond.
func (c *Client) fireCommit(conn *aiConnection) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.status != StatusSessionReady || conn.ws == nil {
		return
	}
	if conn.validAudioChunksSent < 1 || conn.totalAudioBytesSent/8+50 < 100 {
		return
	}
	if err := conn.ws.WriteJSON(outboundEvent{Type: "input_audio_buffer.commit"}); err != nil {
		c.logger.Warnw("openai: commit failed", "correlation", conn.correlationID, "error", err)
	}
}

// flushPending drains the queue that accumulated before session_ready, in
// batches of 5 with 50ms pauses to stay under rate limits.
func (c *Client) flushPending(conn *aiConnection) {
	conn.mu.Lock()
	pending := conn.pendingAudio
	conn.pendingAudio = nil
	conn.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	c.logger.Infow("flushing pending audio", "correlation", conn.correlationID, "chunks", len(pending))

	for i, chunk := range pending {
		if i > 0 && i%flushBatchSize == 0 {
			time.Sleep(flushBatchPause)
		}
		conn.mu.Lock()
		if conn.status != StatusSessionReady {
			conn.mu.Unlock()
			return
		}
		if err := c.appendAudioLocked(conn, chunk); err != nil {
			conn.mu.Unlock()
			c.logger.Warnw("openai: pending flush aborted", "correlation", conn.correlationID, "error", err)
			return
		}
		conn.mu.Unlock()
	}
}

// ============================================================
// Egress: responses from the AI
// ============================================================

// deliverAudio converts a PCM16/24kHz payload to µ-law/8kHz and hands it
// to the subscriber.
func (c *Client) deliverAudio(conn *aiConnection, pcmBase64 string) {
	pcm, err := base64.StdEncoding.DecodeString(pcmBase64)
	if err != nil {
		c.logger.Warnw("openai: undecodable audio payload", "correlation", conn.correlationID, "error", err)
		return
	}
	samples, err := audio.PCM16ToSamples(pcm)
	if err != nil {
		c.logger.Warnw("openai: malformed pcm payload", "correlation", conn.correlationID, "error", err)
		return
	}
	down := audio.ResampleLinear(samples, audio.OpenAIRate, audio.TelephonyRate)
	muLaw, err := audio.EncodePCM16ToMuLaw(audio.SamplesToPCM16(down))
	if err != nil {
		c.logger.Warnw("openai: mu-law encode failed", "correlation", conn.correlationID, "error", err)
		return
	}
	conn.notifyEvent(NotifyAudioChunk, map[string]any{
		"audio": base64.StdEncoding.EncodeToString(muLaw),
	})
}

// handleItem fans out completed conversation items: text to the subscriber
// and transcript sink, function calls to the subscriber, attached audio to
// the playback path.
func (c *Client) handleItem(conn *aiConnection, item *conversationItem) {
	switch item.Type {
	case "function_call":
		conn.notifyEvent(NotifyFunctionCall, map[string]any{
			"name":           item.Name,
			"arguments":      item.Arguments,
			"functionCallId": item.CallID,
		})

	case "message":
		if item.Status != "completed" {
			return
		}
		var text strings.Builder
		for _, part := range item.Content {
			switch {
			case part.Audio != "":
				c.deliverAudio(conn, part.Audio)
			case part.Text != "":
				text.WriteString(part.Text)
			case part.Transcript != "":
				text.WriteString(part.Transcript)
			}
		}
		if text.Len() == 0 {
			return
		}
		conn.notifyEvent(NotifyTextMessage, map[string]any{
			"role": item.Role,
			"text": text.String(),
		})
		if conn.conversationID != "" && c.transcripts != nil {
			if err := c.transcripts.AppendMessage(conn.conversationID, item.Role, text.String()); err != nil {
				c.logger.Warnw("transcript append failed", "conversation", conn.conversationID, "error", err)
			}
		}
	}
}

// ============================================================
// Text toward the AI
// ============================================================

// SendText injects a text item into the conversation and requests a
// response. role RoleFunctionCallResponse returns a tool result; meta must
// then carry functionCallId.
func (c *Client) SendText(correlationID, text, role string, meta map[string]string) error {
	conn := c.get(correlationID)
	if conn == nil {
		return fmt.Errorf("openai: no connection for %s", correlationID)
	}

	var item *conversationItem
	if role == RoleFunctionCallResponse {
		item = &conversationItem{
			Type:   "function_call_output",
			CallID: meta["functionCallId"],
			Output: text,
		}
	} else {
		item = &conversationItem{
			Type: "message",
			Role: "user",
			Content: []contentPart{
				{Type: "input_text", Text: text},
			},
		}
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.status != StatusSessionReady || conn.ws == nil {
		return fmt.Errorf("openai: session not ready for %s", correlationID)
	}
	if err := conn.ws.WriteJSON(outboundEvent{Type: "conversation.item.create", Item: item}); err != nil {
		return fmt.Errorf("openai: send text: %w", err)
	}
	if err := conn.ws.WriteJSON(outboundEvent{Type: "response.create"}); err != nil {
		return fmt.Errorf("openai: request response: %w", err)
	}
	return nil
}
