// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/bianca-bridge/config"
	"github.com/rapidaai/bianca-bridge/internal/audio"
	"github.com/rapidaai/bianca-bridge/pkg/commons"
)

// ============================================================
// Fake realtime server
// ============================================================

type rtServer struct {
	t   *testing.T
	srv *httptest.Server

	gate chan struct{} // non-nil: hold session.created until closed

	mu        sync.Mutex
	received  []map[string]any
	connCount int
	last      *websocket.Conn
}

func newRTServer(t *testing.T) *rtServer {
	t.Helper()
	s := &rtServer{t: t}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.connCount++
		n := s.connCount
		s.last = ws
		gate := s.gate
		s.mu.Unlock()

		if gate != nil {
			<-gate
		}
		_ = ws.WriteJSON(map[string]any{
			"type":    "session.created",
			"session": map[string]any{"id": fmt.Sprintf("sess-%d", n)},
		})
		for {
			var msg map[string]any
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, msg)
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *rtServer) snapshot() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.received...)
}

func (s *rtServer) ofType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range s.snapshot() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// waitCount blocks until at least n messages of typ arrived.
func (s *rtServer) waitCount(typ string, n int) {
	s.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.ofType(typ)) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.t.Fatalf("timed out waiting for %d %q messages (have %d)", n, typ, len(s.ofType(typ)))
}

func (s *rtServer) push(evt map[string]any) {
	s.mu.Lock()
	ws := s.last
	s.mu.Unlock()
	require.NotNil(s.t, ws)
	require.NoError(s.t, ws.WriteJSON(evt))
}

// closeWith closes the current server-side socket with a close code.
func (s *rtServer) closeWith(code int) {
	s.mu.Lock()
	ws := s.last
	s.mu.Unlock()
	require.NotNil(s.t, ws)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	_ = ws.Close()
}

func (s *rtServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connCount
}

// ============================================================
// Test doubles and helpers
// ============================================================

type recordedEvent struct {
	channelID string
	event     string
	payload   map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) notify(channelID, event string, payload map[string]any) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{channelID, event, payload})
	r.mu.Unlock()
}

func (r *eventRecorder) wait(t *testing.T, event string) recordedEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, e := range r.events {
			if e.event == event {
				r.mu.Unlock()
				return e
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q notification", event)
	return recordedEvent{}
}

type memorySink struct {
	mu      sync.Mutex
	entries []string // conversationID|role|content
}

func (s *memorySink) AppendMessage(conversationID, role, content string) error {
	s.mu.Lock()
	s.entries = append(s.entries, conversationID+"|"+role+"|"+content)
	s.mu.Unlock()
	return nil
}

func testConfig(baseURL string) config.OpenAIConfig {
	return config.OpenAIConfig{
		ApiKey:           "sk-test",
		Model:            "gpt-4o-realtime-preview",
		Voice:            "alloy",
		BaseUrl:          baseURL,
		InitialPrompt:    "You are a helpful phone assistant.",
		IdleTimeoutSec:   300,
		CommitDebounceMs: 120,
	}
}

func newTestClient(t *testing.T, cfg config.OpenAIConfig, sink TranscriptSink) *Client {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	c := NewClient(cfg, sink, logger)
	c.backoff = func(int) time.Duration { return 10 * time.Millisecond }
	t.Cleanup(c.DisconnectAll)
	return c
}

func muLawChunk(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 0x7F
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// ============================================================
// Tests
// ============================================================

func TestRealtimeURL(t *testing.T) {
	u, err := realtimeURL("https://api.openai.com", "gpt-4o-realtime-preview", "alloy")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview&voice=alloy", u)

	u, err = realtimeURL("http://127.0.0.1:8080/", "m", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/v1/realtime?model=m", u)

	_, err = realtimeURL("ftp://nope", "m", "v")
	assert.Error(t, err)
}

func TestHandshake(t *testing.T) {
	srv := newRTServer(t)
	rec := &eventRecorder{}
	c := newTestClient(t, testConfig(srv.srv.URL), nil)

	require.NoError(t, c.Initialize("S1", "CH1", "", "", rec.notify))

	srv.waitCount("session.update", 1)
	srv.waitCount("conversation.item.create", 1)
	srv.waitCount("response.create", 1)

	update := srv.ofType("session.update")[0]["session"].(map[string]any)
	assert.Equal(t, "g711_ulaw", update["input_audio_format"])
	assert.Equal(t, "pcm16", update["output_audio_format"])
	assert.Equal(t, "alloy", update["voice"])
	assert.Equal(t, "You are a helpful phone assistant.", update["instructions"])

	item := srv.ofType("conversation.item.create")[0]["item"].(map[string]any)
	content := item["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "Hello, are you there?", content["text"])

	evt := rec.wait(t, NotifySessionReady)
	assert.Equal(t, "CH1", evt.channelID)
	assert.Equal(t, "sess-1", evt.payload["sessionId"])

	status, ok := c.Status("S1")
	require.True(t, ok)
	assert.Equal(t, StatusSessionReady, status)
}

func TestAppendThenSingleCommit(t *testing.T) {
	srv := newRTServer(t)
	rec := &eventRecorder{}
	c := newTestClient(t, testConfig(srv.srv.URL), nil)
	require.NoError(t, c.Initialize("S1", "CH1", "", "", rec.notify))
	rec.wait(t, NotifySessionReady)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.SendAudio("S1", muLawChunk(160)))
	}
	srv.waitCount("input_audio_buffer.append", 3)
	srv.waitCount("input_audio_buffer.commit", 1)

	// The debounce coalesces the three appends into exactly one commit.
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, srv.ofType("input_audio_buffer.commit"), 1)

	appends := srv.ofType("input_audio_buffer.append")
	assert.Equal(t, muLawChunk(160), appends[0]["audio"])
}

func TestCommitSkippedBelowMinimumDuration(t *testing.T) {
	srv := newRTServer(t)
	rec := &eventRecorder{}
	c := newTestClient(t, testConfig(srv.srv.URL), nil)
	require.NoError(t, c.Initialize("S1", "CH1", "", "", rec.notify))
	rec.wait(t, NotifySessionReady)

	// 80 bytes is 10ms; with the 50ms margin that is below the 100ms floor.
	require.NoError(t, c.SendAudio("S1", muLawChunk(80)))
	srv.waitCount("input_audio_buffer.append", 1)

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, srv.ofType("input_audio_buffer.commit"))
}

func TestPendingOverflowKeepsNewest(t *testing.T) {
	srv := newRTServer(t)
	srv.gate = make(chan struct{})
	rec := &eventRecorder{}
	c := newTestClient(t, testConfig(srv.srv.URL), nil)
	require.NoError(t, c.Initialize("S1", "CH1", "", "", rec.notify))

	// 150 chunks queue before session_ready; the oldest 50 are dropped.
	chunks := make([]string, 150)
	for i := range chunks {
		buf := make([]byte, 160)
		buf[0] = byte(i) // tag the chunk
		chunks[i] = base64.StdEncoding.EncodeToString(buf)
		require.NoError(t, c.SendAudio("S1", chunks[i]))
	}

	close(srv.gate)
	rec.wait(t, NotifySessionReady)
	srv.waitCount("input_audio_buffer.append", 100)
	time.Sleep(100 * time.Millisecond)

	appends := srv.ofType("input_audio_buffer.append")
	require.Len(t, appends, 100)
	assert.Equal(t, chunks[50], appends[0]["audio"], "oldest surviving chunk is #50")
	assert.Equal(t, chunks[149], appends[99]["audio"], "order is preserved")
}

func TestAudioEgressResampledToMuLaw(t *testing.T) {
	srv := newRTServer(t)
	rec := &eventRecorder{}
	c := newTestClient(t, testConfig(srv.srv.URL), nil)
	require.NoError(t, c.Initialize("S1", "CH1", "", "", rec.notify))
	rec.wait(t, NotifySessionReady)

	// Exactly 1s of a 1kHz tone at 24kHz.
	samples := make([]int16, audio.OpenAIRate)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*1000*float64(i)/float64(audio.OpenAIRate)))
	}
	srv.push(map[string]any{
		"type": "response.content_part.added",
		"part": map[string]any{
			"type":  "audio",
			"audio": base64.StdEncoding.EncodeToString(audio.SamplesToPCM16(samples)),
		},
	})

	evt := rec.wait(t, NotifyAudioChunk)
	muLaw, err := base64.StdEncoding.DecodeString(evt.payload["audio"].(string))
	require.NoError(t, err)
	// 1000ms at 8kHz µ-law is 8000 bytes; allow ±1ms of rounding.
	assert.InDelta(t, 8000, len(muLaw), 8)
}

func TestTextMessageAndTranscript(t *testing.T) {
	srv := newRTServer(t)
	rec := &eventRecorder{}
	sink := &memorySink{}
	c := newTestClient(t, testConfig(srv.srv.URL), sink)
	require.NoError(t, c.Initialize("S1", "CH1", "", "conv-9", rec.notify))
	rec.wait(t, NotifySessionReady)

	srv.push(map[string]any{
		"type": "conversation.item.created",
		"item": map[string]any{
			"type":   "message",
			"role":   "assistant",
			"status": "completed",
			"content": []map[string]any{
				{"type": "text", "text": "How can I help?"},
			},
		},
	})

	evt := rec.wait(t, NotifyTextMessage)
	assert.Equal(t, "How can I help?", evt.payload["text"])
	assert.Equal(t, "assistant", evt.payload["role"])

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		n := len(sink.entries)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.entries, 1)
	assert.Equal(t, "conv-9|assistant|How can I help?", sink.entries[0])
}

func TestFunctionCallNotification(t *testing.T) {
	srv := newRTServer(t)
	rec := &eventRecorder{}
	c := newTestClient(t, testConfig(srv.srv.URL), nil)
	require.NoError(t, c.Initialize("S1", "CH1", "", "", rec.notify))
	rec.wait(t, NotifySessionReady)

	srv.push(map[string]any{
		"type": "conversation.item.created",
		"item": map[string]any{
			"type":      "function_call",
			"name":      "lookup_appointment",
			"arguments": `{"date":"tomorrow"}`,
			"call_id":   "fc-1",
		},
	})

	evt := rec.wait(t, NotifyFunctionCall)
	assert.Equal(t, "lookup_appointment", evt.payload["name"])
	assert.Equal(t, "fc-1", evt.payload["functionCallId"])

	require.NoError(t, c.SendText("S1", `{"slot":"09:00"}`, RoleFunctionCallResponse,
		map[string]string{"functionCallId": "fc-1"}))
	srv.waitCount("conversation.item.create", 2) // priming message + tool output
	items := srv.ofType("conversation.item.create")
	tool := items[len(items)-1]["item"].(map[string]any)
	assert.Equal(t, "function_call_output", tool["type"])
	assert.Equal(t, "fc-1", tool["call_id"])
}

func TestSendTextUserMessage(t *testing.T) {
	srv := newRTServer(t)
	rec := &eventRecorder{}
	c := newTestClient(t, testConfig(srv.srv.URL), nil)
	require.NoError(t, c.Initialize("S1", "CH1", "", "", rec.notify))
	rec.wait(t, NotifySessionReady)

	require.NoError(t, c.SendText("S1", "transfer me", "user", nil))
	srv.waitCount("response.create", 2)

	items := srv.ofType("conversation.item.create")
	msg := items[len(items)-1]["item"].(map[string]any)
	assert.Equal(t, "message", msg["type"])
	content := msg["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "transfer me", content["text"])
}

func TestAbnormalCloseReconnectsWithoutLoss(t *testing.T) {
	srv := newRTServer(t)
	rec := &eventRecorder{}
	c := newTestClient(t, testConfig(srv.srv.URL), nil)
	require.NoError(t, c.Initialize("S1", "CH1", "", "", rec.notify))
	rec.wait(t, NotifySessionReady)

	srv.closeWith(websocket.CloseAbnormalClosure) // 1006

	// A chunk arriving during the downtime must queue, not vanish.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if status, _ := c.Status("S1"); status == StatusReconnecting {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	tagged := muLawChunk(160)
	require.NoError(t, c.SendAudio("S1", tagged))

	// The reconnector redials; the second session flushes the queued chunk.
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if srv.connections() >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.GreaterOrEqual(t, srv.connections(), 2, "client did not redial")
	srv.waitCount("session.update", 2)
	srv.waitCount("input_audio_buffer.append", 1)
	appends := srv.ofType("input_audio_buffer.append")
	assert.Equal(t, tagged, appends[0]["audio"], "chunk queued during downtime is flushed")
}

func TestNormalCloseNeverReconnects(t *testing.T) {
	srv := newRTServer(t)
	rec := &eventRecorder{}
	c := newTestClient(t, testConfig(srv.srv.URL), nil)
	require.NoError(t, c.Initialize("S1", "CH1", "", "", rec.notify))
	rec.wait(t, NotifySessionReady)

	srv.closeWith(websocket.CloseNormalClosure)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Status("S1"); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, ok := c.Status("S1")
	assert.False(t, ok, "record is dropped on clean close")

	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 1, srv.connections(), "no redial after close 1000")
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig(srv.URL), nil)
	err := c.Initialize("S1", "CH1", "", "", nil)
	require.Error(t, err)
	_, ok := c.Status("S1")
	assert.False(t, ok, "failed initialize leaves no record")
}

func TestIdleSessionIsReaped(t *testing.T) {
	srv := newRTServer(t)
	rec := &eventRecorder{}
	cfg := testConfig(srv.srv.URL)
	cfg.IdleTimeoutSec = 1
	c := newTestClient(t, cfg, nil)
	c.healthEvery = 100 * time.Millisecond

	require.NoError(t, c.Initialize("S1", "CH1", "", "", rec.notify))
	rec.wait(t, NotifySessionReady)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	defer cancel()

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Status("S1"); !ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("idle session was not reaped")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := newRTServer(t)
	rec := &eventRecorder{}
	c := newTestClient(t, testConfig(srv.srv.URL), nil)
	require.NoError(t, c.Initialize("S1", "CH1", "", "", rec.notify))
	rec.wait(t, NotifySessionReady)

	c.Disconnect("S1")
	c.Disconnect("S1")
	_, ok := c.Status("S1")
	assert.False(t, ok)
	assert.Error(t, c.SendAudio("S1", muLawChunk(160)))
}

func TestDuplicateInitializeRejected(t *testing.T) {
	srv := newRTServer(t)
	rec := &eventRecorder{}
	c := newTestClient(t, testConfig(srv.srv.URL), nil)
	require.NoError(t, c.Initialize("S1", "CH1", "", "", rec.notify))
	assert.Error(t, c.Initialize("S1", "CH2", "", "", rec.notify))
}
