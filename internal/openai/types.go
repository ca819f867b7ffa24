// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package openai

// ============================================================
// Notification events surfaced to the pipeline orchestrator
// ============================================================

const (
	NotifySessionReady       = "openai_session_ready"
	NotifyAudioChunk         = "audio_chunk"
	NotifyTextMessage        = "text_message"
	NotifyFunctionCall       = "function_call"
	NotifyMaxReconnectFailed = "openai_max_reconnect_failed"
)

// RoleFunctionCallResponse marks a SendText payload as the result of an
// earlier function_call notification.
const RoleFunctionCallResponse = "function_call_response"

// Notifier receives per-call events keyed by the PBX channel id.
type Notifier func(channelID, event string, payload map[string]any)

// TranscriptSink persists conversation text; implemented by the transcript
// store, or a no-op when persistence is disabled.
type TranscriptSink interface {
	AppendMessage(conversationID, role, content string) error
}

// ============================================================
// Realtime wire messages
// ============================================================

type outboundEvent struct {
	Type     string            `json:"type"`
	Session  *sessionConfig    `json:"session,omitempty"`
	Audio    string            `json:"audio,omitempty"`
	Item     *conversationItem `json:"item,omitempty"`
	Response *responseConfig   `json:"response,omitempty"`
}

type sessionConfig struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type responseConfig struct {
	Modalities []string `json:"modalities,omitempty"`
}

type conversationItem struct {
	ID        string        `json:"id,omitempty"`
	Type      string        `json:"type,omitempty"`
	Role      string        `json:"role,omitempty"`
	Status    string        `json:"status,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
	Content   []contentPart `json:"content,omitempty"`
}

type contentPart struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// inboundEvent is the envelope for every server-sent message; only the
// fields relevant to the event type are populated.
type inboundEvent struct {
	Type    string            `json:"type"`
	Session *sessionInfo      `json:"session,omitempty"`
	Part    *contentPart      `json:"part,omitempty"`
	Item    *conversationItem `json:"item,omitempty"`
	Error   *apiError         `json:"error,omitempty"`
}

type sessionInfo struct {
	ID string `json:"id"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ============================================================
// Connection lifecycle
// ============================================================

// Status tracks the per-call connection state machine.
type Status int

const (
	StatusInitializing Status = iota
	StatusConnecting
	StatusConnected
	StatusSessionReady
	StatusReconnecting
	StatusClosed
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusSessionReady:
		return "session_ready"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	}
	return "unknown"
}
