// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package pipeline binds the control plane, audio ingress, AI client and
// audio egress for one call: media setup on admission, AI event fan-out
// while streaming, and the teardown sequence at the end.
package pipeline

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rapidaai/bianca-bridge/config"
	"github.com/rapidaai/bianca-bridge/internal/ari"
	"github.com/rapidaai/bianca-bridge/internal/audio"
	"github.com/rapidaai/bianca-bridge/internal/openai"
	"github.com/rapidaai/bianca-bridge/internal/tracker"
	"github.com/rapidaai/bianca-bridge/internal/transcript"
	"github.com/rapidaai/bianca-bridge/pkg/commons"
)

// ControlPlane is the slice of the PBX client the orchestrator drives.
type ControlPlane interface {
	CreateMixingBridge(name string) (*ari.Bridge, error)
	AddToBridge(bridgeID, channelID string) error
	RecordBridge(bridgeID, name string) (*ari.LiveRecording, error)
	SnoopChannel(channelID string) (*ari.Channel, error)
	Hangup(channelID string) error
	DestroyBridge(bridgeID string) error
	PlayMedia(channelID, mediaRef string) (*ari.Playback, error)
	UploadSound(soundID, format string, data []byte) error
}

// AIClient is the realtime session surface the orchestrator needs.
type AIClient interface {
	Initialize(correlationID, channelID, instructions, conversationID string, notify openai.Notifier) error
	Disconnect(correlationID string)
}

// RTPEgress returns AI audio to the PBX over RTP when a per-call stream
// has been attached; otherwise playback via sound assets is used.
type RTPEgress interface {
	Initialize(correlationID, host string, port int, format audio.Format) error
	SendAudio(correlationID, muLawBase64 string) error
	HasStream(correlationID string) bool
	Cleanup(correlationID string)
}

// SSRCRegistry is the ingress demux mapping the orchestrator clears on
// call end.
type SSRCRegistry interface {
	Unregister(ssrc uint32)
}

// Orchestrator implements ari.Driver.
type Orchestrator struct {
	cfg         config.AppConfig
	logger      commons.Logger
	tracker     *tracker.Tracker
	cp          ControlPlane
	aiClient    AIClient
	rtpEgress   RTPEgress
	ssrc        SSRCRegistry
	transcripts transcript.Store
}

// New wires the orchestrator. transcripts must not be nil; pass the nop
// store when persistence is disabled.
func New(
	cfg config.AppConfig,
	tr *tracker.Tracker,
	cp ControlPlane,
	aiClient AIClient,
	rtpEgress RTPEgress,
	ssrc SSRCRegistry,
	transcripts transcript.Store,
	logger commons.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		tracker:     tr,
		cp:          cp,
		aiClient:    aiClient,
		rtpEgress:   rtpEgress,
		ssrc:        ssrc,
		transcripts: transcripts,
	}
}

// ============================================================
// Setup
// ============================================================

// SetupMediaPipeline prepares everything a just-answered call needs:
// transcript record, mixing bridge with recording, AI session, and the
// configured audio ingress. Any hard failure bubbles up so the event
// handler can tear the call down.
func (o *Orchestrator) SetupMediaPipeline(channelID, correlationID, patientID string) error {
	rec := o.tracker.Get(channelID)
	if rec == nil {
		return fmt.Errorf("pipeline: channel %s not tracked", channelID)
	}
	aiKey := rec.AIKey()

	// Transcript linkage is best-effort; calls proceed without it.
	conversationID, err := o.transcripts.FindOrCreateConversation(correlationID, patientID, time.Now())
	if err != nil {
		o.logger.Warnw("transcript unavailable, continuing without", "channel", channelID, "error", err)
		conversationID = ""
	}

	bridge, err := o.cp.CreateMixingBridge("call-" + channelID)
	if err != nil {
		return fmt.Errorf("pipeline: create bridge: %w", err)
	}
	recordingName := fmt.Sprintf("call-%s-%d", channelID, time.Now().Unix())
	o.tracker.Update(channelID, func(r *tracker.CallRecord) {
		r.State = tracker.StatePipelineSetup
		r.MainBridgeID = bridge.Id
		r.ConversationID = conversationID
		r.RecordingName = recordingName
	})

	if _, err := o.cp.RecordBridge(bridge.Id, recordingName); err != nil {
		o.logger.Warnw("bridge recording unavailable", "channel", channelID, "error", err)
	}

	if err := o.cp.AddToBridge(bridge.Id, channelID); err != nil {
		return fmt.Errorf("pipeline: add channel to bridge: %w", err)
	}
	o.tracker.Update(channelID, func(r *tracker.CallRecord) {
		r.State = tracker.StateMediaBridged
	})

	if err := o.aiClient.Initialize(aiKey, channelID, o.cfg.OpenAI.InitialPrompt, conversationID, o.handleAIEvent); err != nil {
		return fmt.Errorf("pipeline: ai session: %w", err)
	}
	o.tracker.Update(channelID, func(r *tracker.CallRecord) {
		r.State = tracker.StateAwaitingAISession
	})

	if err := o.startIngress(channelID, aiKey); err != nil {
		return err
	}

	o.logger.Infow("media pipeline ready", "channel", channelID,
		"correlation", correlationID, "bridge", bridge.Id, "ingress", o.cfg.AudioIngress)
	return nil
}

// startIngress arms the configured audio path. The snoop StasisStart event
// completes the external-media wiring; the AudioSocket path only needs the
// UUID binding in place before the PBX dials in.
func (o *Orchestrator) startIngress(channelID, aiKey string) error {
	if o.cfg.AudioIngress == config.IngressAudioSocket {
		uid := aiKey
		if _, err := uuid.Parse(uid); err != nil {
			uid = uuid.NewString()
		}
		o.tracker.BindUUID(channelID, uid)
		o.tracker.Update(channelID, func(r *tracker.CallRecord) {
			r.SnoopMethod = tracker.SnoopAudioSocket
		})
		o.logger.Infow("audiosocket ingress armed", "channel", channelID, "uuid", uid)
		return nil
	}

	snoop, err := o.cp.SnoopChannel(channelID)
	if err != nil {
		return fmt.Errorf("pipeline: snoop channel: %w", err)
	}
	o.tracker.Update(channelID, func(r *tracker.CallRecord) {
		r.SnoopChannelID = snoop.Id
		r.SnoopMethod = tracker.SnoopExternalMedia
	})
	return nil
}

// AttachRTPEgress switches one call's return path from playback to RTP,
// targeting a peer address learned out of band (e.g. symmetric RTP).
func (o *Orchestrator) AttachRTPEgress(channelID, host string, port int) error {
	rec := o.tracker.Get(channelID)
	if rec == nil {
		return fmt.Errorf("pipeline: channel %s not tracked", channelID)
	}
	format := audio.FormatMuLaw
	if o.cfg.Rtp.SendFormat == "slin" {
		format = audio.FormatPCM16
	}
	return o.rtpEgress.Initialize(rec.AIKey(), host, port, format)
}

// ============================================================
// AI event fan-out
// ============================================================

func (o *Orchestrator) handleAIEvent(channelID, event string, payload map[string]any) {
	switch event {
	case openai.NotifySessionReady:
		o.tracker.Update(channelID, func(r *tracker.CallRecord) {
			r.State = tracker.StateStreaming
		})

	case openai.NotifyAudioChunk:
		muLawBase64, _ := payload["audio"].(string)
		if muLawBase64 == "" {
			return
		}
		o.playAudio(channelID, muLawBase64)

	case openai.NotifyTextMessage:
		o.logger.Debugw("ai text", "channel", channelID, "role", payload["role"])

	case openai.NotifyFunctionCall:
		o.logger.Infow("ai function call", "channel", channelID,
			"name", payload["name"], "id", payload["functionCallId"])

	case openai.NotifyMaxReconnectFailed:
		o.logger.Errorw("ai session unrecoverable, ending call", "channel", channelID)
		o.Cleanup(channelID, "openai reconnect exhausted")
	}
}

// playbackRemoveGraceMs pads the temp-file lifetime past the chunk's play
// time: with the sound:!<path> fallback Asterisk streams the file after
// PlayMedia has already returned.
const playbackRemoveGraceMs = 500

// playAudio returns one AI audio chunk to the caller. RTP egress wins when
// a stream is attached; otherwise the chunk is uploaded as a sound asset
// and played into the channel. Playback failures are per-chunk; the call
// survives them.
func (o *Orchestrator) playAudio(channelID, muLawBase64 string) {
	rec := o.tracker.Get(channelID)
	if rec == nil {
		return
	}
	aiKey := rec.AIKey()

	if o.rtpEgress != nil && o.rtpEgress.HasStream(aiKey) {
		if err := o.rtpEgress.SendAudio(aiKey, muLawBase64); err != nil {
			o.logger.Warnw("rtp egress failed", "channel", channelID, "error", err)
		}
		return
	}

	muLaw, err := base64.StdEncoding.DecodeString(muLawBase64)
	if err != nil {
		o.logger.Warnw("undecodable ai audio chunk", "channel", channelID, "error", err)
		return
	}

	tmp, err := os.CreateTemp("", "ai-audio-*.ulaw")
	if err != nil {
		o.logger.Warnw("temp file for playback failed", "channel", channelID, "error", err)
		return
	}
	tmpPath := tmp.Name()
	hold := time.Duration(len(muLaw)/8+playbackRemoveGraceMs) * time.Millisecond
	defer time.AfterFunc(hold, func() { _ = os.Remove(tmpPath) })
	if _, err := tmp.Write(muLaw); err != nil {
		tmp.Close()
		o.logger.Warnw("temp file write failed", "channel", channelID, "error", err)
		return
	}
	tmp.Close()

	soundID := "ai-" + uuid.NewString()
	if err := o.cp.UploadSound(soundID, "ulaw", muLaw); err != nil {
		// Fall back to playing the local temp file directly.
		o.logger.Warnw("sound upload failed, playing local file", "channel", channelID, "error", err)
		if _, err := o.cp.PlayMedia(channelID, "sound:!"+tmpPath); err != nil {
			o.logger.Warnw("fallback playback failed", "channel", channelID, "error", err)
		}
		return
	}
	if _, err := o.cp.PlayMedia(channelID, "sound:"+soundID); err != nil {
		o.logger.Warnw("playback failed", "channel", channelID, "sound", soundID, "error", err)
	}
}

// ============================================================
// Teardown
// ============================================================

// Cleanup releases everything a call holds. Each step is best-effort; 404s
// are swallowed inside the control-plane client. The tracker removal up
// front makes double cleanup a no-op.
func (o *Orchestrator) Cleanup(channelID, reason string) {
	rec := o.tracker.Remove(channelID)
	if rec == nil {
		return
	}
	aiKey := rec.AIKey()
	o.logger.Infow("cleaning up call", "channel", channelID, "reason", reason)

	if rec.SSRCKnown && o.ssrc != nil {
		o.ssrc.Unregister(rec.RtpIngressSSRC)
	}

	if rec.SnoopChannelID != "" {
		if err := o.cp.Hangup(rec.SnoopChannelID); err != nil {
			o.logger.Warnw("snoop hangup failed", "channel", rec.SnoopChannelID, "error", err)
		}
	}
	if rec.SnoopBridgeID != "" {
		if err := o.cp.DestroyBridge(rec.SnoopBridgeID); err != nil {
			o.logger.Warnw("snoop bridge destroy failed", "bridge", rec.SnoopBridgeID, "error", err)
		}
	}
	if err := o.cp.Hangup(rec.MainChannelID); err != nil {
		o.logger.Warnw("main hangup failed", "channel", rec.MainChannelID, "error", err)
	}
	if rec.MainBridgeID != "" {
		if err := o.cp.DestroyBridge(rec.MainBridgeID); err != nil {
			o.logger.Warnw("main bridge destroy failed", "bridge", rec.MainBridgeID, "error", err)
		}
	}
	if rec.LocalChannelID != "" {
		if err := o.cp.Hangup(rec.LocalChannelID); err != nil {
			o.logger.Warnw("local channel hangup failed", "channel", rec.LocalChannelID, "error", err)
		}
	}

	o.aiClient.Disconnect(aiKey)
	if o.rtpEgress != nil {
		o.rtpEgress.Cleanup(aiKey)
	}

	if rec.ConversationID != "" {
		if err := o.transcripts.Complete(rec.ConversationID, time.Now()); err != nil {
			o.logger.Warnw("transcript completion failed", "conversation", rec.ConversationID, "error", err)
		}
	}
	o.logger.Infow("call cleaned up", "channel", channelID)
}
