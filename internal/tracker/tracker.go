// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package tracker is the process-wide registry of live calls. It maps
// Asterisk channel ids — and, reverse-indexed, AudioSocket UUIDs — to the
// mutable per-call state record that every other component writes through.
package tracker

import (
	"errors"
	"sync"
	"time"

	"github.com/rapidaai/bianca-bridge/pkg/commons"
)

// ErrDuplicateChannel is returned when a channel id is admitted twice.
var ErrDuplicateChannel = errors.New("channel already admitted")

// CallState is the monotonic lifecycle of a call. States only advance.
type CallState int

const (
	StateAdmitted CallState = iota
	StateAnswered
	StatePipelineSetup
	StateMediaBridged
	StateAwaitingAISession
	StateExternalMediaActive // snoop answered, awaiting first RTP packet / SSRC
	StateStreaming
	StateTerminating
	StateTerminated
)

func (s CallState) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateAnswered:
		return "answered"
	case StatePipelineSetup:
		return "pipeline_setup"
	case StateMediaBridged:
		return "media_bridged"
	case StateAwaitingAISession:
		return "awaiting_ai_session"
	case StateExternalMediaActive:
		return "external_media_active_awaiting_ssrc"
	case StateStreaming:
		return "streaming"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// SnoopMethod records which ingress strategy a snoop channel serves.
type SnoopMethod string

const (
	SnoopExternalMedia SnoopMethod = "externalMedia"
	SnoopAudioSocket   SnoopMethod = "audiosocket"
)

// CallRecord is the authoritative per-call state, keyed by channel id.
// All handles are owned by the record and released by cleanup in reverse
// order of acquisition.
type CallRecord struct {
	ChannelID     string
	CorrelationID string
	PatientID     string

	State CallState

	MainChannelID  string
	SnoopChannelID string
	LocalChannelID string
	MainBridgeID   string
	SnoopBridgeID  string
	SnoopMethod    SnoopMethod

	AudioSocketUUID string
	RtpIngressSSRC  uint32
	SSRCKnown       bool

	ConversationID string
	RecordingName  string

	StartTime    time.Time
	LastActivity time.Time
}

// AIKey returns the key used for the AI connection: the correlation id when
// present, otherwise the channel id.
func (r *CallRecord) AIKey() string {
	if r.CorrelationID != "" {
		return r.CorrelationID
	}
	return r.ChannelID
}

// ResourceBundle is a read-only snapshot of the handles cleanup releases.
type ResourceBundle struct {
	ChannelID      string
	CorrelationID  string
	MainChannelID  string
	SnoopChannelID string
	LocalChannelID string
	MainBridgeID   string
	SnoopBridgeID  string
	RecordingName  string
	ConversationID string
	RtpIngressSSRC uint32
	SSRCKnown      bool
}

// Tracker is the registry. Operations are atomic per record; iteration is
// read-only.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*CallRecord
	byUUID  map[string]string // audiosocket uuid -> channel id
	logger  commons.Logger
}

// New constructs an empty tracker.
func New(logger commons.Logger) *Tracker {
	return &Tracker{
		records: make(map[string]*CallRecord),
		byUUID:  make(map[string]string),
		logger:  logger,
	}
}

// Admit inserts a new record for channelID seeded from seed. The seed's
// ChannelID field is overwritten; CorrelationID and PatientID are set once
// here and never mutated afterwards.
func (t *Tracker) Admit(channelID string, seed CallRecord) (*CallRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.records[channelID]; exists {
		return nil, ErrDuplicateChannel
	}

	rec := seed
	rec.ChannelID = channelID
	rec.MainChannelID = channelID
	rec.State = StateAdmitted
	if rec.StartTime.IsZero() {
		rec.StartTime = time.Now()
	}
	rec.LastActivity = rec.StartTime

	t.records[channelID] = &rec
	t.logger.Infow("call admitted", "channel", channelID, "correlation", rec.CorrelationID)
	return snapshot(&rec), nil
}

// Get returns a snapshot of the record, or nil when absent.
func (t *Tracker) Get(channelID string) *CallRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[channelID]
	if !ok {
		return nil
	}
	return snapshot(rec)
}

// Update applies mutator to the record under the registry lock. No-op when
// the channel is unknown. State transitions through the mutator are clamped
// to be monotonic.
func (t *Tracker) Update(channelID string, mutator func(*CallRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[channelID]
	if !ok {
		return
	}
	prev := rec.State
	mutator(rec)
	if rec.State < prev {
		rec.State = prev
	}
}

// Touch refreshes LastActivity; called on every bytes-in/bytes-out.
func (t *Tracker) Touch(channelID string) {
	t.Update(channelID, func(r *CallRecord) {
		r.LastActivity = time.Now()
	})
}

// BindUUID writes the audiosocket uuid in both directions. Cross-binding a
// uuid that already points at a different channel is rejected with a
// warning; the existing binding wins.
func (t *Tracker) BindUUID(channelID, uid string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[channelID]
	if !ok {
		return
	}
	if owner, exists := t.byUUID[uid]; exists && owner != channelID {
		t.logger.Warnw("audiosocket uuid already bound, keeping existing binding",
			"uuid", uid, "boundTo", owner, "requestedBy", channelID)
		return
	}
	rec.AudioSocketUUID = uid
	t.byUUID[uid] = channelID
}

// FindByUUID resolves an audiosocket uuid to its channel id.
func (t *Tracker) FindByUUID(uid string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.byUUID[uid]
	return ch, ok
}

// FindSnoopParent scans for the record owning channelID as its snoop
// channel. Used by the StasisStart triage for snoop legs.
func (t *Tracker) FindSnoopParent(snoopChannelID string) *CallRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range t.records {
		if rec.SnoopChannelID == snoopChannelID {
			return snapshot(rec)
		}
	}
	return nil
}

// Remove deletes the record and its uuid reverse entry, returning the final
// snapshot so cleanup can run without re-entering the lock. Returns nil on
// the second call — cleanup relies on this for idempotency.
func (t *Tracker) Remove(channelID string) *CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[channelID]
	if !ok {
		return nil
	}
	delete(t.records, channelID)
	if rec.AudioSocketUUID != "" {
		delete(t.byUUID, rec.AudioSocketUUID)
	}
	rec.State = StateTerminated
	return snapshot(rec)
}

// Resources returns a read-only snapshot of the handles for channelID.
func (t *Tracker) Resources(channelID string) *ResourceBundle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[channelID]
	if !ok {
		return nil
	}
	return &ResourceBundle{
		ChannelID:      rec.ChannelID,
		CorrelationID:  rec.CorrelationID,
		MainChannelID:  rec.MainChannelID,
		SnoopChannelID: rec.SnoopChannelID,
		LocalChannelID: rec.LocalChannelID,
		MainBridgeID:   rec.MainBridgeID,
		SnoopBridgeID:  rec.SnoopBridgeID,
		RecordingName:  rec.RecordingName,
		ConversationID: rec.ConversationID,
		RtpIngressSSRC: rec.RtpIngressSSRC,
		SSRCKnown:      rec.SSRCKnown,
	}
}

// Count returns the number of live records.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func snapshot(rec *CallRecord) *CallRecord {
	cp := *rec
	return &cp
}
