// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package ari

// Config holds the Asterisk REST Interface connection settings plus the
// externalMedia target the snoop handler points Asterisk at.
type Config struct {
	Url         string
	Username    string
	Password    string
	Application string
	TrunkPrefix string

	// RtpListenerHost/Port is where Asterisk streams snooped audio.
	RtpListenerHost string
	RtpListenerPort int
	// ExternalMediaFormat is the negotiated format: "ulaw" or "slin".
	ExternalMediaFormat string
}

// Channel is the ARI channel resource subset the bridge consumes.
type Channel struct {
	Id     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Caller struct {
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"caller"`
}

// Bridge is the ARI bridge resource subset the bridge consumes.
type Bridge struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

// Playback is the ARI playback resource subset the bridge consumes.
type Playback struct {
	Id string `json:"id"`
}

// LiveRecording is the ARI recording resource subset the bridge consumes.
type LiveRecording struct {
	Name string `json:"name"`
}

// Event is the envelope of every ARI websocket event.
type Event struct {
	Type        string  `json:"type"`
	Application string  `json:"application"`
	Channel     Channel `json:"channel"`
	// Cause / CauseTxt are present on ChannelDestroyed.
	Cause    int    `json:"cause,omitempty"`
	CauseTxt string `json:"cause_txt,omitempty"`
	// Digit is present on ChannelDtmfReceived.
	Digit string `json:"digit,omitempty"`
	// Args are the dialplan arguments on StasisStart.
	Args []string `json:"args,omitempty"`
}

// Event type names consumed from the ARI websocket.
const (
	EventStasisStart            = "StasisStart"
	EventStasisEnd              = "StasisEnd"
	EventChannelDestroyed       = "ChannelDestroyed"
	EventChannelHangupRequest   = "ChannelHangupRequest"
	EventChannelDtmfReceived    = "ChannelDtmfReceived"
	EventChannelTalkingStarted  = "ChannelTalkingStarted"
	EventChannelTalkingFinished = "ChannelTalkingFinished"
)

// Channel name prefixes used by StasisStart triage.
const (
	snoopNamePrefix      = "Snoop/"
	unicastRTPNamePrefix = "UnicastRTP/"
)

// Channel variables read at call admission.
const (
	VarCallSid   = "CALL_SID"
	VarPatientId = "PATIENT_ID"
)

// Driver is the pipeline surface the event loop hands calls to. Implemented
// by the media pipeline orchestrator.
type Driver interface {
	// SetupMediaPipeline builds the per-call pipeline after admission.
	SetupMediaPipeline(channelID, correlationID, patientID string) error
	// Cleanup tears down every resource of the call. Idempotent.
	Cleanup(channelID, reason string)
}
