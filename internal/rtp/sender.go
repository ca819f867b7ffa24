// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package rtp sends 20ms RTP frames to Asterisk for one call and keeps the
// SSRC registry the ingress demultiplexer keys on.
package rtp

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"net"
	"sync"

	pionrtp "github.com/pion/rtp"

	"github.com/rapidaai/bianca-bridge/internal/audio"
	"github.com/rapidaai/bianca-bridge/pkg/commons"
)

const (
	payloadTypePCMU = 0
	payloadTypeL16  = 11

	// frameSamples is 20ms at 8kHz; the timestamp advances by this per
	// packet regardless of payload format.
	frameSamples = 160
)

// stream is the per-call RTP send state.
type stream struct {
	conn   *net.UDPConn
	format audio.Format
	seq    uint16
	ts     uint32
	ssrc   uint32
}

// Sender owns one UDP socket and RTP sequence state per call.
type Sender struct {
	logger commons.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// NewSender constructs an empty sender.
func NewSender(logger commons.Logger) *Sender {
	return &Sender{
		logger:  logger,
		streams: make(map[string]*stream),
	}
}

// Initialize allocates the UDP socket and randomises SSRC, initial sequence
// and timestamp for one call.
func (s *Sender) Initialize(correlationID, host string, port int, format audio.Format) error {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("rtp: resolve %s:%d: %w", host, port, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("rtp: dial %s:%d: %w", host, port, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, exists := s.streams[correlationID]; exists {
		_ = old.conn.Close()
	}
	s.streams[correlationID] = &stream{
		conn:   conn,
		format: format,
		seq:    uint16(rand.Intn(1 << 16)),
		ts:     rand.Uint32(),
		ssrc:   rand.Uint32(),
	}
	s.logger.Infow("rtp stream initialised", "correlation", correlationID,
		"remote", raddr.String(), "format", format)
	return nil
}

// SendAudio packetises a µ-law base64 payload into 20ms frames and sends
// them. When the stream format is L16 the payload is transcoded first.
// There is no retransmission; a failed send aborts the remaining frames.
func (s *Sender) SendAudio(correlationID, muLawBase64 string) error {
	s.mu.Lock()
	st, ok := s.streams[correlationID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("rtp: no stream for %s", correlationID)
	}

	payload, err := base64.StdEncoding.DecodeString(muLawBase64)
	if err != nil {
		return fmt.Errorf("rtp: decode audio: %w", err)
	}

	data := payload
	frameBytes := frameSamples
	payloadType := uint8(payloadTypePCMU)
	if st.format != audio.FormatMuLaw {
		data = audio.DecodeMuLawToPCM16(payload)
		frameBytes = frameSamples * 2
		payloadType = payloadTypeL16
	}

	for off := 0; off+frameBytes <= len(data); off += frameBytes {
		pkt := pionrtp.Packet{
			Header: pionrtp.Header{
				Version:        2,
				PayloadType:    payloadType,
				SequenceNumber: st.seq,
				Timestamp:      st.ts,
				SSRC:           st.ssrc,
			},
			Payload: data[off : off+frameBytes],
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("rtp: marshal packet: %w", err)
		}
		if _, err := st.conn.Write(raw); err != nil {
			return fmt.Errorf("rtp: send: %w", err)
		}
		st.seq++
		st.ts += frameSamples
	}
	return nil
}

// HasStream reports whether a call currently has an egress stream.
func (s *Sender) HasStream(correlationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[correlationID]
	return ok
}

// Cleanup closes the socket and drops the stream state.
func (s *Sender) Cleanup(correlationID string) {
	s.mu.Lock()
	st, ok := s.streams[correlationID]
	delete(s.streams, correlationID)
	s.mu.Unlock()
	if ok {
		_ = st.conn.Close()
	}
}

// CleanupAll closes every stream; used at shutdown.
func (s *Sender) CleanupAll() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]*stream)
	s.mu.Unlock()
	for _, st := range streams {
		_ = st.conn.Close()
	}
}
