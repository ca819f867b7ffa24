// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package rtp

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/bianca-bridge/internal/audio"
	"github.com/rapidaai/bianca-bridge/pkg/commons"
)

// newUDPListener binds an ephemeral UDP port and returns the conn + port.
func newUDPListener(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func readPacket(t *testing.T, conn *net.UDPConn) *pionrtp.Packet {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	var pkt pionrtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	return &pkt
}

func newTestSender(t *testing.T) *Sender {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return NewSender(logger)
}

func TestSender_MuLawFrames(t *testing.T) {
	listener, port := newUDPListener(t)
	s := newTestSender(t)
	require.NoError(t, s.Initialize("call-1", "127.0.0.1", port, audio.FormatMuLaw))
	defer s.Cleanup("call-1")

	// Two full 20ms frames of µ-law.
	payload := make([]byte, 320)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, s.SendAudio("call-1", base64.StdEncoding.EncodeToString(payload)))

	first := readPacket(t, listener)
	second := readPacket(t, listener)

	assert.Equal(t, uint8(2), first.Version)
	assert.Equal(t, uint8(payloadTypePCMU), first.PayloadType)
	assert.Len(t, first.Payload, 160)
	assert.Equal(t, payload[:160], first.Payload)
	assert.Equal(t, payload[160:], second.Payload)

	assert.Equal(t, first.SSRC, second.SSRC, "ssrc stays constant within a stream")
	assert.Equal(t, first.SequenceNumber+1, second.SequenceNumber)
	assert.Equal(t, first.Timestamp+frameSamples, second.Timestamp)
}

func TestSender_L16Transcode(t *testing.T) {
	listener, port := newUDPListener(t)
	s := newTestSender(t)
	require.NoError(t, s.Initialize("call-1", "127.0.0.1", port, audio.FormatPCM16))
	defer s.Cleanup("call-1")

	muLaw := make([]byte, 160)
	for i := range muLaw {
		muLaw[i] = 0xFF // µ-law near-silence
	}
	require.NoError(t, s.SendAudio("call-1", base64.StdEncoding.EncodeToString(muLaw)))

	pkt := readPacket(t, listener)
	assert.Equal(t, uint8(payloadTypeL16), pkt.PayloadType)
	assert.Len(t, pkt.Payload, 320, "160 samples transcoded to 16-bit")
}

func TestSender_PartialFrameIsDropped(t *testing.T) {
	listener, port := newUDPListener(t)
	s := newTestSender(t)
	require.NoError(t, s.Initialize("call-1", "127.0.0.1", port, audio.FormatMuLaw))
	defer s.Cleanup("call-1")

	// 200 bytes: one full frame goes out, the 40-byte tail is dropped.
	payload := make([]byte, 200)
	require.NoError(t, s.SendAudio("call-1", base64.StdEncoding.EncodeToString(payload)))

	pkt := readPacket(t, listener)
	assert.Len(t, pkt.Payload, 160)

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	buf := make([]byte, 2048)
	_, _, err := listener.ReadFromUDP(buf)
	assert.Error(t, err, "no second packet for a partial frame")
}

func TestSender_UnknownCorrelation(t *testing.T) {
	s := newTestSender(t)
	err := s.SendAudio("nope", base64.StdEncoding.EncodeToString(make([]byte, 160)))
	assert.Error(t, err)
}

func TestSender_BadBase64(t *testing.T) {
	_, port := newUDPListener(t)
	s := newTestSender(t)
	require.NoError(t, s.Initialize("call-1", "127.0.0.1", port, audio.FormatMuLaw))
	defer s.Cleanup("call-1")

	assert.Error(t, s.SendAudio("call-1", "%%%not-base64%%%"))
}

func TestSender_CleanupThenSendFails(t *testing.T) {
	_, port := newUDPListener(t)
	s := newTestSender(t)
	require.NoError(t, s.Initialize("call-1", "127.0.0.1", port, audio.FormatMuLaw))
	s.Cleanup("call-1")

	err := s.SendAudio("call-1", base64.StdEncoding.EncodeToString(make([]byte, 160)))
	assert.Error(t, err)
}

func TestSSRCRegistry(t *testing.T) {
	r := NewSSRCRegistry()

	r.Register(42, "call-1")
	id, ok := r.Resolve(42)
	require.True(t, ok)
	assert.Equal(t, "call-1", id)

	// First binding wins.
	r.Register(42, "call-2")
	id, _ = r.Resolve(42)
	assert.Equal(t, "call-1", id)

	r.Unregister(42)
	_, ok = r.Resolve(42)
	assert.False(t, ok)
}
