// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package audiosocket

import (
	"encoding/base64"
	"encoding/binary"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/rapidaai/bianca-bridge/internal/tracker"
	"github.com/rapidaai/bianca-bridge/pkg/commons"
	"github.com/rapidaai/bianca-bridge/pkg/utils"
)

// AudioSocket frame kinds. Wire format per frame:
// type(1) || length(2, big-endian) || payload(length).
const (
	KindHangup byte = 0x00
	KindID     byte = 0x01
	KindDTMF   byte = 0x03
	KindAudio  byte = 0x10
	KindError  byte = 0xFF
)

const headerLen = 3

// connState is the per-connection state machine.
type connState int

const (
	stateAwaitingUUID connState = iota
	stateStreaming
	stateClosed
	stateError
)

// connection handles one accepted AudioSocket stream. The first frame must
// be a UUID frame that correlates the stream to a tracked call; audio
// frames are then forwarded until hangup or error.
type connection struct {
	conn    net.Conn
	tracker *tracker.Tracker
	sink    AudioSink
	logger  commons.Logger

	state         connState
	channelID     string
	correlationID string
}

func newConnection(conn net.Conn, tr *tracker.Tracker, sink AudioSink, logger commons.Logger) *connection {
	return &connection{
		conn:    conn,
		tracker: tr,
		sink:    sink,
		logger:  logger,
		state:   stateAwaitingUUID,
	}
}

// serve runs the framing loop. The accumulator tolerates arbitrary TCP
// chunk boundaries: frames are only consumed once the full payload has
// arrived.
func (c *connection) serve() {
	defer c.close(stateClosed)

	var acc []byte
	buf := make([]byte, 4096)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			for len(acc) >= headerLen {
				payloadLen := int(binary.BigEndian.Uint16(acc[1:3]))
				total := headerLen + payloadLen
				if len(acc) < total {
					break
				}
				kind := acc[0]
				payload := acc[headerLen:total]
				acc = acc[total:]

				if !c.handleFrame(kind, payload) {
					return
				}
			}
		}
		if err != nil {
			if c.state == stateStreaming {
				c.logger.Debugw("audiosocket stream ended", "channel", c.channelID, "error", err)
			}
			return
		}
	}
}

// handleFrame processes one complete frame; returns false when the
// connection must stop.
func (c *connection) handleFrame(kind byte, payload []byte) bool {
	switch c.state {
	case stateAwaitingUUID:
		if kind != KindID {
			c.logger.Warnw("audiosocket: expected uuid frame first", "kind", kind)
			c.state = stateError
			return false
		}
		return c.handleUUID(payload)

	case stateStreaming:
		switch kind {
		case KindAudio:
			c.handleAudio(payload)
		case KindDTMF:
			c.logger.Infow("audiosocket dtmf", "channel", c.channelID, "digit", string(payload))
		case KindHangup:
			c.logger.Debugw("audiosocket terminate frame", "channel", c.channelID)
			return false
		case KindError:
			c.logger.Warnw("audiosocket error frame", "channel", c.channelID, "payload", payload)
			c.state = stateError
			return false
		default:
			// Unknown frame kinds are skipped, not fatal.
			c.logger.Debugw("audiosocket: ignoring unknown frame kind", "kind", kind)
		}
		return true
	}
	return false
}

// handleUUID correlates the connection: the payload is either 16 raw bytes
// or the 36-char ASCII form. Unknown UUIDs close the connection — only the
// control plane admits calls.
func (c *connection) handleUUID(payload []byte) bool {
	var uid string
	if len(payload) == 16 {
		formatted, err := utils.FormatBinaryUUID(payload)
		if err != nil {
			c.state = stateError
			return false
		}
		uid = formatted
	} else {
		parsed, err := uuid.Parse(strings.TrimSpace(string(payload)))
		if err != nil {
			c.logger.Warnw("audiosocket: malformed uuid frame", "payload", string(payload))
			c.state = stateError
			return false
		}
		uid = parsed.String()
	}

	channelID, ok := c.tracker.FindByUUID(uid)
	if !ok {
		c.logger.Warnw("audiosocket: uuid not tracked, closing", "uuid", uid)
		c.state = stateError
		return false
	}

	c.channelID = channelID
	c.correlationID = channelID
	if rec := c.tracker.Get(channelID); rec != nil {
		c.correlationID = rec.AIKey()
	}
	c.state = stateStreaming
	c.logger.Infow("audiosocket stream correlated", "uuid", uid, "channel", channelID)
	return true
}

// handleAudio forwards one audio frame to the AI client. AudioSocket is
// provisioned with µ-law on the dialplan side, so payloads pass through
// unchanged.
func (c *connection) handleAudio(payload []byte) {
	if len(payload) == 0 {
		return
	}
	c.tracker.Touch(c.channelID)
	if err := c.sink.SendAudio(c.correlationID, base64.StdEncoding.EncodeToString(payload)); err != nil {
		c.logger.Warnw("audiosocket: forward failed", "channel", c.channelID, "error", err)
	}
}

func (c *connection) close(final connState) {
	if c.state != stateError {
		c.state = final
	}
	_ = c.conn.Close()
}
