// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package ari is the PBX control-plane client: a long-lived websocket
// subscription for Stasis events plus REST commands for channel, bridge,
// playback, recording, snoop and externalMedia operations.
package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/bianca-bridge/internal/tracker"
	"github.com/rapidaai/bianca-bridge/pkg/commons"
)

const (
	reconnectBase    = 3 * time.Second
	reconnectFactor  = 1.5
	reconnectCap     = 30 * time.Second
	reconnectRetries = 10
)

// Client owns the control-plane websocket and the REST command surface.
type Client struct {
	cfg     Config
	logger  commons.Logger
	tracker *tracker.Tracker
	rest    *resty.Client

	mu        sync.Mutex
	ws        *websocket.Conn
	driver    Driver
	connected bool

	dialer *websocket.Dialer
	wait   func(ctx context.Context, d time.Duration) error
}

// NewClient constructs the control client. The Driver is attached later via
// SetDriver because the orchestrator needs the command surface first.
func NewClient(cfg Config, tr *tracker.Tracker, logger commons.Logger) *Client {
	rest := resty.New().
		SetBaseURL(cfg.Url).
		SetBasicAuth(cfg.Username, cfg.Password).
		SetTimeout(10 * time.Second)

	return &Client{
		cfg:     cfg,
		logger:  logger,
		tracker: tr,
		rest:    rest,
		dialer:  websocket.DefaultDialer,
		wait:    waitFor,
	}
}

func waitFor(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetDriver attaches the pipeline orchestrator.
func (c *Client) SetDriver(d Driver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.driver = d
}

// Connected reports whether the event websocket is currently up. Used by
// the readiness probe.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// eventsURL derives the ws(s):// events endpoint from the configured REST
// URL, carrying app subscription and credentials as query parameters.
func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.cfg.Url)
	if err != nil {
		return "", fmt.Errorf("parse ari url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ari/events"
	q := u.Query()
	q.Set("app", c.cfg.Application)
	q.Set("api_key", c.cfg.Username+":"+c.cfg.Password)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects to the control plane and dispatches events until the context
// is cancelled. Connection errors trigger reconnects with exponential
// backoff (base 3s, factor 1.5, cap 30s); after 10 consecutive failures the
// client gives up and returns the last error. Existing call records are
// preserved across control-plane reconnects.
func (c *Client) Run(ctx context.Context) error {
	wsURL, err := c.eventsURL()
	if err != nil {
		return err
	}

	attempt := 0
	delay := reconnectBase
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ws, _, err := c.dialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			attempt++
			if attempt >= reconnectRetries {
				return fmt.Errorf("ari: giving up after %d connect attempts: %w", attempt, err)
			}
			c.logger.Warnw("ari connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
			if err := c.wait(ctx, delay); err != nil {
				return err
			}
			delay = time.Duration(float64(delay) * reconnectFactor)
			if delay > reconnectCap {
				delay = reconnectCap
			}
			continue
		}

		attempt = 0
		delay = reconnectBase
		c.mu.Lock()
		c.ws = ws
		c.connected = true
		c.mu.Unlock()
		c.logger.Infow("ari connected", "application", c.cfg.Application)

		// readLoop only returns when the socket dies, so a watcher closes it
		// when the context ends.
		watcherDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = ws.Close()
			case <-watcherDone:
			}
		}()

		err = c.readLoop(ws)
		close(watcherDone)
		c.mu.Lock()
		c.connected = false
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warnw("ari event stream lost, reconnecting", "error", err)
	}
}

// Close tears down the event websocket.
func (c *Client) Close() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Warnw("ari: dropping malformed event", "error", err)
			continue
		}
		c.dispatch(&evt)
	}
}

// dispatch routes a single control-plane event. Slow work (pipeline setup,
// cleanup) runs on its own goroutine so the event stream never stalls.
func (c *Client) dispatch(evt *Event) {
	switch evt.Type {
	case EventStasisStart:
		c.handleStasisStart(evt)
	case EventStasisEnd, EventChannelDestroyed, EventChannelHangupRequest:
		c.handleChannelGone(evt)
	case EventChannelDtmfReceived:
		c.logger.Infow("dtmf received", "channel", evt.Channel.Id, "digit", evt.Digit)
	case EventChannelTalkingStarted, EventChannelTalkingFinished:
		c.logger.Debugw("talking event", "type", evt.Type, "channel", evt.Channel.Id)
	default:
		c.logger.Debugw("ignoring ari event", "type", evt.Type)
	}
}

// handleStasisStart triages a channel entering the application by name
// prefix: our own snoop legs get externalMedia, trunk channels are admitted
// as calls, UnicastRTP transport legs are ignored, everything else is hung
// up immediately.
func (c *Client) handleStasisStart(evt *Event) {
	ch := evt.Channel

	switch {
	case strings.HasPrefix(ch.Name, unicastRTPNamePrefix):
		return

	case strings.HasPrefix(ch.Name, snoopNamePrefix):
		go c.handleSnoopStart(ch)

	case strings.HasPrefix(ch.Name, c.cfg.TrunkPrefix):
		go c.handleTrunkStart(ch)

	default:
		c.logger.Warnw("unexpected channel entered application, hanging up",
			"channel", ch.Id, "name", ch.Name)
		if err := c.Hangup(ch.Id); err != nil {
			c.logger.Errorw("failed to hang up unexpected channel", "channel", ch.Id, "error", err)
		}
	}
}

// handleSnoopStart wires a snoop leg: answer, create the snoop bridge,
// start externalMedia toward the RTP listener and join both legs. Any
// failure cascades into full cleanup of the parent call.
func (c *Client) handleSnoopStart(ch Channel) {
	parent := c.tracker.FindSnoopParent(ch.Id)
	if parent == nil {
		c.logger.Warnw("snoop channel with no tracked parent, hanging up", "channel", ch.Id)
		_ = c.Hangup(ch.Id)
		return
	}
	if parent.SnoopMethod != tracker.SnoopExternalMedia {
		return
	}

	if err := c.wireSnoop(parent.ChannelID, ch.Id); err != nil {
		c.logger.Errorw("snoop media setup failed, cascading cleanup",
			"channel", parent.ChannelID, "snoop", ch.Id, "error", err)
		if d := c.currentDriver(); d != nil {
			d.Cleanup(parent.ChannelID, "snoop setup failed")
		}
	}
}

func (c *Client) wireSnoop(parentID, snoopID string) error {
	if err := c.Answer(snoopID); err != nil {
		return err
	}

	bridge, err := c.CreateMixingBridge("snoop-" + parentID)
	if err != nil {
		return err
	}
	c.tracker.Update(parentID, func(r *tracker.CallRecord) {
		r.SnoopBridgeID = bridge.Id
	})

	media, err := c.ExternalMedia()
	if err != nil {
		return err
	}
	c.tracker.Update(parentID, func(r *tracker.CallRecord) {
		r.LocalChannelID = media.Id
	})

	if err := c.AddToBridge(bridge.Id, snoopID); err != nil {
		return err
	}
	if err := c.AddToBridge(bridge.Id, media.Id); err != nil {
		return err
	}

	c.tracker.Update(parentID, func(r *tracker.CallRecord) {
		r.State = tracker.StateExternalMediaActive
	})
	c.logger.Infow("external media active", "channel", parentID, "mediaChannel", media.Id)
	return nil
}

// handleTrunkStart admits an inbound carrier call. Both correlation and
// patient variables are mandatory; a channel without them is hung up.
func (c *Client) handleTrunkStart(ch Channel) {
	callSid, err := c.GetVariable(ch.Id, VarCallSid)
	if err != nil {
		c.logger.Errorw("failed to read call sid", "channel", ch.Id, "error", err)
	}
	patientID, err := c.GetVariable(ch.Id, VarPatientId)
	if err != nil {
		c.logger.Errorw("failed to read patient id", "channel", ch.Id, "error", err)
	}

	if callSid == "" || patientID == "" {
		c.logger.Errorw("inbound channel missing required variables, hanging up",
			"channel", ch.Id, "hasCallSid", callSid != "", "hasPatientId", patientID != "")
		_ = c.Hangup(ch.Id)
		return
	}

	if _, err := c.tracker.Admit(ch.Id, tracker.CallRecord{
		CorrelationID: callSid,
		PatientID:     patientID,
	}); err != nil {
		c.logger.Errorw("admission failed, hanging up", "channel", ch.Id, "error", err)
		_ = c.Hangup(ch.Id)
		return
	}

	if err := c.Answer(ch.Id); err != nil {
		c.logger.Errorw("failed to answer inbound channel", "channel", ch.Id, "error", err)
		if d := c.currentDriver(); d != nil {
			d.Cleanup(ch.Id, "answer failed")
		}
		return
	}
	c.tracker.Update(ch.Id, func(r *tracker.CallRecord) {
		r.State = tracker.StateAnswered
	})

	d := c.currentDriver()
	if d == nil {
		c.logger.Errorw("no pipeline driver attached, hanging up", "channel", ch.Id)
		_ = c.Hangup(ch.Id)
		return
	}
	if err := d.SetupMediaPipeline(ch.Id, callSid, patientID); err != nil {
		c.logger.Errorw("pipeline setup failed, cleaning up", "channel", ch.Id, "error", err)
		d.Cleanup(ch.Id, "pipeline setup failed")
	}
}

// handleChannelGone reacts to StasisEnd / ChannelDestroyed /
// ChannelHangupRequest: main channels trigger the cleanup DAG, known snoop
// legs only clear the parent's snoop handle, everything else is ignored.
func (c *Client) handleChannelGone(evt *Event) {
	chID := evt.Channel.Id

	if rec := c.tracker.Get(chID); rec != nil {
		c.logger.Infow("main channel gone", "channel", chID, "event", evt.Type, "cause", evt.CauseTxt)
		if d := c.currentDriver(); d != nil {
			go d.Cleanup(chID, strings.ToLower(evt.Type))
		}
		return
	}

	if parent := c.tracker.FindSnoopParent(chID); parent != nil {
		c.logger.Debugw("snoop channel gone", "snoop", chID, "channel", parent.ChannelID)
		c.tracker.Update(parent.ChannelID, func(r *tracker.CallRecord) {
			r.SnoopChannelID = ""
		})
	}
}

func (c *Client) currentDriver() Driver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driver
}
