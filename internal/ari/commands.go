// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package ari

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"
)

// REST command surface. Every destructive command tolerates 404 ("already
// gone") silently so that cleanup paths can run best-effort.

// Answer answers a channel.
func (c *Client) Answer(channelID string) error {
	resp, err := c.rest.R().Post(fmt.Sprintf("/ari/channels/%s/answer", channelID))
	return c.checkResponse(resp, err, "answer channel "+channelID, false)
}

// Hangup hangs up a channel. A missing channel is treated as success.
func (c *Client) Hangup(channelID string) error {
	resp, err := c.rest.R().Delete(fmt.Sprintf("/ari/channels/%s", channelID))
	return c.checkResponse(resp, err, "hangup channel "+channelID, true)
}

// GetVariable reads a channel variable. Returns "" when the variable is not
// set on the channel.
func (c *Client) GetVariable(channelID, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	resp, err := c.rest.R().
		SetQueryParam("variable", name).
		SetResult(&out).
		Get(fmt.Sprintf("/ari/channels/%s/variable", channelID))
	if err != nil {
		return "", fmt.Errorf("get variable %s on %s: %w", name, channelID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", nil
	}
	if resp.IsError() {
		return "", fmt.Errorf("get variable %s on %s: status %d", name, channelID, resp.StatusCode())
	}
	return out.Value, nil
}

// CreateMixingBridge creates a named mixing bridge.
func (c *Client) CreateMixingBridge(name string) (*Bridge, error) {
	var bridge Bridge
	resp, err := c.rest.R().
		SetQueryParams(map[string]string{"type": "mixing", "name": name}).
		SetResult(&bridge).
		Post("/ari/bridges")
	if err := c.checkResponse(resp, err, "create bridge "+name, false); err != nil {
		return nil, err
	}
	return &bridge, nil
}

// AddToBridge puts a channel into a bridge.
func (c *Client) AddToBridge(bridgeID, channelID string) error {
	resp, err := c.rest.R().
		SetQueryParam("channel", channelID).
		Post(fmt.Sprintf("/ari/bridges/%s/addChannel", bridgeID))
	return c.checkResponse(resp, err, fmt.Sprintf("add %s to bridge %s", channelID, bridgeID), false)
}

// RecordBridge starts a wav recording on a bridge: one hour cap, no beep,
// overwrite on name collision.
func (c *Client) RecordBridge(bridgeID, name string) (*LiveRecording, error) {
	var rec LiveRecording
	resp, err := c.rest.R().
		SetQueryParams(map[string]string{
			"name":               name,
			"format":             "wav",
			"maxDurationSeconds": "3600",
			"beep":               "false",
			"ifExists":           "overwrite",
		}).
		SetResult(&rec).
		Post(fmt.Sprintf("/ari/bridges/%s/record", bridgeID))
	if err := c.checkResponse(resp, err, "record bridge "+bridgeID, false); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SnoopChannel creates a spy=in snoop on a channel under the configured
// application.
func (c *Client) SnoopChannel(channelID string) (*Channel, error) {
	var ch Channel
	resp, err := c.rest.R().
		SetQueryParams(map[string]string{
			"spy": "in",
			"app": c.cfg.Application,
		}).
		SetResult(&ch).
		Post(fmt.Sprintf("/ari/channels/%s/snoop", channelID))
	if err := c.checkResponse(resp, err, "snoop channel "+channelID, false); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ExternalMedia asks Asterisk to stream media to the configured RTP
// listener, returning the UnicastRTP transport channel.
func (c *Client) ExternalMedia() (*Channel, error) {
	var ch Channel
	resp, err := c.rest.R().
		SetQueryParams(map[string]string{
			"app":           c.cfg.Application,
			"external_host": fmt.Sprintf("%s:%d", c.cfg.RtpListenerHost, c.cfg.RtpListenerPort),
			"format":        c.cfg.ExternalMediaFormat,
			"direction":     "read",
		}).
		SetResult(&ch).
		Post("/ari/channels/externalMedia")
	if err := c.checkResponse(resp, err, "create external media channel", false); err != nil {
		return nil, err
	}
	return &ch, nil
}

// PlayMedia plays a media reference (e.g. "sound:<id>") on a channel.
func (c *Client) PlayMedia(channelID, mediaRef string) (*Playback, error) {
	var pb Playback
	resp, err := c.rest.R().
		SetQueryParam("media", mediaRef).
		SetResult(&pb).
		Post(fmt.Sprintf("/ari/channels/%s/play", channelID))
	if err := c.checkResponse(resp, err, "play media on "+channelID, false); err != nil {
		return nil, err
	}
	return &pb, nil
}

// UploadSound uploads an encoded sound asset under soundID.
func (c *Client) UploadSound(soundID, format string, data []byte) error {
	resp, err := c.rest.R().
		SetQueryParam("format", format).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data).
		Put(fmt.Sprintf("/ari/sounds/%s", soundID))
	return c.checkResponse(resp, err, "upload sound "+soundID, false)
}

// DestroyBridge destroys a bridge. A missing bridge is treated as success.
func (c *Client) DestroyBridge(bridgeID string) error {
	resp, err := c.rest.R().Delete(fmt.Sprintf("/ari/bridges/%s", bridgeID))
	return c.checkResponse(resp, err, "destroy bridge "+bridgeID, true)
}

// checkResponse normalises resty errors. When tolerate404 is set, a 404 is
// success — the resource is already gone.
func (c *Client) checkResponse(resp *resty.Response, err error, op string, tolerate404 bool) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tolerate404 && resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("%s: status %s", op, strconv.Itoa(resp.StatusCode()))
	}
	return nil
}
