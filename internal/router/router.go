// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package router exposes the service's HTTP surface: liveness, readiness
// and a small status view over active calls.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/bianca-bridge/config"
	"github.com/rapidaai/bianca-bridge/internal/tracker"
	"github.com/rapidaai/bianca-bridge/pkg/commons"
)

// ControlPlaneStatus reports whether the PBX event socket is up.
type ControlPlaneStatus interface {
	Connected() bool
}

// New builds the gin engine.
func New(cfg config.AppConfig, cp ControlPlaneStatus, tr *tracker.Tracker, logger commons.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"name":    cfg.Name,
			"version": cfg.Version,
		})
	})

	engine.GET("/readyz", func(c *gin.Context) {
		if !cp.Connected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"reason": "control plane disconnected",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ready",
			"activeCalls": tr.Count(),
		})
	})

	return engine
}
