// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// bianca-bridge couples PBX calls with a realtime voice AI: caller audio
// is snooped out of Asterisk, streamed to the AI, and the AI's replies are
// played back into the call.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/rapidaai/bianca-bridge/config"
	"github.com/rapidaai/bianca-bridge/internal/ari"
	"github.com/rapidaai/bianca-bridge/internal/audiosocket"
	"github.com/rapidaai/bianca-bridge/internal/openai"
	"github.com/rapidaai/bianca-bridge/internal/pipeline"
	"github.com/rapidaai/bianca-bridge/internal/router"
	"github.com/rapidaai/bianca-bridge/internal/rtp"
	"github.com/rapidaai/bianca-bridge/internal/tracker"
	"github.com/rapidaai/bianca-bridge/internal/transcript"
	"github.com/rapidaai/bianca-bridge/pkg/commons"
)

func main() {
	v, err := config.InitConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	loggerOpts := []commons.LoggerOption{commons.WithLevel(cfg.LogLevel)}
	if cfg.LogFile != "" {
		loggerOpts = append(loggerOpts, commons.WithRotatingFile(cfg.LogFile))
	}
	logger, err := commons.NewApplicationLogger(loggerOpts...)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Infow("starting", "name", cfg.Name, "version", cfg.Version, "ingress", cfg.AudioIngress)

	// Transcripts are optional: without a DSN the nop store keeps every
	// call flowing with no persistence.
	store := transcript.NewNopStore()
	if cfg.PostgresDsn != "" {
		db, err := gorm.Open(postgres.Open(cfg.PostgresDsn), &gorm.Config{})
		if err != nil {
			logger.Errorf("postgres unavailable, transcripts disabled: %v", err)
		} else {
			store, err = transcript.NewStore(db, logger)
			if err != nil {
				logger.Errorf("transcript schema migration failed, transcripts disabled: %v", err)
				store = transcript.NewNopStore()
			}
		}
	}

	tr := tracker.New(logger)
	ssrcRegistry := rtp.NewSSRCRegistry()
	rtpSender := rtp.NewSender(logger)
	defer rtpSender.CleanupAll()

	aiClient := openai.NewClient(cfg.OpenAI, store, logger)

	ariClient := ari.NewClient(ari.Config{
		Url:                 cfg.Ari.Url,
		Username:            cfg.Ari.Username,
		Password:            cfg.Ari.Password,
		Application:         cfg.Ari.Application,
		TrunkPrefix:         cfg.Ari.TrunkPrefix,
		RtpListenerHost:     cfg.Rtp.ListenerHost,
		RtpListenerPort:     cfg.Rtp.ListenerPort,
		ExternalMediaFormat: cfg.Rtp.SendFormat,
	}, tr, logger)

	orchestrator := pipeline.New(*cfg, tr, ariClient, aiClient, rtpSender, ssrcRegistry, store, logger)
	ariClient.SetDriver(orchestrator)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ariClient.Run(ctx) })
	g.Go(func() error { return aiClient.Run(ctx) })

	if cfg.AudioIngress == config.IngressAudioSocket {
		asServer := audiosocket.NewServer(cfg.AudioSocket.ListenAddress, tr, aiClient, logger)
		g.Go(func() error { return asServer.Run(ctx) })
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router.New(*cfg, ariClient, tr, logger),
	}
	g.Go(func() error {
		logger.Infow("http listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Errorf("exited with error: %v", err)
	}
	logger.Infow("shutdown complete")
}
