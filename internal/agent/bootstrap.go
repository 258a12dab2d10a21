// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-agentd/internal/cloud"
	"github.com/jeranaias/rigrun-agentd/internal/config"
	"github.com/jeranaias/rigrun-agentd/internal/consult"
	"github.com/jeranaias/rigrun-agentd/internal/llm"
	"github.com/jeranaias/rigrun-agentd/internal/modelcfg"
	"github.com/jeranaias/rigrun-agentd/internal/ollama"
	"github.com/jeranaias/rigrun-agentd/internal/orchestrator"
	"github.com/jeranaias/rigrun-agentd/internal/router"
	"github.com/jeranaias/rigrun-agentd/internal/session"
	"github.com/jeranaias/rigrun-agentd/internal/storage"
	"github.com/jeranaias/rigrun-agentd/internal/stream"
	"github.com/jeranaias/rigrun-agentd/internal/telemetry"
	"github.com/jeranaias/rigrun-agentd/internal/tools"
)

// Runtime is a fully wired service plus the resources it owns.
type Runtime struct {
	Service *Service
	Models  *modelcfg.Registry

	closers []func() error
	cancel  context.CancelFunc
	swept   chan struct{}
}

// Close stops background work and releases resources in reverse order.
func (r *Runtime) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.swept
	}
	r.Service.Close()
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build wires every component from cfg. Background goroutines (session
// expiry, model-config watching) stop on Close.
func Build(cfg *config.Config, logger *zap.Logger) (_ *Runtime, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{}
	defer func() {
		if err != nil {
			for i := len(rt.closers) - 1; i >= 0; i-- {
				_ = rt.closers[i]()
			}
		}
	}()

	// Model client
	models := modelcfg.NewRegistry(logger.Named("modelcfg"))
	rt.Models = models
	var base llm.ModelClient
	switch strings.ToLower(cfg.Provider.Type) {
	case "mock":
		base = llm.EchoClient{}
	case "openai":
		if cfg.Models.File == "" {
			return nil, fmt.Errorf("provider %q requires models.file", cfg.Provider.Type)
		}
		if err := models.LoadFile(cfg.Models.File); err != nil {
			return nil, err
		}
		if cfg.Models.Watch {
			w, err := modelcfg.NewWatcher(models, 0, logger.Named("modelcfg"))
			if err != nil {
				return nil, err
			}
			if err := w.Watch(); err != nil {
				_ = w.Close()
				return nil, err
			}
			rt.closers = append(rt.closers, w.Close)
		}
		base = cloud.NewClient(models, logger.Named("cloud"))
	case "ollama":
		oc := ollama.NewClient(cfg.Provider.OllamaURL, logger.Named("ollama")).
			WithDefaultModel(cfg.Routing.StandardModel)
		checkCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := oc.CheckRunning(checkCtx); err != nil {
			logger.Warn("ollama not reachable, calls will fail until it starts",
				zap.String("url", cfg.Provider.OllamaURL), zap.Error(err))
		}
		cancel()
		base = oc
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Provider.Type)
	}
	meter := telemetry.NewMeter()
	client := meter.Wrap(llm.NewRetryableClient(base, llm.RetryPolicy{
		AttemptTimeout: cfg.Provider.AttemptTimeout(),
		MaxRetries:     cfg.Provider.MaxRetries,
		BaseDelay:      cfg.Provider.RetryBaseDelay(),
		MaxDelay:       cfg.Provider.RetryMaxDelay(),
	}, logger.Named("llm")))

	// Conversation store
	var store storage.ConversationStore
	if cfg.Storage.ConversationDB != "" {
		db, err := storage.OpenSQLite(cfg.Storage.ConversationDB)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, db.Close)
		store = db
	}

	// Tools
	registry := tools.NewRegistry(logger.Named("tools")).
		WithTimeout(cfg.Orchestration.ToolTimeout()).
		WithMaxOutputBytes(cfg.Tools.MaxOutputBytes)
	opts := tools.BuiltinOptions{
		WebSearch: cfg.Tools.WebSearch,
		WebFetch:  cfg.Tools.WebFetch,
		Store:     store,
	}
	if cfg.Tools.AnalyticsDB != "" {
		q, err := tools.OpenDataQuery(context.Background(), cfg.Tools.AnalyticsDB)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, q.Close)
		opts.DataQuery = q
	}
	if err := tools.RegisterBuiltins(registry, opts); err != nil {
		return nil, err
	}

	// Consultation
	var extra []consult.Persona
	for _, p := range cfg.Personas {
		extra = append(extra, consult.Persona{
			ID:           p.ID,
			Name:         p.Name,
			Domains:      p.Domains,
			Keywords:     p.Keywords,
			SystemPrompt: p.SystemPrompt,
			Capabilities: p.Capabilities,
		})
	}
	catalog, err := consult.DefaultCatalog(extra...)
	if err != nil {
		return nil, fmt.Errorf("invalid personas: %w", err)
	}

	loop := orchestrator.New(client, registry, store, orchestrator.Config{
		ToolConcurrency: cfg.Orchestration.ToolConcurrency,
		Prompts: map[router.Strategy]string{
			router.StrategyDirect:     cfg.Orchestration.DirectPrompt,
			router.StrategySingleTool: cfg.Orchestration.SinglePrompt,
			router.StrategyFull:       cfg.Orchestration.FullPrompt,
		},
		Models: map[router.Tier]string{
			router.TierFast:     cfg.Routing.FastModel,
			router.TierStandard: cfg.Routing.StandardModel,
			router.TierLarge:    cfg.Routing.LargeModel,
		},
	}, logger.Named("orchestrator"))

	panel := consult.New(client, catalog, consult.Config{
		MaxPersonas: cfg.Consultation.MaxPersonas,
		Concurrency: cfg.Consultation.Concurrency,
		Model:       cfg.Routing.LargeModel,
	}, logger.Named("consult"))

	sessions := session.NewManager(session.Config{TTL: cfg.Server.SessionTTL()}, logger.Named("session"))
	hub := stream.NewHub(cfg.Stream.Heartbeat(), cfg.Stream.SubscriberBuffer, logger.Named("stream"))

	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.swept = make(chan struct{})
	go func() {
		defer close(rt.swept)
		sessions.Run(ctx)
	}()

	rt.Service = New(Deps{
		Router:   router.New(cfg.Orchestration.MaxRounds),
		Loop:     loop,
		Consult:  panel,
		Tools:    registry,
		Sessions: sessions,
		Hub:      hub,
		Usage:    meter,
		Logger:   logger,
	})

	logger.Info("agent service ready",
		zap.String("provider", cfg.Provider.Type),
		zap.Strings("tools", registry.Names()),
		zap.Int("personas", catalog.Len()),
		zap.Bool("persistence", store != nil))
	return rt, nil
}
