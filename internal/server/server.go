// Package server exposes the research lifecycle API over HTTP: start/stop,
// session listing, report retrieval and a live SSE event stream.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/hec-ovi/open-research/config"
	"github.com/hec-ovi/open-research/internal/agents"
	"github.com/hec-ovi/open-research/internal/bus"
	"github.com/hec-ovi/open-research/internal/research"
	"github.com/hec-ovi/open-research/internal/store"
	"github.com/hec-ovi/open-research/internal/telemetry"
)

// newEcho builds the echo instance with the shared middleware stack and a
// unified JSON error handler.
func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))
	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

// Run wires every dependency from config and serves until the listener fails.
func Run(cfg *appconfig.Config) error {
	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := store.Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	st, err := store.New(ctx, dsn)
	if err != nil {
		return err
	}

	var busOpts []bus.Option
	if cfg.Storage.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		busOpts = append(busOpts, bus.WithMirror(bus.NewStreamMirror(rdb)))
	}

	var metrics *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		metrics = telemetry.New(cfg.Telemetry.Namespace)
	}
	busOpts = append(busOpts, bus.WithTelemetry(metrics))
	eventBus := bus.New(busOpts...)

	agentLogger := log.New(log.Writer(), "[AGENTS] ", log.LstdFlags)
	llm := agents.NewLLMClient(agents.LLMOptions{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	})
	search := agents.NewSerperSearch(cfg.Search.APIKey, cfg.Search.Endpoint, cfg.Search.Timeout)
	fetcher := agents.NewFetcher(30*time.Second, 0)
	stages := agents.NewStageSet(llm, search, fetcher, agentLogger)

	mgr, err := research.NewManager(st, eventBus, stages, metrics, research.ManagerOptions{
		Defaults:          cfg.Research.RunDefaults(cfg.LLM.Model),
		StageTimeout:      cfg.Research.StageTimeout,
		HeartbeatInterval: cfg.Research.HeartbeatInterval,
	})
	if err != nil {
		return err
	}
	if adopted, err := mgr.Recover(ctx); err != nil {
		log.Printf("session recovery failed: %v", err)
	} else if adopted > 0 {
		log.Printf("recovered %d interrupted session(s)", adopted)
	}

	e := newEcho()
	h := &ResearchHandler{Manager: mgr}
	h.Register(e.Group("/api/research"))

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
