// Command server runs the image-generation gateway: the HTTP surface
// (C8) wired to the generation pipeline (C7), the rate-limit scheduler
// (C4/C3), and the upstream client cache (C5). Grounded on
// cmd/web/main.go's main/initConfig/initLogger/setupRouter shape,
// generalized from that file's viper+YAML hybrid to spec.md §6's pure-env
// configuration and this service's own routes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/ocx/nanobanana-gateway/internal/clockid"
	"github.com/ocx/nanobanana-gateway/internal/config"
	"github.com/ocx/nanobanana-gateway/internal/httpapi"
	"github.com/ocx/nanobanana-gateway/internal/metrics"
	"github.com/ocx/nanobanana-gateway/internal/pipeline"
	"github.com/ocx/nanobanana-gateway/internal/ratelimit"
	"github.com/ocx/nanobanana-gateway/internal/tracing"
	"github.com/ocx/nanobanana-gateway/internal/upstream"
)

func main() {
	log := initLogger()

	v := viper.New()
	v.AutomaticEnv()
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}
	for _, warning := range cfg.Warnings() {
		log.Warn(warning)
	}

	tracer, err := tracing.NewTracerProvider(tracing.Config{
		ServiceName:    "nanobanana-gateway",
		ServiceVersion: "0.1.0",
		Environment:    os.Getenv("ENVIRONMENT"),
	})
	if err != nil {
		log.Warnf("tracing disabled: %v", err)
		tracer = nil
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracer.Shutdown(ctx)
		}()
	}

	store := ratelimit.NewStore(clockid.NewSystemClock(), cfg.StatePath, cfg.RetryAfterSeconds, func(msg string) {
		log.Warn(msg)
	})
	scheduler := ratelimit.NewScheduler(store)

	cache := upstream.NewCache(
		func(ctx context.Context, key string, flavor upstream.Flavor) (upstream.Capability, error) {
			if flavor == upstream.FlavorDeveloper {
				return upstream.NewDeveloperClient(key, cfg.HTTPTimeoutMs), nil
			}
			return upstream.NewProjectClient(cfg.VertexProject, cfg.VertexLocation, os.Getenv("GOOGLE_ACCESS_TOKEN"), cfg.HTTPTimeoutMs), nil
		},
		func(ctx context.Context, project, location string, timeoutMs int) (upstream.Capability, error) {
			return upstream.NewProjectClient(project, location, os.Getenv("GOOGLE_ACCESS_TOKEN"), timeoutMs), nil
		},
	)

	reg := metrics.New()
	pl := pipeline.New(cfg, scheduler, cache, tracer, log)
	server := httpapi.NewServer(cfg, scheduler, pl, reg, log)
	router := httpapi.NewRouter(server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		log.Infof("nanobanana-gateway listening on port %d", cfg.ServerPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}
	log.Info("server exited")
}

func initLogger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	return log
}
