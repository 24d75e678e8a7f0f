// Xbus back-end orchestrator.
//
// Serves the broker verb surface over msgpack RPC, drives envelope
// execution against registered worker and consumer processes, and
// persists envelope state to PostgreSQL with sessions in Redis.
//
// Usage:
//
//	xbus-backend                         # defaults, listen :4891
//	xbus-backend -config /etc/xbus.yaml  # explicit configuration
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xbusproject/xbus/backend"
	"github.com/xbusproject/xbus/config"
	"github.com/xbusproject/xbus/model"
	"github.com/xbusproject/xbus/observability"
	"github.com/xbusproject/xbus/session"
	"github.com/xbusproject/xbus/xbusrpc"
)

// zapLogger adapts a zap sugared logger to the Logger contract the broker
// packages share.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Debug(msg string, keysAndValues ...any) { l.s.Debugw(msg, keysAndValues...) }
func (l *zapLogger) Info(msg string, keysAndValues ...any)  { l.s.Infow(msg, keysAndValues...) }
func (l *zapLogger) Warn(msg string, keysAndValues ...any)  { l.s.Warnw(msg, keysAndValues...) }
func (l *zapLogger) Error(msg string, keysAndValues ...any) { l.s.Errorw(msg, keysAndValues...) }

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	setupDB := flag.Bool("setup", false, "create the database schema and exit")
	flag.Parse()

	zl, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	logger := &zapLogger{s: zl.Sugar()}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config_load_failed", "path", *configPath, "error", err.Error())
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("config_invalid", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := model.Connect(ctx, logger, cfg.Database.DSN, model.ConnectOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	cancel()
	if err != nil {
		logger.Error("database_connect_failed", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	if *setupDB {
		if err := model.Setup(context.Background(), db); err != nil {
			logger.Error("schema_setup_failed", "error", err.Error())
			os.Exit(1)
		}
		logger.Info("schema_ready")
		return
	}

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	sessions, err := session.Connect(ctx, cfg.Redis.Addr, cfg.Redis.DB)
	cancel()
	if err != nil {
		logger.Error("redis_connect_failed", "addr", cfg.Redis.Addr, "error", err.Error())
		os.Exit(1)
	}
	defer sessions.Close()

	if cfg.Observability.TracingOn {
		shutdown, err := observability.InitTracer("xbus-backend", cfg.Observability.OTLPEndpoint)
		if err != nil {
			logger.Error("tracer_init_failed", "error", err.Error())
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(ctx)
		}()
	}

	if cfg.Observability.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Observability.MetricsAddr, mux); err != nil {
				logger.Warn("metrics_server_failed", "error", err.Error())
			}
		}()
		logger.Info("metrics_listening", "addr", cfg.Observability.MetricsAddr)
	}

	b := backend.New(logger, cfg,
		model.NewMetadata(db), model.NewStateLog(db),
		sessions, backend.ConnectRecipient)

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	err = b.InitConsumers(ctx)
	cancel()
	if err != nil {
		logger.Error("consumers_load_failed", "error", err.Error())
		os.Exit(1)
	}

	srv := xbusrpc.NewServer(logger)
	b.BindRPC(srv)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(cfg.ListenAddr)
	}()
	logger.Info("backend_listening", "addr", cfg.ListenAddr)

	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Minute)
	err = b.RegisterOnFront(ctx)
	cancel()
	if err != nil {
		logger.Error("front_registration_failed", "front", cfg.FrontAddr, "error", err.Error())
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal_received", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("serve_failed", "error", err.Error())
		}
	}

	srv.Close()
	logger.Info("backend_stopped")
}
