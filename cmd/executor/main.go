// Command executor is the sysbridge peer process: it accepts a tracer's
// NewProcess registration, then computes retval/errno for whatever
// syscalls that tracer forwards to it. It optionally exposes a local REST
// introspection API and a DebugService gRPC side channel for live
// visibility into forwarded calls. It loads a YAML configuration file,
// exposes a /healthz liveness endpoint, and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/tripwire/sysbridge/internal/config"
	"github.com/tripwire/sysbridge/internal/controlplane"
	"github.com/tripwire/sysbridge/internal/debugsvc"
	"github.com/tripwire/sysbridge/internal/executor"
	"github.com/tripwire/sysbridge/internal/introspect"
	"github.com/tripwire/sysbridge/proto/debugpb"
)

func main() {
	configPath := flag.String("config", "/etc/sysbridge/executor.yaml", "path to the executor YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadExecutorConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sysbridge-executor: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("control_addr", cfg.ControlAddr),
		slog.String("data_addr", cfg.DataAddr),
		slog.String("runner", cfg.Runner),
	)

	var debugServer *debugsvc.Server
	var grpcServer *grpc.Server
	if cfg.DebugGRPCAddr != "" {
		debugServer = debugsvc.NewServer(logger)
		grpcServer = grpc.NewServer()
		debugpb.RegisterDebugServiceServer(grpcServer, debugServer)
	}

	newRunner, closeRunner, err := buildRunnerFactory(cfg)
	if err != nil {
		logger.Error("failed to build runner", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeRunner()

	registry := executor.NewRegistry(newRunner, debugServer, logger)
	defer registry.Close()

	if grpcServer != nil {
		grpcLn, err := net.Listen("tcp", cfg.DebugGRPCAddr)
		if err != nil {
			logger.Error("failed to listen on debug_grpc_addr", slog.String("addr", cfg.DebugGRPCAddr), slog.Any("error", err))
			os.Exit(1)
		}
		go func() {
			logger.Info("debug grpc server listening", slog.String("addr", cfg.DebugGRPCAddr))
			if err := grpcServer.Serve(grpcLn); err != nil {
				logger.Warn("debug grpc server stopped", slog.Any("error", err))
			}
		}()
		defer grpcServer.GracefulStop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controlLn, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		logger.Error("failed to listen on control_addr", slog.String("addr", cfg.ControlAddr), slog.Any("error", err))
		os.Exit(1)
	}
	go serveControlPlane(ctx, controlLn, registry, logger)

	var introspectServer *http.Server
	if cfg.IntrospectAddr != "" {
		pubKey, err := loadJWTPublicKey(cfg.IntrospectJWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to load introspection public key", slog.Any("error", err))
			os.Exit(1)
		}
		router := introspect.NewRouter(introspect.NewServer(registry), pubKey)
		introspectServer = &http.Server{
			Addr:         cfg.IntrospectAddr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("introspection server listening", slog.String("addr", cfg.IntrospectAddr))
			if err := introspectServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("introspection server error", slog.Any("error", err))
			}
		}()
	}

	startTime := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := registry.Stats()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(healthStatus{
			Status:         "ok",
			UptimeS:        time.Since(startTime).Seconds(),
			ActiveSessions: stats.ActiveSessions,
			CallsForwarded: stats.CallsForwarded,
			CallsFailed:    stats.CallsFailed,
		})
	})
	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	cancel()
	_ = controlLn.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if introspectServer != nil {
		if err := introspectServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("introspection server shutdown error", slog.Any("error", err))
		}
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("sysbridge executor exited cleanly")
}

// buildRunnerFactory returns a constructor for the configured Runner kind
// and a cleanup func to release any shared state it holds. Each call to
// the returned factory gives a fresh worker its own Runner instance, even
// though LocalRunner's underlying scratch file is, for this demonstration
// executor, shared process-wide rather than reopened per session.
func buildRunnerFactory(cfg *config.ExecutorConfig) (newRunner func() executor.Runner, closeFn func(), err error) {
	switch cfg.Runner {
	case "local":
		local, err := executor.NewLocalRunner()
		if err != nil {
			return nil, nil, fmt.Errorf("create local runner: %w", err)
		}
		return func() executor.Runner { return local }, func() { _ = local.Close() }, nil
	default:
		return func() executor.Runner { return executor.LoopbackRunner{} }, func() {}, nil
	}
}

func serveControlPlane(ctx context.Context, ln net.Listener, registry *executor.Registry, logger *slog.Logger) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("control-plane accept failed", slog.Any("error", err))
			continue
		}
		go func() {
			conn := controlplane.NewConn(nc)
			defer conn.Close()
			if err := controlplane.ServeExecutor(conn, registry); err != nil {
				logger.Debug("control-plane connection closed", slog.Any("error", err))
			}
		}()
	}
}

// loadJWTPublicKey parses a PEM-encoded RSA public key from path. An empty
// path disables JWT enforcement on the introspection API entirely.
func loadJWTPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%q: no PEM block found", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%q: parse public key: %w", path, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%q: not an RSA public key", path)
	}
	return rsaPub, nil
}

// healthStatus is the payload returned by /healthz.
type healthStatus struct {
	Status         string  `json:"status"`
	UptimeS        float64 `json:"uptime_s"`
	ActiveSessions int     `json:"active_sessions"`
	CallsForwarded int64   `json:"calls_forwarded"`
	CallsFailed    int64   `json:"calls_failed"`
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
