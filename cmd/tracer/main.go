// Command tracer attaches to (or launches) a target process, decodes its
// syscalls against the configured filter table, and forwards whichever
// calls that table marks for forwarding to a sysbridge executor. It loads
// a YAML configuration file, registers itself with the executor's
// data-plane, serves control-plane commands for whatever process is
// driving the trace, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripwire/sysbridge/internal/arch"
	"github.com/tripwire/sysbridge/internal/backend"
	"github.com/tripwire/sysbridge/internal/config"
	"github.com/tripwire/sysbridge/internal/controlplane"
	"github.com/tripwire/sysbridge/internal/dataplane"
	"github.com/tripwire/sysbridge/internal/filter"
	"github.com/tripwire/sysbridge/internal/supervisor"
	"github.com/tripwire/sysbridge/internal/syscallrec"
	"github.com/tripwire/sysbridge/internal/tracer"
)

func main() {
	configPath := flag.String("config", "/etc/sysbridge/tracer.yaml", "path to the tracer YAML configuration file")
	program := flag.String("program", "", "program to launch under tracing immediately at startup (optional)")
	flag.Parse()
	programArgs := flag.Args()

	cfg, err := config.LoadTracerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sysbridge-tracer: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("executor_addr", cfg.ExecutorAddr),
		slog.String("data_addr", cfg.DataAddr),
		slog.String("control_addr", cfg.ControlAddr),
	)

	history, err := tracer.NewSQLiteHistory(cfg.HistoryPath)
	if err != nil {
		logger.Error("failed to open call history", slog.String("path", cfg.HistoryPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer history.Close()

	table, err := buildFilterTable(cfg)
	if err != nil {
		logger.Error("invalid filter configuration", slog.Any("error", err))
		os.Exit(1)
	}

	dataClient := dataplane.NewClient(cfg.DataAddr, logger)
	defer dataClient.Close()

	engine := &tracer.Engine{
		Desc:    arch.X8664,
		Filters: table,
		Data:    dataClient,
		History: history,
		Logger:  logger,
	}

	super := supervisor.New(arch.X8664, backend.PtraceLauncher{}, engine, logger)

	if err := registerWithExecutor(cfg, logger); err != nil {
		logger.Error("failed to register with executor", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controlLn, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		logger.Error("failed to listen on control_addr", slog.String("addr", cfg.ControlAddr), slog.Any("error", err))
		os.Exit(1)
	}
	go serveControlPlane(ctx, controlLn, super, logger)

	if *program != "" {
		resp, err := super.Spawn(controlplane.SpawnRequest{Program: *program, Args: programArgs})
		if err != nil {
			logger.Error("failed to spawn startup program", slog.String("program", *program), slog.Any("error", err))
		} else {
			logger.Info("spawned startup program",
				slog.String("program", *program), slog.String("session", resp.SessionID), slog.Int("pid", resp.PID))
			if err := super.StartTracing(controlplane.SessionRequest{SessionID: resp.SessionID}); err != nil {
				logger.Warn("failed to start tracing startup program", slog.Any("error", err))
			}
		}
	}

	startTime := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(healthStatus{
			Status:        "ok",
			UptimeS:       time.Since(startTime).Seconds(),
			ActiveTracees: super.ActiveSessions(),
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
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("sysbridge tracer exited cleanly")
}

// buildFilterTable turns the YAML-declared rule table into filter.Rules,
// compiling each rule's optional arg-equality and path-prefix conditions
// into a single Predicate.
func buildFilterTable(cfg *config.TracerConfig) (filter.Table, error) {
	rules := make([]filter.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, filter.Rule{
			Name:        r.Name,
			SyscallName: r.Syscall,
			Match:       buildPredicate(r),
			Decision:    syscallrec.Decision(r.Decision),
		})
	}
	table := filter.Table{Rules: rules, Default: syscallrec.Decision(cfg.Default)}
	if err := table.Validate(); err != nil {
		return filter.Table{}, err
	}
	return table, nil
}

func buildPredicate(r config.FilterRule) filter.Predicate {
	var preds []filter.Predicate
	if r.PathPrefix != "" {
		preds = append(preds, filter.NullBufferHasPrefix(r.PathArgIndex, r.PathPrefix))
	}
	if r.ArgIndex > 0 || r.ArgEquals != 0 {
		preds = append(preds, filter.ScalarArgEquals(r.ArgIndex, r.ArgEquals))
	}
	if len(preds) == 0 {
		return nil
	}
	return func(s *syscallrec.Syscall) bool {
		for _, p := range preds {
			if !p(s) {
				return false
			}
		}
		return true
	}
}

// registerWithExecutor dials the executor's control-plane address and
// issues the one-shot NewProcess command, telling it which data-plane
// port to bind a worker to for this tracer. TracerPort is reported as 0:
// this tracer's data-plane Client dials out from an ephemeral UDP port
// that the executor replies to as the source address of each forwarded
// call, rather than pre-announcing a fixed listen port.
func registerWithExecutor(cfg *config.TracerConfig, logger *slog.Logger) error {
	nc, err := net.Dial("tcp", cfg.ExecutorAddr)
	if err != nil {
		return fmt.Errorf("dial executor control plane %q: %w", cfg.ExecutorAddr, err)
	}
	client := controlplane.NewClient(nc)
	defer client.Close()

	_, dataPort, err := net.SplitHostPort(cfg.DataAddr)
	if err != nil {
		return fmt.Errorf("parse data_addr %q: %w", cfg.DataAddr, err)
	}
	var executorPort int
	if _, err := fmt.Sscanf(dataPort, "%d", &executorPort); err != nil {
		return fmt.Errorf("parse data_addr port %q: %w", dataPort, err)
	}

	ipv4 := localIPv4(cfg.ExecutorAddr)
	if err := client.NewProcess(ipv4, 0, executorPort); err != nil {
		return fmt.Errorf("new_process: %w", err)
	}
	logger.Info("registered with executor", slog.String("ipv4", ipv4), slog.Int("executor_port", executorPort))
	return nil
}

// localIPv4 reports the outbound address this host would use to reach
// executorAddr, by opening (and immediately closing) a UDP "connection"
// to it — the standard no-packets-sent trick for discovering the local
// route without a real handshake.
func localIPv4(executorAddr string) string {
	conn, err := net.Dial("udp", executorAddr)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func serveControlPlane(ctx context.Context, ln net.Listener, super *supervisor.Supervisor, logger *slog.Logger) {
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
			if err := controlplane.ServeOne(conn, super); err != nil {
				logger.Debug("control-plane connection closed", slog.Any("error", err))
			}
		}()
	}
}

// healthStatus is the payload returned by /healthz.
type healthStatus struct {
	Status        string  `json:"status"`
	UptimeS       float64 `json:"uptime_s"`
	ActiveTracees int     `json:"active_tracees"`
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
