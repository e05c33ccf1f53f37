// Package config provides YAML configuration loading and validation for
// both the tracer and executor programs.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TracerConfig is the top-level configuration for the tracer binary: it
// describes how to reach the executor and which rules govern forwarding.
type TracerConfig struct {
	// ExecutorAddr is the control-plane TCP address of the executor
	// (e.g. "executor.internal:7000"). Required.
	ExecutorAddr string `yaml:"executor_addr"`

	// DataAddr is the data-plane UDP address of the executor
	// (e.g. "executor.internal:7001"). Required.
	DataAddr string `yaml:"data_addr"`

	// ControlAddr is the listen address for this tracer's own
	// control-plane TCP server, where an initiator issues Spawn,
	// StartTracing, StopTracing, and Kill. Required.
	ControlAddr string `yaml:"control_addr"`

	// Rules is the ordered filter rule table; the first matching rule
	// wins. May be empty, in which case Default governs every call.
	Rules []FilterRule `yaml:"rules"`

	// Default is the decision applied when no rule matches. Defaults to
	// "continue" when omitted.
	Default string `yaml:"default"`

	// HistoryPath is the SQLite database file backing the local call
	// history store. Defaults to "./tracer-history.db" when omitted.
	HistoryPath string `yaml:"history_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server.
	// Defaults to "127.0.0.1:9100" when omitted.
	HealthAddr string `yaml:"health_addr"`
}

// FilterRule is one YAML-declared row of the filter table.
type FilterRule struct {
	// Name is a human-readable identifier (e.g. "block-exec"). Required.
	Name string `yaml:"name"`

	// Syscall restricts this rule to one syscall name; empty matches any
	// syscall.
	Syscall string `yaml:"syscall,omitempty"`

	// ArgIndex and ArgEquals, when either is non-zero, require argument
	// ArgIndex's decoded scalar value to equal ArgEquals. With both left
	// at zero no argument condition applies, so "argument 0 equals 0"
	// cannot be expressed.
	ArgIndex  int    `yaml:"arg_index,omitempty"`
	ArgEquals uint64 `yaml:"arg_equals,omitempty"`

	// PathPrefix, when non-empty, requires argument PathArgIndex's
	// decoded string content to begin with this prefix.
	PathPrefix   string `yaml:"path_prefix,omitempty"`
	PathArgIndex int    `yaml:"path_arg_index,omitempty"`

	// Decision is the verdict applied when this rule matches. Required.
	Decision string `yaml:"decision"`
}

// ExecutorConfig is the top-level configuration for the executor binary.
type ExecutorConfig struct {
	// ControlAddr is the listen address for the tracer control-plane TCP
	// server. Required.
	ControlAddr string `yaml:"control_addr"`

	// DataAddr names the executor's data-plane UDP address. Required, and
	// logged at startup; the executor does not bind it. Data-plane sockets
	// are opened per NewProcess request, on the port that request names.
	DataAddr string `yaml:"data_addr"`

	// Runner selects the syscall execution backend: "loopback" (canned
	// stub replies, safe for any environment) or "local" (executes
	// allow-listed syscalls against this host). Defaults to "loopback"
	// when omitted.
	Runner string `yaml:"runner"`

	// AllowedSyscalls must be non-empty when Runner is "local". The local
	// runner does not read it: it executes only its built-in allow-list
	// (getpid, write, read) whatever this field names. Ignored when Runner
	// is "loopback".
	AllowedSyscalls []string `yaml:"allowed_syscalls,omitempty"`

	// IntrospectAddr is the listen address for the optional REST
	// introspection API. Empty disables it.
	IntrospectAddr string `yaml:"introspect_addr,omitempty"`

	// IntrospectJWTPublicKeyPath, when non-empty, points at a PEM-encoded
	// RSA public key; /sessions and /stats then require a valid RS256
	// bearer token verifiable against it. Empty leaves those endpoints
	// open alongside /healthz.
	IntrospectJWTPublicKeyPath string `yaml:"introspect_jwt_public_key_path,omitempty"`

	// DebugGRPCAddr, when non-empty, starts the optional DebugService
	// gRPC listener at this address.
	DebugGRPCAddr string `yaml:"debug_grpc_addr,omitempty"`

	// LogLevel sets the minimum log severity. Defaults to "info".
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the bare /healthz HTTP server,
	// always on regardless of IntrospectAddr. Defaults to
	// "127.0.0.1:9101" when omitted.
	HealthAddr string `yaml:"health_addr"`
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validDecisions = map[string]bool{
	"continue": true, "forward_entry": true, "forward_exit": true,
	"inspect_exit": true, "log_local": true, "no_exec": true, "kill": true,
}

var validRunners = map[string]bool{"loopback": true, "local": true}

// LoadTracerConfig reads, defaults, and validates a TracerConfig from the
// YAML file at path.
func LoadTracerConfig(path string) (*TracerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	var cfg TracerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	applyTracerDefaults(&cfg)
	if err := validateTracer(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

func applyTracerDefaults(cfg *TracerConfig) {
	if cfg.Default == "" {
		cfg.Default = "continue"
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = "./tracer-history.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9100"
	}
}

func validateTracer(cfg *TracerConfig) error {
	var errs []error
	if cfg.ExecutorAddr == "" {
		errs = append(errs, errors.New("executor_addr is required"))
	}
	if cfg.DataAddr == "" {
		errs = append(errs, errors.New("data_addr is required"))
	}
	if cfg.ControlAddr == "" {
		errs = append(errs, errors.New("control_addr is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validDecisions[cfg.Default] {
		errs = append(errs, fmt.Errorf("default %q is not a recognized decision", cfg.Default))
	}
	for i, r := range cfg.Rules {
		prefix := fmt.Sprintf("rules[%d]", i)
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if !validDecisions[r.Decision] {
			errs = append(errs, fmt.Errorf("%s: decision %q is not recognized", prefix, r.Decision))
		}
	}
	return errors.Join(errs...)
}

// LoadExecutorConfig reads, defaults, and validates an ExecutorConfig from
// the YAML file at path.
func LoadExecutorConfig(path string) (*ExecutorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	var cfg ExecutorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	applyExecutorDefaults(&cfg)
	if err := validateExecutor(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

func applyExecutorDefaults(cfg *ExecutorConfig) {
	if cfg.Runner == "" {
		cfg.Runner = "loopback"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9101"
	}
}

func validateExecutor(cfg *ExecutorConfig) error {
	var errs []error
	if cfg.ControlAddr == "" {
		errs = append(errs, errors.New("control_addr is required"))
	}
	if cfg.DataAddr == "" {
		errs = append(errs, errors.New("data_addr is required"))
	}
	if !validRunners[cfg.Runner] {
		errs = append(errs, fmt.Errorf("runner %q must be one of: loopback, local", cfg.Runner))
	}
	if cfg.Runner == "local" && len(cfg.AllowedSyscalls) == 0 {
		errs = append(errs, errors.New("allowed_syscalls must be non-empty when runner is \"local\""))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	return errors.Join(errs...)
}
