// Package config loads the bridge server's configuration from environment
// variables and an optional TOML file (spec §6.3 Configuration), following
// the teacher's getEnv*/fail-fast validation pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every configurable value of the bridge server.
type Config struct {
	Host string
	Port int

	AllowedOrigins []string

	// Per-action timeouts (§4.F).
	DefaultActionTimeout     time.Duration
	AccessibilityTreeTimeout time.Duration
	DOMSnapshotTimeout       time.Duration
	MinCallerTimeout         time.Duration
	MaxCallerTimeout         time.Duration

	// Size caps (§6.3).
	MaxHTML         int
	MaxText         int
	MaxDOMNodes     int
	MaxRequestBody  int
	MaxResponseBody int

	// Agent session liveness (§4.E).
	PingInterval     time.Duration
	PingTimeout      time.Duration
	FailureThreshold int

	// Session sweep / pagination cursor TTL (§4.D, §4.B).
	StaleSessionThreshold time.Duration
	CursorTTL             time.Duration

	// HTTP server timeouts. WriteTimeout is intentionally left at 0 (see
	// internal/bridge) since the /ws endpoint is a long-lived hijacked
	// connection; see the teacher's internal/server/server.go for the same
	// reasoning.
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	WSReadBufferSize  int
	WSWriteBufferSize int

	// Client dispatch throttle (supplemental, DOMAIN STACK).
	RPCRateLimit int
	RPCRateBurst int

	// Dispatch audit log (supplemental, DOMAIN STACK).
	AuditCapacity int

	LogLevel  string
	LogFormat string
}

// fileConfig mirrors the subset of Config loadable from a TOML file. Field
// names match the TOML keys lydakis-mcpx uses for its own settings file:
// lowercase, underscore-separated.
type fileConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	DefaultActionTimeoutMs     int `toml:"default_action_timeout_ms"`
	AccessibilityTreeTimeoutMs int `toml:"accessibility_tree_timeout_ms"`
	DOMSnapshotTimeoutMs       int `toml:"dom_snapshot_timeout_ms"`
	MinCallerTimeoutMs         int `toml:"min_caller_timeout_ms"`
	MaxCallerTimeoutMs         int `toml:"max_caller_timeout_ms"`

	MaxHTML         int `toml:"max_html"`
	MaxText         int `toml:"max_text"`
	MaxDOMNodes     int `toml:"max_dom_nodes"`
	MaxRequestBody  int `toml:"max_request_body"`
	MaxResponseBody int `toml:"max_response_body"`

	PingIntervalMs   int `toml:"ping_interval_ms"`
	PingTimeoutMs    int `toml:"ping_timeout_ms"`
	FailureThreshold int `toml:"failure_threshold"`

	StaleSessionThresholdMs int `toml:"stale_session_threshold_ms"`
	CursorTTLMs             int `toml:"cursor_ttl_ms"`

	RPCRateLimit  int `toml:"rpc_rate_limit"`
	RPCRateBurst  int `toml:"rpc_rate_burst"`
	AuditCapacity int `toml:"audit_capacity"`
}

// Load builds a Config from defaults, an optional TOML file (tomlPath, empty
// to skip), then environment variables, in ascending precedence, and
// validates the result fails fast rather than silently clamping (§6.3,
// grounded on original_source/rust-server/src/config/settings.rs).
func Load(tomlPath string) (*Config, error) {
	cfg := &Config{
		Host:           "0.0.0.0",
		Port:           8765,
		AllowedOrigins: nil,

		DefaultActionTimeout:     10 * time.Second,
		AccessibilityTreeTimeout: 30 * time.Second,
		DOMSnapshotTimeout:       20 * time.Second,
		MinCallerTimeout:         5 * time.Second,
		MaxCallerTimeout:         120 * time.Second,

		MaxHTML:         50_000,
		MaxText:         30_000,
		MaxDOMNodes:     500,
		MaxRequestBody:  10_000,
		MaxResponseBody: 10_000,

		PingInterval:     10 * time.Second,
		PingTimeout:      5 * time.Second,
		FailureThreshold: 3,

		StaleSessionThreshold: 30 * time.Second,
		CursorTTL:             5 * time.Minute,

		HTTPReadTimeout: 15 * time.Second,
		HTTPIdleTimeout: 60 * time.Second,

		WSReadBufferSize:  4096,
		WSWriteBufferSize: 4096,

		RPCRateLimit:  50,
		RPCRateBurst:  100,
		AuditCapacity: 500,

		LogLevel:  "info",
		LogFormat: "json",
	}

	if tomlPath != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(tomlPath, &fc); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", tomlPath, err)
		}
		applyFileConfig(cfg, fc)
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Host != "" {
		cfg.Host = fc.Host
	}
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.DefaultActionTimeoutMs != 0 {
		cfg.DefaultActionTimeout = time.Duration(fc.DefaultActionTimeoutMs) * time.Millisecond
	}
	if fc.AccessibilityTreeTimeoutMs != 0 {
		cfg.AccessibilityTreeTimeout = time.Duration(fc.AccessibilityTreeTimeoutMs) * time.Millisecond
	}
	if fc.DOMSnapshotTimeoutMs != 0 {
		cfg.DOMSnapshotTimeout = time.Duration(fc.DOMSnapshotTimeoutMs) * time.Millisecond
	}
	if fc.MinCallerTimeoutMs != 0 {
		cfg.MinCallerTimeout = time.Duration(fc.MinCallerTimeoutMs) * time.Millisecond
	}
	if fc.MaxCallerTimeoutMs != 0 {
		cfg.MaxCallerTimeout = time.Duration(fc.MaxCallerTimeoutMs) * time.Millisecond
	}
	if fc.MaxHTML != 0 {
		cfg.MaxHTML = fc.MaxHTML
	}
	if fc.MaxText != 0 {
		cfg.MaxText = fc.MaxText
	}
	if fc.MaxDOMNodes != 0 {
		cfg.MaxDOMNodes = fc.MaxDOMNodes
	}
	if fc.MaxRequestBody != 0 {
		cfg.MaxRequestBody = fc.MaxRequestBody
	}
	if fc.MaxResponseBody != 0 {
		cfg.MaxResponseBody = fc.MaxResponseBody
	}
	if fc.PingIntervalMs != 0 {
		cfg.PingInterval = time.Duration(fc.PingIntervalMs) * time.Millisecond
	}
	if fc.PingTimeoutMs != 0 {
		cfg.PingTimeout = time.Duration(fc.PingTimeoutMs) * time.Millisecond
	}
	if fc.FailureThreshold != 0 {
		cfg.FailureThreshold = fc.FailureThreshold
	}
	if fc.StaleSessionThresholdMs != 0 {
		cfg.StaleSessionThreshold = time.Duration(fc.StaleSessionThresholdMs) * time.Millisecond
	}
	if fc.CursorTTLMs != 0 {
		cfg.CursorTTL = time.Duration(fc.CursorTTLMs) * time.Millisecond
	}
	if fc.RPCRateLimit != 0 {
		cfg.RPCRateLimit = fc.RPCRateLimit
	}
	if fc.RPCRateBurst != 0 {
		cfg.RPCRateBurst = fc.RPCRateBurst
	}
	if fc.AuditCapacity != 0 {
		cfg.AuditCapacity = fc.AuditCapacity
	}
}

func applyEnv(cfg *Config) {
	cfg.Host = getEnv("BRIDGE_HOST", cfg.Host)
	cfg.Port = getEnvInt("BRIDGE_PORT", cfg.Port)
	cfg.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", cfg.AllowedOrigins)

	cfg.DefaultActionTimeout = getEnvDuration("DEFAULT_ACTION_TIMEOUT", cfg.DefaultActionTimeout)
	cfg.AccessibilityTreeTimeout = getEnvDuration("ACCESSIBILITY_TREE_TIMEOUT", cfg.AccessibilityTreeTimeout)
	cfg.DOMSnapshotTimeout = getEnvDuration("DOM_SNAPSHOT_TIMEOUT", cfg.DOMSnapshotTimeout)
	cfg.MinCallerTimeout = getEnvDuration("MIN_CALLER_TIMEOUT", cfg.MinCallerTimeout)
	cfg.MaxCallerTimeout = getEnvDuration("MAX_CALLER_TIMEOUT", cfg.MaxCallerTimeout)

	cfg.MaxHTML = getEnvInt("MAX_HTML", cfg.MaxHTML)
	cfg.MaxText = getEnvInt("MAX_TEXT", cfg.MaxText)
	cfg.MaxDOMNodes = getEnvInt("MAX_DOM_NODES", cfg.MaxDOMNodes)
	cfg.MaxRequestBody = getEnvInt("MAX_REQUEST_BODY", cfg.MaxRequestBody)
	cfg.MaxResponseBody = getEnvInt("MAX_RESPONSE_BODY", cfg.MaxResponseBody)

	cfg.PingInterval = getEnvDuration("PING_INTERVAL", cfg.PingInterval)
	cfg.PingTimeout = getEnvDuration("PING_TIMEOUT", cfg.PingTimeout)
	cfg.FailureThreshold = getEnvInt("FAILURE_THRESHOLD", cfg.FailureThreshold)

	cfg.StaleSessionThreshold = getEnvDuration("STALE_SESSION_THRESHOLD", cfg.StaleSessionThreshold)
	cfg.CursorTTL = getEnvDuration("CURSOR_TTL", cfg.CursorTTL)

	cfg.HTTPReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", cfg.HTTPReadTimeout)
	cfg.HTTPIdleTimeout = getEnvDuration("HTTP_IDLE_TIMEOUT", cfg.HTTPIdleTimeout)

	cfg.WSReadBufferSize = getEnvInt("WS_READ_BUFFER_SIZE", cfg.WSReadBufferSize)
	cfg.WSWriteBufferSize = getEnvInt("WS_WRITE_BUFFER_SIZE", cfg.WSWriteBufferSize)

	cfg.RPCRateLimit = getEnvInt("RPC_RATE_LIMIT", cfg.RPCRateLimit)
	cfg.RPCRateBurst = getEnvInt("RPC_RATE_BURST", cfg.RPCRateBurst)
	cfg.AuditCapacity = getEnvInt("AUDIT_CAPACITY", cfg.AuditCapacity)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
}

// validate fails fast on nonsensical settings rather than silently clamping
// them at use time (grounded on original_source/rust-server's settings
// validation).
func validate(cfg *Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid BRIDGE_PORT: %d", cfg.Port)
	}
	if cfg.PingInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL must be positive, got %s", cfg.PingInterval)
	}
	if cfg.PingTimeout <= 0 {
		return fmt.Errorf("PING_TIMEOUT must be positive, got %s", cfg.PingTimeout)
	}
	if cfg.FailureThreshold <= 0 {
		return fmt.Errorf("FAILURE_THRESHOLD must be positive, got %d", cfg.FailureThreshold)
	}
	if cfg.MinCallerTimeout <= 0 || cfg.MaxCallerTimeout < cfg.MinCallerTimeout {
		return fmt.Errorf("invalid caller timeout bounds: min=%s max=%s", cfg.MinCallerTimeout, cfg.MaxCallerTimeout)
	}
	if cfg.MaxHTML <= 0 || cfg.MaxText <= 0 || cfg.MaxDOMNodes <= 0 {
		return fmt.Errorf("size caps must be positive: maxHTML=%d maxText=%d maxDOMNodes=%d", cfg.MaxHTML, cfg.MaxText, cfg.MaxDOMNodes)
	}
	if cfg.RPCRateLimit <= 0 || cfg.RPCRateBurst <= 0 {
		return fmt.Errorf("invalid rate limit settings: limit=%d burst=%d", cfg.RPCRateLimit, cfg.RPCRateBurst)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL: %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q", cfg.LogFormat)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
