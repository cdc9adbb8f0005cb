// Package config loads and validates the switchboard configuration.
// The file format is JSON5 (comments and trailing commas welcome);
// environment variables overlay file values.
package config

import (
	"fmt"

	"github.com/nextlevelbuilder/switchboard/internal/routing"
	"github.com/nextlevelbuilder/switchboard/internal/schedule"
)

// Config is the root configuration for the switchboard gateway.
type Config struct {
	Gateway   GatewayConfig     `json:"gateway"`
	Ops       OpsConfig         `json:"ops,omitempty"`
	Telemetry TelemetryConfig   `json:"telemetry,omitempty"`
	Bindings  []routing.Binding `json:"bindings,omitempty"`
	Schedule  []schedule.Entry  `json:"schedule,omitempty"`
}

// GatewayConfig controls routing and dispatch.
type GatewayConfig struct {
	DefaultAgent   string `json:"default_agent"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
	MaxPending     int    `json:"max_pending,omitempty"`
	Workspace      string `json:"workspace"`
}

// OpsConfig configures the HTTP/WebSocket control plane.
type OpsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token,omitempty"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			DefaultAgent:   "default",
			MaxConcurrency: 4,
			Workspace:      "~/.switchboard/workspace",
		},
		Ops: OpsConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "switchboard",
		},
	}
}

// Validate checks the invariants gateway construction relies on.
func (c *Config) Validate() error {
	if c.Gateway.DefaultAgent == "" {
		return fmt.Errorf("gateway.default_agent is required")
	}
	if c.Gateway.MaxConcurrency < 0 {
		return fmt.Errorf("gateway.max_concurrency must be positive, got %d", c.Gateway.MaxConcurrency)
	}
	if c.Gateway.MaxPending < 0 {
		return fmt.Errorf("gateway.max_pending must not be negative, got %d", c.Gateway.MaxPending)
	}
	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
		}
	}
	seen := make(map[string]bool, len(c.Bindings))
	for _, b := range c.NormalizedBindings() {
		if seen[b.ID] {
			return fmt.Errorf("bindings: duplicate id %q", b.ID)
		}
		seen[b.ID] = true
		if b.AgentID == "" {
			return fmt.Errorf("bindings: %q has no agent_id", b.ID)
		}
	}
	return nil
}

// NormalizedBindings returns the file bindings with absent ids defaulted
// deterministically by position, so a reload upserts the same entries
// instead of duplicating them.
func (c *Config) NormalizedBindings() []routing.Binding {
	out := make([]routing.Binding, len(c.Bindings))
	for i, b := range c.Bindings {
		if b.ID == "" {
			b.ID = fmt.Sprintf("cfg-%03d", i)
		}
		out[i] = b
	}
	return out
}
