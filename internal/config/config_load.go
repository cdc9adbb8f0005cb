package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file is not an error; the defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// JSON5 is decoded into plain values and re-encoded before the
	// struct decode, so the field unmarshalers only ever see standard
	// JSON syntax.
	var raw any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	canon, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := json.Unmarshal(canon, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("SWITCHBOARD_DEFAULT_AGENT", &c.Gateway.DefaultAgent)
	envStr("SWITCHBOARD_WORKSPACE", &c.Gateway.Workspace)
	if v := os.Getenv("SWITCHBOARD_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Gateway.MaxConcurrency = n
		}
	}

	envStr("SWITCHBOARD_OPS_HOST", &c.Ops.Host)
	envStr("SWITCHBOARD_OPS_TOKEN", &c.Ops.Token)
	if v := os.Getenv("SWITCHBOARD_OPS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Ops.Port = port
		}
	}
	if v := os.Getenv("SWITCHBOARD_OPS_ENABLED"); v != "" {
		c.Ops.Enabled = v == "true" || v == "1"
	}

	envStr("SWITCHBOARD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("SWITCHBOARD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("SWITCHBOARD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("SWITCHBOARD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SWITCHBOARD_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Gateway.Workspace)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
