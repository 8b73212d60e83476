// Copyright 2025 The Workspaced Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the workspaced runtime configuration from the
// environment, with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	// Namespace is the namespace all workspace objects live in
	Namespace string
	// Image is the workspace container image
	Image string
	// Hostname is the hostname set inside workspace pods
	Hostname string
	// BaseDomain is the public domain access URLs are built on
	BaseDomain string

	// ListenAddr and ListenPort are the gateway bind address
	ListenAddr string
	ListenPort int
	// GatewaySecret signs front-end requests
	GatewaySecret string
	// NotifyEndpoint receives owner-facing chat messages
	NotifyEndpoint string
	// NotifyTimeout bounds a single notification delivery attempt
	NotifyTimeout time.Duration

	// SessionTTL is the initial session lifetime
	SessionTTL time.Duration
	// WarnOffset is the warning lead time before expiry
	WarnOffset time.Duration
	// ExtensionIncrement is added per extend action
	ExtensionIncrement time.Duration

	// ReadinessAttempts bounds the workspace readiness poll
	ReadinessAttempts int
	// ReadinessInterval is the delay between readiness polls
	ReadinessInterval time.Duration
	// TeardownTimeout bounds one teardown pass
	TeardownTimeout time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is folded in first if present. GATEWAY_SECRET and
// NOTIFY_ENDPOINT have no sane defaults and must be set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Namespace:  getEnv("WORKSPACE_NAMESPACE", "workspaces"),
		Image:      getEnv("WORKSPACE_IMAGE", "ghcr.io/osucyber/vs-workspace:latest"),
		Hostname:   getEnv("WORKSPACE_HOSTNAME", "cyberlab"),
		BaseDomain: getEnv("BASE_DOMAIN", "workspaces.osucyber.club"),
		ListenAddr: getEnv("LISTEN_ADDR", "0.0.0.0"),

		GatewaySecret:  os.Getenv("GATEWAY_SECRET"),
		NotifyEndpoint: os.Getenv("NOTIFY_ENDPOINT"),
	}

	if cfg.GatewaySecret == "" {
		return nil, fmt.Errorf("GATEWAY_SECRET environment variable is required")
	}
	if cfg.NotifyEndpoint == "" {
		return nil, fmt.Errorf("NOTIFY_ENDPOINT environment variable is required")
	}

	var err error
	if cfg.ListenPort, err = getEnvInt("LISTEN_PORT", 8090); err != nil {
		return nil, err
	}
	if cfg.ReadinessAttempts, err = getEnvInt("READINESS_ATTEMPTS", 60); err != nil {
		return nil, err
	}

	if cfg.SessionTTL, err = getEnvDuration("SESSION_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.WarnOffset, err = getEnvDuration("WARN_OFFSET", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ExtensionIncrement, err = getEnvDuration("EXTENSION_INCREMENT", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ReadinessInterval, err = getEnvDuration("READINESS_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.TeardownTimeout, err = getEnvDuration("TEARDOWN_TIMEOUT", time.Minute); err != nil {
		return nil, err
	}
	if cfg.NotifyTimeout, err = getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.WarnOffset >= cfg.SessionTTL {
		return nil, fmt.Errorf("WARN_OFFSET (%s) must be shorter than SESSION_TTL (%s)", cfg.WarnOffset, cfg.SessionTTL)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, val)
	}
	return n, nil
}

// getEnvDuration parses a duration from the environment. Supports Go
// duration formats plus a "d" suffix for days (e.g. "2d" -> 48h).
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := parseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		daysStr := strings.TrimSuffix(s, "d")
		var days int
		_, err := fmt.Sscanf(daysStr, "%d", &days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	duration, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration format: %s", s)
	}

	return duration, nil
}
