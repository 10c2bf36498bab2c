package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/kernelbridge/internal/bridge"
	"github.com/danmuck/kernelbridge/internal/logging"
	"github.com/danmuck/kernelbridge/internal/server"
	"github.com/danmuck/kernelbridge/internal/transport"
	"github.com/rs/zerolog"
)

// ServiceConfig is the resolved configuration of `kernelbridge serve`.
type ServiceConfig struct {
	Control   bridge.ControlConfig
	HTTP      server.Config
	Transport transport.Config
	// HTTPEnabled is false when http_addr is set to an empty string.
	HTTPEnabled bool
	LogLevel    zerolog.Level
	LogFile     string
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Control:     bridge.DefaultControlConfig(),
		HTTP:        server.DefaultConfig(),
		Transport:   transport.DefaultConfig(),
		HTTPEnabled: true,
		LogLevel:    zerolog.InfoLevel,
	}
}

type fileConfig struct {
	ControlSocket  string   `toml:"control_socket"`
	HTTPAddr       string   `toml:"http_addr"`
	CORSOrigins    []string `toml:"cors_origins"`
	AdminToken     string   `toml:"admin_token"`
	ConnectTimeout string   `toml:"connect_timeout"`
	IdleTimeout    string   `toml:"idle_timeout"`
	IOPubTopic     string   `toml:"iopub_topic"`
	LogLevel       string   `toml:"log_level"`
	LogFile        string   `toml:"log_file"`
}

func loadServiceConfig(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("load kernelbridge config: %w", err)
	}

	if meta.IsDefined("control_socket") {
		if v := strings.TrimSpace(raw.ControlSocket); v != "" {
			cfg.Control.SocketPath = v
		}
	}

	if meta.IsDefined("http_addr") {
		cfg.HTTP.Addr = strings.TrimSpace(raw.HTTPAddr)
		cfg.HTTPEnabled = cfg.HTTP.Addr != ""
	}

	if meta.IsDefined("cors_origins") {
		cfg.HTTP.CORSOrigins = normalizeList(raw.CORSOrigins)
	}

	if meta.IsDefined("admin_token") {
		cfg.HTTP.AdminToken = strings.TrimSpace(raw.AdminToken)
	}

	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return ServiceConfig{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.Transport.ConnectTimeout = d
		cfg.Control.ConnectTimeout = d
	}

	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return ServiceConfig{}, fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.Control.IdleTimeout = d
	}

	if meta.IsDefined("iopub_topic") {
		cfg.Transport.IOPubTopic = raw.IOPubTopic
	}

	if meta.IsDefined("log_level") {
		lvl, ok := logging.ParseLevel(raw.LogLevel)
		if !ok {
			return ServiceConfig{}, fmt.Errorf("parse log_level: unknown level %q", raw.LogLevel)
		}
		cfg.LogLevel = lvl
	}

	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
