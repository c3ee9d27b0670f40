package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/querygate/querygate/internal/gateway"
	"github.com/querygate/querygate/internal/registry"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
)

type Config struct {
	Logger *slog.Logger

	Gateway  *gateway.Gateway
	Registry *registry.Registry

	Version           string
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	AllowedTokens     []string // Bearer tokens allowed for MCP endpoint authentication
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Gateway == nil {
		return fmt.Errorf("gateway is required")
	}
	if c.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}
