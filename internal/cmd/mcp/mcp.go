// Package mcp parses MCP command flags and selects stdio or HTTP transport.
package mcp

import (
	"context"
	"flag"
	"fmt"
	"strings"

	entrypoint "github.com/louisbranch/spacetime/internal/platform/cmd"
	"github.com/louisbranch/spacetime/internal/services/spacetime/monitor"
	mcpservice "github.com/louisbranch/spacetime/internal/services/spacetime/mcp/service"
)

// Config holds MCP command configuration.
type Config struct {
	DBPath    string `env:"SPACETIME_DB_PATH"        envDefault:"data/spacetime.db"`
	BlobPath  string `env:"SPACETIME_BLOB_PATH"`
	HTTPAddr  string `env:"SPACETIME_MCP_HTTP_ADDR"  envDefault:"localhost:8085"`
	Transport string `env:"SPACETIME_MCP_TRANSPORT"  envDefault:"stdio"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	entrypoint.BindDataFlags(fs, &cfg.DBPath, &cfg.BlobPath)
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP server address (for HTTP transport)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Transport type: stdio or http")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) transport() (mcpservice.TransportKind, error) {
	switch kind := mcpservice.TransportKind(strings.ToLower(strings.TrimSpace(c.Transport))); kind {
	case mcpservice.TransportStdio, mcpservice.TransportHTTP:
		return kind, nil
	default:
		return "", fmt.Errorf("unsupported transport %q", c.Transport)
	}
}

// Run opens previously recorded data and serves the MCP tools over it.
// The file must already exist; the adapter never creates an empty one.
func Run(ctx context.Context, cfg Config) error {
	kind, err := cfg.transport()
	if err != nil {
		return err
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMCP, func(ctx context.Context) error {
		paths, err := entrypoint.PrepareData(entrypoint.DataPaths{DB: cfg.DBPath, Blobs: cfg.BlobPath}, "", entrypoint.ReadData)
		if err != nil {
			return err
		}
		m, err := monitor.Init(ctx, monitor.Config{
			StoragePath: paths.DB,
			BlobPath:    paths.Blobs,
			Existing:    true,
		})
		if err != nil {
			return err
		}
		defer func() { _ = m.Close() }()

		server, err := mcpservice.New(m.Query())
		if err != nil {
			return err
		}
		return server.Serve(ctx, mcpservice.Config{Transport: kind, HTTPAddr: cfg.HTTPAddr})
	})
}
