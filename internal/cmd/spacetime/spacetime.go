// Package spacetime parses trace server flags and launches the service.
package spacetime

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/louisbranch/spacetime/internal/platform/cmd"
	server "github.com/louisbranch/spacetime/internal/services/spacetime/app"
)

// Config holds trace server command configuration.
type Config struct {
	Port     int    `env:"SPACETIME_PORT"      envDefault:"8095"`
	DBPath   string `env:"SPACETIME_DB_PATH"   envDefault:"data/spacetime.db"`
	BlobPath string `env:"SPACETIME_BLOB_PATH"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The trace gRPC server port")
	entrypoint.BindDataFlags(fs, &cfg.DBPath, &cfg.BlobPath)
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the trace gRPC API service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSpacetime, func(context.Context) error {
		paths, err := entrypoint.PrepareData(entrypoint.DataPaths{DB: cfg.DBPath, Blobs: cfg.BlobPath}, "", entrypoint.RecordData)
		if err != nil {
			return err
		}
		return server.Run(ctx, server.Config{
			Addr:     fmt.Sprintf(":%d", cfg.Port),
			DBPath:   paths.DB,
			BlobPath: paths.Blobs,
		})
	})
}
