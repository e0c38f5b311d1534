// Package main prints recorded monitoring data.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/spacetime/internal/cmd/inspect"
	"github.com/louisbranch/spacetime/internal/platform/config"
)

func main() {
	cfg, err := inspect.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := inspect.Run(ctx, cfg, os.Stdout); err != nil {
		config.Exitf("%v", err)
	}
}
