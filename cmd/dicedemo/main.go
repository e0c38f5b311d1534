// Package main records a dice game under the monitor.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	dicedemocmd "github.com/louisbranch/spacetime/internal/cmd/dicedemo"
)

func main() {
	cfg, err := dicedemocmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[DICEDEMO] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dicedemocmd.Run(ctx, cfg, os.Stdout); err != nil {
		log.Fatalf("dice demo: %v", err)
	}
}
