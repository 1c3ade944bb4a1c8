// Package main starts the marketplace chat service and handles termination.
//
// With -healthcheck it probes the gRPC health listener instead, for use as a
// container health command.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	chatcmd "github.com/louisbranch/marketchat/internal/cmd/chat"
	"github.com/louisbranch/marketchat/internal/platform/config"
	platformgrpc "github.com/louisbranch/marketchat/internal/platform/grpc"
	"github.com/louisbranch/marketchat/internal/platform/timeouts"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "probe the health listener and exit")
	cfg, err := chatcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[CHAT] ")

	if *healthcheck {
		if cfg.HealthAddr == "" {
			config.Exitf("healthcheck: MARKETCHAT_CHAT_HEALTH_ADDR is not set")
		}
		if err := platformgrpc.Probe(context.Background(), cfg.HealthAddr, timeouts.GRPCDial, nil); err != nil {
			config.Exitf("healthcheck: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := chatcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
