package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pylabhub/datahub/hubconfig"
	"github.com/pylabhub/datahub/hublifecycle"
)

func main() {
	log.Println("pylabhub datahub starting...")

	cfgPath := "hub.toml"
	if p := os.Getenv("DATAHUB_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := hubconfig.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", cfgPath, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hub, err := hublifecycle.New(cfg)
	if err != nil {
		log.Fatalf("hub: %v", err)
	}
	defer hub.Close()

	for name := range cfg.Channels {
		log.Printf("channel %q ready", name)
	}

	if err := hub.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("hub: %v", err)
	}
	log.Println("datahub stopped.")
}
