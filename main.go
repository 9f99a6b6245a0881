package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"collab-drawer/app"
	"collab-drawer/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	server, err := app.NewServer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	defer server.Close()

	if err := server.Run(ctx); err != nil {
		log.Printf("Server stopped with error: %v", err)
	}
}
