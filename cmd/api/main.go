package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"billing-service/internal/app"
	"billing-service/internal/config"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[MAIN] No .env file found, relying on system env vars")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[MAIN] %v", err)
	}

	srv, err := app.NewServer(cfg)
	if err != nil {
		log.Fatalf("[MAIN] %v", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Printf("[MAIN] server stopped with error: %v", err)
		stop()
		os.Exit(1)
	}
}
