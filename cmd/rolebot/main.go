package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rolebot/internal/archive"
	"rolebot/internal/bot"
	"rolebot/internal/config"
	"rolebot/internal/store"
	"rolebot/internal/timedrole"

	"github.com/joho/godotenv"
)

func main() {
	log.Println("Starting RoleBot application...")

	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Load the persisted ledger
	st := store.New(cfg.Storage.DataFile, time.Duration(cfg.Storage.SaveDebounceMS)*time.Millisecond)
	state := timedrole.NewState(st)

	// Connect the optional session archive
	var arch *archive.Archive
	if cfg.Database.Enabled {
		arch, err = archive.New(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to archive database: %v", err)
		}
	}

	// Initialize bot
	discordBot, err := bot.New(cfg, st, state, arch)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		s := <-signals
		log.Printf("Received signal: %v", s)
		cancel()
	}()

	// Start the bot
	go func() {
		if err := discordBot.Start(ctx); err != nil {
			log.Printf("Error running bot: %v", err)
			cancel()
		}
	}()

	// Wait for shutdown
	<-ctx.Done()
	log.Println("Shutdown signal received")

	// Perform cleanup
	if err := discordBot.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}

	log.Println("Application shutdown complete")
}
