package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/duetchat/duetbot/internal/messaging"
	"github.com/duetchat/duetbot/internal/moderation"
)

func main() {
	log.Println("Starting duetbot moderation service...")

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	classifierURL := "http://localhost:8000"
	if v := os.Getenv("CLASSIFIER_URL"); v != "" {
		classifierURL = v
	}

	// NATS setup.
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "duetbot-moderator"

	natsClient, err := messaging.Connect(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	scorer := moderation.NewHTTPScorer(classifierURL, 15*time.Second)
	model := moderation.NewModel(scorer, moderation.DefaultThresholds())

	// Serve classification requests. Each request gets its own deadline so
	// a stuck inference call cannot pile up goroutines forever.
	err = natsClient.SubscribeClassify(func(req messaging.ClassifyRequest) messaging.ClassifyResponse {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		var toxic bool
		var cerr error
		switch req.Kind {
		case messaging.KindImage:
			toxic, cerr = model.ToxicImage(ctx, req.Image)
		default:
			toxic, cerr = model.ToxicText(ctx, req.Text)
		}
		if cerr != nil {
			log.Printf("[moderator] classify %s failed: %v", req.Kind, cerr)
			return messaging.ClassifyResponse{Error: cerr.Error()}
		}

		if toxic {
			log.Printf("[moderator] FLAGGED kind=%s", req.Kind)
		}
		return messaging.ClassifyResponse{Toxic: toxic}
	})
	if err != nil {
		log.Fatalf("failed to subscribe to classification requests: %v", err)
	}

	log.Printf("duetbot moderation service running")
	log.Printf("  nats_url:       %s", natsConfig.URL)
	log.Printf("  classifier_url: %s", classifierURL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}
