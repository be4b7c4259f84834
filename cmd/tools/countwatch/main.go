// Command countwatch subscribes to a traffic.report broadcast stream and
// prints each verified count frame. It reconnects with backoff when the
// server goes away.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/traffic.report/internal/counts"
	"github.com/banshee-data/traffic.report/internal/stream"
)

var (
	serverURL = flag.String("server", "ws://127.0.0.1:8080/stream", "Broadcast stream URL")
	clientID  = flag.String("client-id", "", "Client identifier (default: a random UUID)")
	apiKey    = flag.String("api-key", "", "Shared API key")
	backoff   = flag.Duration("backoff", 5*time.Second, "Reconnect delay after a failure")
)

func watch(ctx context.Context, client *stream.Client) error {
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()
	log.Printf("connected, session token %s...", client.Token()[:8])

	for {
		p, err := client.Receive(ctx)
		if errors.Is(err, stream.ErrIntegrity) {
			log.Printf("discarded frame with bad signature")
			continue
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s  cars=%d vans=%d motors=%d buses=%d bicycles=%d\n",
			counts.FormatTimestamp(p.Timestamp),
			p.Cars, p.Vans, p.Motors, p.Buses, p.Bicycles)
	}
}

func main() {
	flag.Parse()

	if *apiKey == "" {
		log.Fatal("an API key is required (-api-key)")
	}
	id := *clientID
	if id == "" {
		id = "countwatch-" + uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		client := stream.NewClient(*serverURL, id, *apiKey)
		err := watch(ctx, client)
		if ctx.Err() != nil {
			log.Print("shutting down")
			os.Exit(0)
		}
		log.Printf("stream lost (%v), reconnecting in %s", err, *backoff)
		select {
		case <-time.After(*backoff):
		case <-ctx.Done():
			log.Print("shutting down")
			return
		}
	}
}
