package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/traffic.report/api"
	"github.com/banshee-data/traffic.report/internal/access"
	"github.com/banshee-data/traffic.report/internal/config"
	"github.com/banshee-data/traffic.report/internal/store"
	"github.com/banshee-data/traffic.report/internal/stream"
	"github.com/banshee-data/traffic.report/internal/version"
)

var (
	configPath = flag.String("config", "traffic.config.json", "Config file path")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "Database file path (overrides config)")
	apiKey     = flag.String("api-key", "", "Shared API key (overrides config)")
	ingest     = flag.String("ingest", "", "UDP ingest listen address (overrides config)")
	devMode    = flag.Bool("dev", false, "Run in dev mode, replaying fixtures instead of listening for UDP")
	fixtures   = flag.String("fixtures", "fixtures.jsonl", "Fixtures file for dev mode")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

// replayInterval paces fixture replay in dev mode.
const replayInterval = time.Second

// handlePayload pushes one raw producer payload through the broadcast
// pipeline.
func handlePayload(ctx context.Context, bs *stream.Server, data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return bs.Broadcast(ctx, raw)
}

// runUDPIngest reads JSON datagrams from the upstream count producer and
// broadcasts each one.
func runUDPIngest(ctx context.Context, addr string, bs *stream.Server) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve ingest address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen ingest: %w", err)
	}
	defer conn.Close()
	log.Printf("ingest listening on udp %s", addr)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 64*1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read ingest datagram: %w", err)
		}
		if err := handlePayload(ctx, bs, buf[:n]); err != nil {
			log.Printf("error handling ingest payload: %v", err)
		}
	}
}

// runFixtureReplay replays newline-delimited JSON payloads from a fixtures
// file, one per interval, for development without a live producer.
func runFixtureReplay(ctx context.Context, path string, bs *stream.Server) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open fixtures file: %w", err)
	}
	defer f.Close()

	ticker := time.NewTicker(replayInterval)
	defer ticker.Stop()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := handlePayload(ctx, bs, line); err != nil {
			log.Printf("error handling fixture payload: %v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}
	log.Printf("traffic.report %s", version.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	overrides := &config.Config{}
	if *listen != "" {
		overrides.Listen = listen
	}
	if *dbPath != "" {
		overrides.DBPath = dbPath
	}
	if *apiKey != "" {
		overrides.APIKey = apiKey
	}
	if *ingest != "" {
		overrides.IngestListen = ingest
	}
	if *devMode {
		overrides.Fixtures = fixtures
	}
	cfg.Merge(overrides)

	if cfg.Key() == "" {
		log.Fatal("an API key is required (flag -api-key or config api_key)")
	}

	st, err := store.Open(cfg.Database())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	ttl, err := cfg.SessionTTLDuration()
	if err != nil {
		log.Fatalf("invalid session TTL: %v", err)
	}
	ac := access.NewController(cfg.Key(), access.Options{
		RateLimit:  cfg.Rate(),
		SessionTTL: ttl,
		Audit:      st,
	})
	for _, ip := range cfg.AllowedIPs {
		ac.AllowIP(ip)
	}
	for _, ip := range cfg.BlockedIPs {
		ac.BlockIP(ip)
	}

	bs := stream.NewServer(ac, st)
	defer bs.CloseAll()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ingest routine: UDP in production, fixtures replay in dev mode
	wg.Add(1)
	go func() {
		defer wg.Done()
		switch {
		case *devMode:
			if err := runFixtureReplay(ctx, cfg.FixturesPath(), bs); err != nil && err != context.Canceled {
				log.Printf("fixture replay terminated: %v", err)
			}
		case cfg.Ingest() != "":
			if err := runUDPIngest(ctx, cfg.Ingest(), bs); err != nil && err != context.Canceled {
				log.Printf("ingest routine terminated: %v", err)
			}
		default:
			log.Print("no ingest source configured; accepting counts over the API only")
		}
	}()

	// retention sweep routine
	if days := cfg.Retention(); days > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := st.Retain(days); err != nil {
						log.Printf("retention sweep failed: %v", err)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// HTTP server routine: API, broadcast stream, and admin debugging routes
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		if err := st.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach admin routes: %v", err)
		}

		apiMux := api.NewServer(st, bs).ServeMux()
		mux.Handle("/api/", http.StripPrefix("/api", apiMux))
		mux.Handle("/stream", bs)

		server := &http.Server{
			Addr:    cfg.ListenAddr(),
			Handler: mux,
		}

		go func() {
			log.Printf("listening on %s", cfg.ListenAddr())
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("graceful shutdown complete")
}
