package main

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pranavjoshi/VoiceGuard/internal/engine"
	"github.com/pranavjoshi/VoiceGuard/internal/service"
	"github.com/pranavjoshi/VoiceGuard/internal/speaker"
	"github.com/pranavjoshi/VoiceGuard/internal/storage"
)

var (
	port           int
	dbPath         string
	engineURL      string
	engineTimeout  time.Duration
	matchThreshold float64
	durability     string
	allowedOrigins string
)

func init() {
	flag.IntVar(&port, "port", 3000, "HTTP server port")
	flag.StringVar(&dbPath, "db", getEnvOrDefault("VOICEGUARD_DB_PATH", storage.DefaultDBFile), "Path to SQLite database")
	flag.StringVar(&engineURL, "engine", getEnvOrDefault("ENGINE_URL", engine.DefaultBaseURL), "Inference engine base URL")
	flag.DurationVar(&engineTimeout, "engine-timeout", 2*time.Minute, "Timeout for engine HTTP calls")
	flag.Float64Var(&matchThreshold, "threshold", speaker.DefaultThreshold, "Cosine similarity threshold for speaker matches")
	flag.StringVar(&durability, "durability", getEnvOrDefault("VOICEGUARD_DURABILITY", string(service.DurabilityBestEffort)), "Scan persistence policy: strict or best-effort")
	flag.StringVar(&allowedOrigins, "origins", "*", "Comma-separated list of allowed CORS origins (use * for all)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	flag.Parse()

	// Parse allowed origins
	var origins []string
	if allowedOrigins == "*" {
		origins = []string{"*"}
	} else {
		origins = strings.Split(allowedOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	mode := service.Durability(durability)
	if mode != service.DurabilityStrict && mode != service.DurabilityBestEffort {
		log.Fatalf("Invalid durability mode %q (want strict or best-effort)", durability)
	}

	db, err := storage.NewDBClientWithPath(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	engineClient := engine.NewClient(engineURL, engineTimeout)
	matcher := speaker.NewMatcher(matchThreshold)
	svc := service.NewGuardService(db, engineClient, matcher, mode)
	defer svc.Close()

	config := &ServerConfig{
		Port:           port,
		DBPath:         dbPath,
		EngineURL:      engineURL,
		MatchThreshold: matcher.Threshold,
		Durability:     string(mode),
		AllowedOrigins: origins,
	}

	server := NewServer(svc, config)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
