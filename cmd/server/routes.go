package main

import (
	"fmt"
	"net/http"
)

// setupRoutes registers all HTTP routes and middleware
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Root endpoint
	mux.HandleFunc("/", s.handleRoot)

	// Health endpoints
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/db", s.handleHealthDB)
	mux.HandleFunc("/api/metrics", s.handleMetrics)

	// Scan endpoints
	mux.HandleFunc("/api/scan", s.postOnly(s.handleScanURL))
	mux.HandleFunc("/api/scan-upload", s.postOnly(s.handleScanUpload))
	mux.HandleFunc("/api/scans", s.handleScans)
	mux.HandleFunc("/api/scans/", s.handleScanSubroutes)

	// Speaker endpoints
	mux.HandleFunc("/api/speakers", s.handleSpeakers)
	mux.HandleFunc("/api/speakers/enroll", s.postOnly(s.handleEnroll))
	mux.HandleFunc("/api/speakers/verify", s.postOnly(s.handleVerify))

	// Wrap with CORS middleware
	return corsMiddleware(s.config.AllowedOrigins)(mux)
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Check if origin is allowed
			allowed := false
			if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
				// Allow all origins
				w.Header().Set("Access-Control-Allow-Origin", "*")
				allowed = true
			} else {
				// Check if origin is in allowed list
				for _, allowedOrigin := range allowedOrigins {
					if allowedOrigin == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			// Handle preflight requests
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	handler := s.setupRoutes()

	addr := fmt.Sprintf(":%d", s.config.Port)
	s.log.Infof("VoiceGuard gateway starting on %s", addr)
	s.log.Infof("   Database: %s", s.config.DBPath)
	s.log.Infof("   Engine: %s", s.config.EngineURL)
	s.log.Infof("   Match threshold: %.2f", s.config.MatchThreshold)
	s.log.Infof("   Durability: %s", s.config.Durability)
	s.log.Infof("   CORS Origins: %v", s.config.AllowedOrigins)
	s.log.Infof("\nEndpoints:")
	s.log.Infof("   GET    /health                    - Health check")
	s.log.Infof("   GET    /health/db                 - Database health")
	s.log.Infof("   GET    /api/metrics               - Server metrics")
	s.log.Infof("   POST   /api/scan                  - Analyze audio by URL")
	s.log.Infof("   POST   /api/scan-upload           - Analyze uploaded audio")
	s.log.Infof("   GET    /api/scans?userId=         - Scan history")
	s.log.Infof("   POST   /api/scans/{id}/feedback   - Attach feedback")
	s.log.Infof("   GET    /api/scans/{id}/audio      - Stored audio bytes")
	s.log.Infof("   GET    /api/speakers?userId=      - Enrolled speakers")
	s.log.Infof("   POST   /api/speakers/enroll       - Enroll speaker")
	s.log.Infof("   POST   /api/speakers/verify       - Verify speaker")

	return http.ListenAndServe(addr, handler)
}
