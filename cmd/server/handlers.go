package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pranavjoshi/VoiceGuard/internal/service"
	"github.com/pranavjoshi/VoiceGuard/pkg/logger"
	"gorm.io/gorm"
)

// Server encapsulates the HTTP gateway and its dependencies
type Server struct {
	service *service.GuardService
	config  *ServerConfig
	log     *logger.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	DBPath         string
	EngineURL      string
	MatchThreshold float64
	Durability     string
	AllowedOrigins []string
}

// NewServer creates a new server instance
func NewServer(svc *service.GuardService, config *ServerConfig) *Server {
	return &Server{
		service: svc,
		config:  config,
		log:     logger.GetLogger(),
	}
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// respondServiceError maps service errors onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnsupportedMedia):
		s.respondError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, service.ErrEngine):
		s.respondError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, service.ErrNoAudio), errors.Is(err, gorm.ErrRecordNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "VoiceGuard API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"health":        "GET /health",
			"healthDB":      "GET /health/db",
			"metrics":       "GET /api/metrics",
			"scanURL":       "POST /api/scan",
			"scanUpload":    "POST /api/scan-upload",
			"history":       "GET /api/scans?userId=...",
			"feedback":      "POST /api/scans/{id}/feedback",
			"scanAudio":     "GET /api/scans/{id}/audio",
			"listSpeakers":  "GET /api/speakers?userId=...",
			"enrollSpeaker": "POST /api/speakers/enroll",
			"verifySpeaker": "POST /api/speakers/verify",
		},
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleHealthDB handles GET /health/db
func (s *Server) handleHealthDB(w http.ResponseWriter, r *http.Request) {
	if err := s.service.PingDB(r.Context()); err != nil {
		s.log.Errorf("DB health check failed: %v", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"db":     "disconnected",
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"db":     "connected",
	})
}

// handleMetrics handles GET /api/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	speakers, scans, err := s.service.Counts()
	if err != nil {
		s.log.Errorf("Failed to collect metrics: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve metrics")
		return
	}

	s.respondJSON(w, http.StatusOK, MetricsResponse{
		Status:         "healthy",
		DatabasePath:   s.config.DBPath,
		SpeakerCount:   speakers,
		ScanCount:      scans,
		MatchThreshold: s.config.MatchThreshold,
		Durability:     s.config.Durability,
	})
}

// handleScanURL handles POST /api/scan (remote URL analysis)
func (s *Server) handleScanURL(w http.ResponseWriter, r *http.Request) {
	var req ScanURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Errorf("Failed to decode scan request: %v", err)
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.log.Infof("Scanning URL for user %s: %s", req.UserID, req.AudioURL)
	outcome, err := s.service.ScanURL(r.Context(), req.UserID, req.AudioURL)
	if err != nil {
		s.log.Errorf("URL scan failed: %v", err)
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, outcome)
}

// handleScanUpload handles POST /api/scan-upload (multipart file upload)
func (s *Server) handleScanUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		s.log.Errorf("Failed to parse form: %v", err)
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}

	userID := r.FormValue("userId")
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		s.log.Errorf("Failed to read upload: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to read uploaded file")
		return
	}
	if len(data) > MaxUploadBytes {
		s.respondError(w, http.StatusRequestEntityTooLarge, "Uploaded file is too large")
		return
	}

	s.log.Infof("Scanning upload for user %s: %s (%d bytes)", userID, header.Filename, len(data))
	outcome, err := s.service.ScanUpload(r.Context(), userID, header.Filename, data)
	if err != nil {
		s.log.Errorf("Upload scan failed: %v", err)
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, outcome)
}

// handleHistory handles GET /api/scans
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	scans, err := s.service.History(userID)
	if err != nil {
		s.log.Errorf("Failed to fetch history: %v", err)
		s.respondServiceError(w, err)
		return
	}

	dtos := make([]ScanRecordDTO, len(scans))
	for i, scan := range scans {
		dtos[i] = scanRecordDTO(scan)
	}

	s.respondJSON(w, http.StatusOK, HistoryResponse{Scans: dtos, Count: len(dtos)})
}

// handleFeedback handles POST /api/scans/{id}/feedback
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request, scanID string) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.service.AttachFeedback(scanID, req.Feedback); err != nil {
		s.log.Warnf("Failed to attach feedback to scan %s: %v", scanID, err)
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{
		"message": "Feedback recorded",
		"id":      scanID,
	})
}

// handleScanAudio handles GET /api/scans/{id}/audio
func (s *Server) handleScanAudio(w http.ResponseWriter, r *http.Request, scanID string) {
	data, contentType, err := s.service.ScanAudio(scanID)
	if err != nil {
		s.log.Warnf("Failed to load audio for scan %s: %v", scanID, err)
		s.respondServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	if _, err := w.Write(data); err != nil {
		s.log.Errorf("Failed to write audio response: %v", err)
	}
}

// handleListSpeakers handles GET /api/speakers
func (s *Server) handleListSpeakers(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	speakers, err := s.service.Speakers(userID)
	if err != nil {
		s.log.Errorf("Failed to list speakers: %v", err)
		s.respondServiceError(w, err)
		return
	}

	dtos := make([]SpeakerDTO, len(speakers))
	for i, spk := range speakers {
		dtos[i] = SpeakerDTO{
			ID:        spk.ID,
			UserID:    spk.UserID,
			Name:      spk.Name,
			CreatedAt: spk.CreatedAt,
		}
	}

	s.respondJSON(w, http.StatusOK, ListSpeakersResponse{Speakers: dtos, Count: len(dtos)})
}

// handleEnroll handles POST /api/speakers/enroll (multipart file upload)
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		s.log.Errorf("Failed to parse form: %v", err)
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}

	name := r.FormValue("name")
	userID := r.FormValue("userId")
	if name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	s.log.Infof("Enrolling speaker %q for user %s", name, userID)
	id, err := s.service.EnrollSpeaker(r.Context(), userID, name, header.Filename, file)
	if err != nil {
		s.log.Errorf("Enrollment failed: %v", err)
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, EnrollResponse{
		Message: "Speaker enrolled successfully",
		ID:      id,
		Name:    name,
	})
}

// handleVerify handles POST /api/speakers/verify (multipart file upload)
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		s.log.Errorf("Failed to parse form: %v", err)
		s.respondError(w, http.StatusBadRequest, "Failed to parse form data")
		return
	}

	userID := r.FormValue("userId")
	if userID == "" {
		s.respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	s.log.Infof("Verifying speaker for user %s", userID)
	result, err := s.service.VerifySpeaker(r.Context(), userID, header.Filename, file)
	if err != nil {
		s.log.Errorf("Verification failed: %v", err)
		s.respondServiceError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, result)
}

// handleScans routes requests to /api/scans
func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.handleHistory(w, r)
}

// handleScanSubroutes routes requests to /api/scans/{id}/feedback and
// /api/scans/{id}/audio
func (s *Server) handleScanSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/scans/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		s.respondError(w, http.StatusNotFound, "Not found")
		return
	}

	scanID, action := parts[0], parts[1]
	switch action {
	case "feedback":
		if r.Method != http.MethodPost {
			s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.handleFeedback(w, r, scanID)
	case "audio":
		if r.Method != http.MethodGet {
			s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.handleScanAudio(w, r, scanID)
	default:
		s.respondError(w, http.StatusNotFound, "Not found")
	}
}

// handleSpeakers routes requests to /api/speakers
func (s *Server) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.handleListSpeakers(w, r)
}

// postOnly wraps a handler to reject non-POST methods
func (s *Server) postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		h(w, r)
	}
}
