package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/pranavjoshi/VoiceGuard/internal/storage"
)

// MaxUploadBytes caps multipart audio uploads (50MB covers several minutes
// of uncompressed WAV).
const MaxUploadBytes = 50 << 20

// ScanURLRequest is the request body for POST /api/scan
type ScanURLRequest struct {
	AudioURL string `json:"audioUrl"`
	UserID   string `json:"userId"`
	FileName string `json:"fileName,omitempty"`
}

// Validate checks if the request is valid
func (r *ScanURLRequest) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	if r.AudioURL == "" {
		return fmt.Errorf("audioUrl is required")
	}
	u, err := url.Parse(r.AudioURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("audioUrl must be an http(s) URL")
	}
	return nil
}

// FeedbackRequest is the request body for POST /api/scans/{id}/feedback
type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

// Validate checks if the request is valid
func (r *FeedbackRequest) Validate() error {
	if r.Feedback == "" {
		return fmt.Errorf("feedback is required")
	}
	return nil
}

// EnrollResponse is the response for successful speaker enrollment
type EnrollResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
	Name    string `json:"name"`
}

// ScanRecordDTO represents a scan history entry in API responses
type ScanRecordDTO struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	AudioURL        string    `json:"audioUrl"`
	Kind            string    `json:"kind"`
	IsDeepfake      bool      `json:"isDeepfake"`
	ConfidenceScore float64   `json:"confidenceScore"`
	AnalysisDetails string    `json:"analysisDetails,omitempty"`
	Feedback        string    `json:"feedback,omitempty"`
	HasAudio        bool      `json:"hasAudio"`
	CreatedAt       time.Time `json:"createdAt"`
}

func scanRecordDTO(scan storage.Scan) ScanRecordDTO {
	return ScanRecordDTO{
		ID:              scan.ID,
		UserID:          scan.UserID,
		AudioURL:        scan.AudioURL,
		Kind:            scan.Kind,
		IsDeepfake:      scan.IsDeepfake,
		ConfidenceScore: scan.ConfidenceScore,
		AnalysisDetails: scan.AnalysisDetails,
		Feedback:        scan.Feedback,
		HasAudio:        scan.AudioData != "",
		CreatedAt:       scan.CreatedAt,
	}
}

// HistoryResponse is the response for GET /api/scans
type HistoryResponse struct {
	Scans []ScanRecordDTO `json:"scans"`
	Count int             `json:"count"`
}

// SpeakerDTO represents an enrolled speaker in API responses. The embedding
// itself is never exposed.
type SpeakerDTO struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListSpeakersResponse is the response for GET /api/speakers
type ListSpeakersResponse struct {
	Speakers []SpeakerDTO `json:"speakers"`
	Count    int          `json:"count"`
}

// MetricsResponse provides server health and database metrics
type MetricsResponse struct {
	Status         string  `json:"status"`
	DatabasePath   string  `json:"database_path"`
	SpeakerCount   int64   `json:"speaker_count"`
	ScanCount      int64   `json:"scan_count"`
	MatchThreshold float64 `json:"match_threshold"`
	Durability     string  `json:"durability"`
}

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
