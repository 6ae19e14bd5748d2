package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pranavjoshi/VoiceGuard/internal/engine"
	"github.com/pranavjoshi/VoiceGuard/internal/model"
	"github.com/pranavjoshi/VoiceGuard/internal/speaker"
	"github.com/pranavjoshi/VoiceGuard/internal/storage"
	"gorm.io/gorm"
)

// wavBytes returns a payload that sniffs as audio/wav
func wavBytes(content string) []byte {
	header := []byte("RIFF\x24\x00\x00\x00WAVEfmt ")
	return append(header, []byte(content)...)
}

// stubEngine is a fake inference engine that serves canned responses and
// counts calls
type stubEngine struct {
	mu              sync.Mutex
	embedding       []float64
	embedCalls      int
	scanCalls       int
	scanUploadCalls int
	srv             *httptest.Server
}

func newStubEngine(t *testing.T) *stubEngine {
	t.Helper()

	e := &stubEngine{embedding: []float64{1, 0, 0}}
	mux := http.NewServeMux()
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.embedCalls++
		emb := append([]float64(nil), e.embedding...)
		e.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"embedding": emb})
	})
	mux.HandleFunc("/scan", func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.scanCalls++
		e.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"id":              "eng-url-scan",
			"userId":          "user-1",
			"audioUrl":        "https://example.com/a.mp3",
			"isDeepfake":      true,
			"confidenceScore": 0.8,
			"analysisDetails": "Deepfake suspected: anomalies",
			"createdAt":       time.Now().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/scan-upload", func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		e.scanUploadCalls++
		e.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"id":              "eng-upload-scan",
			"userId":          "user-1",
			"audioUrl":        "uploaded://sample.wav",
			"isDeepfake":      false,
			"confidenceScore": 0.95,
			"analysisDetails": "No significant artifacts detected.",
			"createdAt":       time.Now().Format(time.RFC3339),
		})
	})

	e.srv = httptest.NewServer(mux)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *stubEngine) setEmbedding(v []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.embedding = v
}

func (e *stubEngine) counts() (embed, scan, scanUpload int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.embedCalls, e.scanCalls, e.scanUploadCalls
}

// setupTestService creates a service with a temp database and a stub engine
func setupTestService(t *testing.T, durability Durability) (*GuardService, *stubEngine) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test_service.sqlite3")
	db, err := storage.NewDBClientWithPath(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test DB: %v", err)
	}

	eng := newStubEngine(t)
	svc := NewGuardService(db, engine.NewClient(eng.srv.URL, 10*time.Second), speaker.NewMatcher(speaker.DefaultThreshold), durability)
	t.Cleanup(func() {
		svc.Close()
	})

	return svc, eng
}

// TestEnrollVerifyRoundTrip tests that enrollment followed by verification
// with the same audio-derived embedding yields a match
func TestEnrollVerifyRoundTrip(t *testing.T) {
	svc, _ := setupTestService(t, DurabilityBestEffort)
	ctx := context.Background()

	id, err := svc.EnrollSpeaker(ctx, "user-1", "Alice", "alice.wav", bytes.NewReader(wavBytes("enroll")))
	if err != nil {
		t.Fatalf("EnrollSpeaker failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected non-empty speaker ID")
	}

	result, err := svc.VerifySpeaker(ctx, "user-1", "probe.wav", bytes.NewReader(wavBytes("probe")))
	if err != nil {
		t.Fatalf("VerifySpeaker failed: %v", err)
	}

	if !result.IsMatch {
		t.Error("Expected a match after enrolling with the same embedding")
	}
	if result.Name != "Alice" {
		t.Errorf("Expected name 'Alice', got '%s'", result.Name)
	}
	if result.Score < speaker.DefaultThreshold {
		t.Errorf("Expected score above threshold, got %f", result.Score)
	}
}

// TestVerifyLogsRecord tests that every verification attempt lands in
// history as a verification-kind record
func TestVerifyLogsRecord(t *testing.T) {
	svc, _ := setupTestService(t, DurabilityBestEffort)
	ctx := context.Background()

	if _, err := svc.EnrollSpeaker(ctx, "user-1", "Alice", "alice.wav", bytes.NewReader(wavBytes("a"))); err != nil {
		t.Fatalf("EnrollSpeaker failed: %v", err)
	}
	if _, err := svc.VerifySpeaker(ctx, "user-1", "probe.wav", bytes.NewReader(wavBytes("p"))); err != nil {
		t.Fatalf("VerifySpeaker failed: %v", err)
	}

	scans, err := svc.History("user-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(scans) != 1 {
		t.Fatalf("Expected 1 history record, got %d", len(scans))
	}

	record := scans[0]
	if record.Kind != model.KindVerification {
		t.Errorf("Expected kind %q, got %q", model.KindVerification, record.Kind)
	}
	if record.IsDeepfake {
		t.Error("Successful verification should not be flagged")
	}
	if record.ConfidenceScore < speaker.DefaultThreshold*100 {
		t.Errorf("Expected confidence on 0-100 scale, got %f", record.ConfidenceScore)
	}
	if !strings.HasPrefix(record.AnalysisDetails, "Identity: ") {
		t.Errorf("Unexpected details: %q", record.AnalysisDetails)
	}
}

// TestVerifyNoSpeakers tests verification against an empty enrolled set
func TestVerifyNoSpeakers(t *testing.T) {
	svc, _ := setupTestService(t, DurabilityBestEffort)

	result, err := svc.VerifySpeaker(context.Background(), "user-1", "probe.wav", bytes.NewReader(wavBytes("p")))
	if err != nil {
		t.Fatalf("VerifySpeaker failed: %v", err)
	}

	if result.IsMatch {
		t.Error("Expected no match with no enrolled speakers")
	}
	if result.Name != "Unknown" {
		t.Errorf("Expected 'Unknown', got '%s'", result.Name)
	}
	if result.Score != 0 {
		t.Errorf("Expected score 0, got %f", result.Score)
	}

	// The failed verification is still logged, flagged per the shared
	// history encoding
	scans, err := svc.History("user-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(scans) != 1 || !scans[0].IsDeepfake {
		t.Errorf("Expected one flagged verification record, got %+v", scans)
	}
}

// TestVerifyDifferentVoice tests that an orthogonal probe does not match
func TestVerifyDifferentVoice(t *testing.T) {
	svc, eng := setupTestService(t, DurabilityBestEffort)
	ctx := context.Background()

	if _, err := svc.EnrollSpeaker(ctx, "user-1", "Alice", "alice.wav", bytes.NewReader(wavBytes("a"))); err != nil {
		t.Fatalf("EnrollSpeaker failed: %v", err)
	}

	eng.setEmbedding([]float64{0, 1, 0})
	result, err := svc.VerifySpeaker(ctx, "user-1", "probe.wav", bytes.NewReader(wavBytes("p")))
	if err != nil {
		t.Fatalf("VerifySpeaker failed: %v", err)
	}

	if result.IsMatch || result.Name != "Unknown" {
		t.Errorf("Expected no match, got match=%v name=%s score=%f", result.IsMatch, result.Name, result.Score)
	}
}

// TestEnrollValidation tests that missing fields fail fast without touching
// the engine
func TestEnrollValidation(t *testing.T) {
	svc, eng := setupTestService(t, DurabilityBestEffort)
	ctx := context.Background()

	if _, err := svc.EnrollSpeaker(ctx, "", "Alice", "a.wav", bytes.NewReader(wavBytes("a"))); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for missing userId, got %v", err)
	}
	if _, err := svc.EnrollSpeaker(ctx, "user-1", "", "a.wav", bytes.NewReader(wavBytes("a"))); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for missing name, got %v", err)
	}

	if embed, _, _ := eng.counts(); embed != 0 {
		t.Errorf("Expected no engine calls, got %d", embed)
	}
}

// TestScanUploadDedup tests that identical bytes uploaded twice are served
// from the stored record without a second engine call
func TestScanUploadDedup(t *testing.T) {
	svc, eng := setupTestService(t, DurabilityBestEffort)
	ctx := context.Background()
	data := wavBytes("identical content")

	first, err := svc.ScanUpload(ctx, "user-1", "a.wav", data)
	if err != nil {
		t.Fatalf("First ScanUpload failed: %v", err)
	}
	if first.IsDuplicate {
		t.Error("First upload should not be marked duplicate")
	}

	second, err := svc.ScanUpload(ctx, "user-1", "a.wav", data)
	if err != nil {
		t.Fatalf("Second ScanUpload failed: %v", err)
	}

	if !second.IsDuplicate {
		t.Error("Expected IsDuplicate on the second identical upload")
	}
	if second.ID != first.ID {
		t.Errorf("Expected cached record %s, got %s", first.ID, second.ID)
	}
	if second.IsDeepfake != first.IsDeepfake || second.ConfidenceScore != first.ConfidenceScore {
		t.Errorf("Cached outcome differs: %+v vs %+v", first, second)
	}

	if _, _, uploads := eng.counts(); uploads != 1 {
		t.Errorf("Expected exactly 1 engine call, got %d", uploads)
	}
}

// TestScanUploadDifferentContent tests that different bytes are not deduped
func TestScanUploadDifferentContent(t *testing.T) {
	svc, eng := setupTestService(t, DurabilityBestEffort)
	ctx := context.Background()

	if _, err := svc.ScanUpload(ctx, "user-1", "a.wav", wavBytes("one")); err != nil {
		t.Fatalf("ScanUpload failed: %v", err)
	}
	outcome, err := svc.ScanUpload(ctx, "user-1", "b.wav", wavBytes("two"))
	if err != nil {
		t.Fatalf("ScanUpload failed: %v", err)
	}

	if outcome.IsDuplicate {
		t.Error("Different content must not be marked duplicate")
	}
	if _, _, uploads := eng.counts(); uploads != 2 {
		t.Errorf("Expected 2 engine calls, got %d", uploads)
	}
}

// TestScanUploadRejectsNonAudio tests media-type validation before any
// engine round trip
func TestScanUploadRejectsNonAudio(t *testing.T) {
	svc, eng := setupTestService(t, DurabilityBestEffort)

	_, err := svc.ScanUpload(context.Background(), "user-1", "notes.txt", []byte("just some text"))
	if !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("Expected ErrUnsupportedMedia, got %v", err)
	}

	if _, _, uploads := eng.counts(); uploads != 0 {
		t.Errorf("Expected no engine calls, got %d", uploads)
	}
}

// TestScanURLPersists tests that URL scans are forwarded and recorded
func TestScanURLPersists(t *testing.T) {
	svc, eng := setupTestService(t, DurabilityBestEffort)

	outcome, err := svc.ScanURL(context.Background(), "user-1", "https://example.com/a.mp3")
	if err != nil {
		t.Fatalf("ScanURL failed: %v", err)
	}
	if !outcome.IsDeepfake {
		t.Error("Expected deepfake verdict from stub engine")
	}
	if _, scans, _ := eng.counts(); scans != 1 {
		t.Errorf("Expected 1 engine call, got %d", scans)
	}

	history, err := svc.History("user-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(history))
	}
	if history[0].Kind != model.KindDeepfake {
		t.Errorf("Expected kind %q, got %q", model.KindDeepfake, history[0].Kind)
	}
	if history[0].FileHash != "" {
		t.Error("URL scans carry no content hash")
	}
}

// TestScanAudioRoundTrip tests that stored audio bytes come back intact
func TestScanAudioRoundTrip(t *testing.T) {
	svc, _ := setupTestService(t, DurabilityBestEffort)
	data := wavBytes("some samples")

	outcome, err := svc.ScanUpload(context.Background(), "user-1", "a.wav", data)
	if err != nil {
		t.Fatalf("ScanUpload failed: %v", err)
	}

	got, contentType, err := svc.ScanAudio(outcome.ID)
	if err != nil {
		t.Fatalf("ScanAudio failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("Stored audio differs from uploaded bytes")
	}
	if !strings.HasPrefix(contentType, "audio/") {
		t.Errorf("Expected audio content type, got %s", contentType)
	}
}

// TestScanAudioMissing tests lookups for absent audio and absent records
func TestScanAudioMissing(t *testing.T) {
	svc, _ := setupTestService(t, DurabilityBestEffort)

	// URL scans store no payload
	outcome, err := svc.ScanURL(context.Background(), "user-1", "https://example.com/a.mp3")
	if err != nil {
		t.Fatalf("ScanURL failed: %v", err)
	}
	if _, _, err := svc.ScanAudio(outcome.ID); !errors.Is(err, ErrNoAudio) {
		t.Errorf("Expected ErrNoAudio, got %v", err)
	}

	if _, _, err := svc.ScanAudio("missing-id"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("Expected record-not-found, got %v", err)
	}
}

// TestAttachFeedback tests feedback annotation through the service
func TestAttachFeedback(t *testing.T) {
	svc, _ := setupTestService(t, DurabilityBestEffort)

	outcome, err := svc.ScanUpload(context.Background(), "user-1", "a.wav", wavBytes("x"))
	if err != nil {
		t.Fatalf("ScanUpload failed: %v", err)
	}

	if err := svc.AttachFeedback(outcome.ID, "inaccurate"); err != nil {
		t.Fatalf("AttachFeedback failed: %v", err)
	}

	history, err := svc.History("user-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if history[0].Feedback != "inaccurate" {
		t.Errorf("Expected feedback 'inaccurate', got '%s'", history[0].Feedback)
	}

	if err := svc.AttachFeedback("missing-id", "x"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("Expected record-not-found, got %v", err)
	}
	if err := svc.AttachFeedback(outcome.ID, ""); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty feedback, got %v", err)
	}
}

// TestDurabilityModes tests the persistence policy after a successful
// engine call: best-effort still returns the result when the insert fails,
// strict surfaces the failure
func TestDurabilityModes(t *testing.T) {
	for _, tc := range []struct {
		mode    Durability
		wantErr bool
	}{
		{DurabilityBestEffort, false},
		{DurabilityStrict, true},
	} {
		svc, _ := setupTestService(t, tc.mode)

		// Force insert failures by closing the database underneath the service
		if err := svc.Close(); err != nil {
			t.Fatalf("%s: closing db: %v", tc.mode, err)
		}

		outcome, err := svc.ScanURL(context.Background(), "user-1", "https://example.com/a.mp3")
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected persistence error", tc.mode)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: expected swallowed persistence error, got %v", tc.mode, err)
			continue
		}
		if outcome == nil || !outcome.IsDeepfake {
			t.Errorf("%s: expected engine outcome despite failed insert, got %+v", tc.mode, outcome)
		}
	}
}

// TestCounts tests the metrics counters
func TestCounts(t *testing.T) {
	svc, _ := setupTestService(t, DurabilityBestEffort)
	ctx := context.Background()

	if _, err := svc.EnrollSpeaker(ctx, "user-1", "Alice", "a.wav", bytes.NewReader(wavBytes("a"))); err != nil {
		t.Fatalf("EnrollSpeaker failed: %v", err)
	}
	if _, err := svc.ScanUpload(ctx, "user-1", "b.wav", wavBytes("b")); err != nil {
		t.Fatalf("ScanUpload failed: %v", err)
	}

	speakers, scans, err := svc.Counts()
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if speakers != 1 || scans != 1 {
		t.Errorf("Expected 1 speaker and 1 scan, got %d and %d", speakers, scans)
	}
}
