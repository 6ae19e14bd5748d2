package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pranavjoshi/VoiceGuard/internal/engine"
	"github.com/pranavjoshi/VoiceGuard/internal/model"
	"github.com/pranavjoshi/VoiceGuard/internal/speaker"
	"github.com/pranavjoshi/VoiceGuard/internal/storage"
	"github.com/pranavjoshi/VoiceGuard/pkg/logger"
	"github.com/pranavjoshi/VoiceGuard/pkg/utils"
)

// Durability controls what happens when a scan record insert fails after a
// successful engine call: strict surfaces the error, best-effort logs it and
// still returns the computed result to the caller.
type Durability string

const (
	DurabilityStrict     Durability = "strict"
	DurabilityBestEffort Durability = "best-effort"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrEngine           = errors.New("inference engine error")
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrNoAudio          = errors.New("scan has no stored audio")
)

// verificationSource is the source descriptor logged for identity checks,
// which carry no URL.
const verificationSource = "Speaker Verification (File Upload)"

type GuardService struct {
	db         *storage.DBClient
	engine     *engine.Client
	matcher    *speaker.Matcher
	durability Durability
	log        *logger.Logger
}

func NewGuardService(db *storage.DBClient, eng *engine.Client, matcher *speaker.Matcher, durability Durability) *GuardService {
	if durability == "" {
		durability = DurabilityBestEffort
	}
	return &GuardService{
		db:         db,
		engine:     eng,
		matcher:    matcher,
		durability: durability,
		log:        logger.GetLogger(),
	}
}

// EnrollSpeaker registers a named voice reference for later verification.
// The engine converts the audio to an embedding; nothing is persisted if
// that call fails.
func (s *GuardService) EnrollSpeaker(ctx context.Context, userID, name, filename string, audio io.Reader) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	// 1. Obtain the embedding from the engine
	embedding, err := s.engine.Embed(ctx, filename, audio)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngine, err)
	}

	// 2. Store the speaker
	id, err := s.db.CreateSpeaker(userID, name, embedding)
	if err != nil {
		return "", fmt.Errorf("storing speaker: %w", err)
	}

	s.log.Infof("Enrolled speaker %q for user %s (dim=%d, id=%s)", name, userID, len(embedding), id)
	return id, nil
}

// VerifySpeaker checks probe audio against every enrolled speaker and logs
// the attempt as a verification scan record.
func (s *GuardService) VerifySpeaker(ctx context.Context, userID, filename string, audio io.Reader) (*speaker.Result, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}

	// 1. Obtain the probe embedding
	embedding, err := s.engine.Embed(ctx, filename, audio)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	// 2. Load all enrolled speakers. A linear scan is fine at the expected
	// enrollment counts (well under a thousand).
	speakers, err := s.db.ListSpeakers()
	if err != nil {
		return nil, fmt.Errorf("loading speakers: %w", err)
	}

	candidates := make([]speaker.Candidate, len(speakers))
	for i, spk := range speakers {
		candidates[i] = speaker.Candidate{Name: spk.Name, Embedding: spk.Embedding}
	}

	// 3. Match
	result, err := s.matcher.Match(embedding, candidates)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	s.log.Infof("Verification for user %s: match=%v name=%q score=%.4f", userID, result.IsMatch, result.Name, result.Score)

	// 4. Log the attempt to history. Kind tells these records apart from
	// deepfake analyses; IsDeepfake mirrors the historical "failed to
	// verify" encoding for existing history consumers.
	record := &storage.Scan{
		UserID:          userID,
		AudioURL:        verificationSource,
		Kind:            model.KindVerification,
		IsDeepfake:      !result.IsMatch,
		ConfidenceScore: result.Score * 100,
		AnalysisDetails: "Identity: " + result.Details,
	}
	if err := s.persistScan(record); err != nil {
		return nil, err
	}

	return &result, nil
}

// ScanURL forwards a remote audio URL to the engine for deepfake analysis
// and persists the outcome.
func (s *GuardService) ScanURL(ctx context.Context, userID, audioURL string) (*model.ScanOutcome, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if audioURL == "" {
		return nil, fmt.Errorf("%w: audioUrl is required", ErrInvalidInput)
	}

	outcome, err := s.engine.ScanURL(ctx, audioURL, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	record := scanFromOutcome(outcome)
	if err := s.persistScan(record); err != nil {
		return nil, err
	}
	outcome.ID = record.ID

	return outcome, nil
}

// ScanUpload analyzes uploaded audio bytes. Identical content seen before is
// served from the stored record without a second engine call.
func (s *GuardService) ScanUpload(ctx context.Context, userID, filename string, data []byte) (*model.ScanOutcome, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: file is required", ErrInvalidInput)
	}

	// 1. Reject non-audio payloads before paying for an engine round trip.
	if mtype := mimetype.Detect(data); !isAudio(mtype) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, mtype.String())
	}

	// 2. Dedup by content hash. Lookup-before-insert: a concurrent identical
	// upload can slip past this and produce a duplicate row, accepted as a
	// best-effort cache rather than a guarantee.
	hash := utils.HashContent(data)
	if prev, err := s.db.FindScanByHash(hash); err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	} else if prev != nil {
		s.log.Infof("Duplicate upload for user %s, serving cached scan %s", userID, prev.ID)
		outcome := outcomeFromScan(prev)
		outcome.IsDuplicate = true
		return outcome, nil
	}

	// 3. Analyze
	outcome, err := s.engine.ScanUpload(ctx, filename, userID, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngine, err)
	}

	// 4. Persist with hash and raw payload so the audio can be replayed later
	record := scanFromOutcome(outcome)
	record.FileHash = hash
	record.AudioData = base64.StdEncoding.EncodeToString(data)
	if err := s.persistScan(record); err != nil {
		return nil, err
	}
	outcome.ID = record.ID

	return outcome, nil
}

// History returns the owner's scan records, newest first.
func (s *GuardService) History(userID string) ([]storage.Scan, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	return s.db.ScansByUser(userID)
}

// AttachFeedback stores a user's feedback tag on a scan record.
func (s *GuardService) AttachFeedback(scanID, feedback string) error {
	if feedback == "" {
		return fmt.Errorf("%w: feedback is required", ErrInvalidInput)
	}
	return s.db.AttachFeedback(scanID, feedback)
}

// ScanAudio reconstitutes the raw audio bytes stored with a scan, along with
// a sniffed content type for serving.
func (s *GuardService) ScanAudio(scanID string) ([]byte, string, error) {
	scan, err := s.db.ScanByID(scanID)
	if err != nil {
		return nil, "", err
	}
	if scan.AudioData == "" {
		return nil, "", ErrNoAudio
	}

	data, err := base64.StdEncoding.DecodeString(scan.AudioData)
	if err != nil {
		return nil, "", fmt.Errorf("decoding stored audio: %w", err)
	}
	return data, mimetype.Detect(data).String(), nil
}

// Speakers returns the metadata of speakers enrolled by one owner.
func (s *GuardService) Speakers(userID string) ([]storage.Speaker, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	return s.db.ListSpeakersByUser(userID)
}

// Counts reports enrolled speaker and scan record totals for metrics.
func (s *GuardService) Counts() (speakers, scans int64, err error) {
	speakers, err = s.db.CountSpeakers()
	if err != nil {
		return 0, 0, err
	}
	scans, err = s.db.CountScans()
	if err != nil {
		return 0, 0, err
	}
	return speakers, scans, nil
}

// PingDB checks database connectivity.
func (s *GuardService) PingDB(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *GuardService) Close() error {
	return s.db.Close()
}

// persistScan writes a history record, honoring the configured durability.
func (s *GuardService) persistScan(record *storage.Scan) error {
	err := s.db.CreateScan(record)
	if err == nil {
		return nil
	}
	if s.durability == DurabilityStrict {
		return fmt.Errorf("persisting scan record: %w", err)
	}
	s.log.Errorf("Failed to persist scan record (best-effort, result still returned): %v", err)
	return nil
}

func scanFromOutcome(o *model.ScanOutcome) *storage.Scan {
	return &storage.Scan{
		ID:              o.ID,
		UserID:          o.UserID,
		AudioURL:        o.AudioURL,
		Kind:            model.KindDeepfake,
		IsDeepfake:      o.IsDeepfake,
		ConfidenceScore: o.ConfidenceScore,
		AnalysisDetails: o.AnalysisDetails,
		CreatedAt:       o.CreatedAt,
	}
}

func outcomeFromScan(scan *storage.Scan) *model.ScanOutcome {
	return &model.ScanOutcome{
		ID:              scan.ID,
		UserID:          scan.UserID,
		AudioURL:        scan.AudioURL,
		IsDeepfake:      scan.IsDeepfake,
		ConfidenceScore: scan.ConfidenceScore,
		AnalysisDetails: scan.AnalysisDetails,
		CreatedAt:       scan.CreatedAt,
	}
}

// isAudio accepts anything the engine can plausibly decode: audio streams
// plus the containers browser recorders produce.
func isAudio(mtype *mimetype.MIME) bool {
	switch {
	case mtype.Is("video/webm"), mtype.Is("application/ogg"):
		return true
	default:
		return strings.HasPrefix(mtype.String(), "audio/")
	}
}
