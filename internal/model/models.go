package model

import "time"

// Scan kinds recorded in history. A verification record is an identity
// check, not a deepfake analysis; the kind field keeps the two apart.
const (
	KindDeepfake     = "deepfake"
	KindVerification = "verification"
)

// AudioFeatures carries the low-level features the analysis engine extracts.
// Field names follow the engine's JSON output.
type AudioFeatures struct {
	ZCR          float64   `json:"zcr"`
	Rolloff      float64   `json:"rolloff"`
	MFCCMean     float64   `json:"mfcc_mean"`
	SilenceRatio float64   `json:"silence_ratio"`
	Duration     float64   `json:"duration"`
	MFCCPlot     []float64 `json:"mfcc_plot"`
}

// ScanOutcome is the structured result of one engine analysis.
type ScanOutcome struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	AudioURL        string         `json:"audioUrl"`
	IsDeepfake      bool           `json:"isDeepfake"`
	ConfidenceScore float64        `json:"confidenceScore"`
	AnalysisDetails string         `json:"analysisDetails,omitempty"`
	Features        *AudioFeatures `json:"features,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	IsDuplicate     bool           `json:"isDuplicate,omitempty"`
}
