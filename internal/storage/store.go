package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const DefaultDBFile = "voiceguard.sqlite3"
const errDBClientNil = "db client is nil"

type DBClient struct {
	DB *gorm.DB
	db *sql.DB
}

// Speaker is an enrolled voice reference. The embedding is stored as a JSON
// array; its length is whatever the inference model produced at enrollment.
type Speaker struct {
	ID        string                       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    string                       `gorm:"index:idx_speaker_user" json:"user_id"`
	Name      string                       `json:"name"`
	Embedding datatypes.JSONSlice[float64] `json:"-"`
	CreatedAt time.Time                    `json:"created_at"`
}

// Scan is one logged analysis attempt: a deepfake check or an identity
// verification, told apart by Kind.
type Scan struct {
	ID              string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID          string    `gorm:"index:idx_scan_user" json:"userId"`
	AudioURL        string    `json:"audioUrl"`
	Kind            string    `gorm:"type:varchar(16)" json:"kind"`
	IsDeepfake      bool      `json:"isDeepfake"`
	ConfidenceScore float64   `json:"confidenceScore"`
	AnalysisDetails string    `json:"analysisDetails,omitempty"`
	FileHash        string    `gorm:"index:idx_scan_hash" json:"-"`
	AudioData       string    `gorm:"type:text" json:"-"`
	Feedback        string    `json:"feedback,omitempty"`
	CreatedAt       time.Time `gorm:"index:idx_scan_created" json:"createdAt"`
}

func NewDBClient() (*DBClient, error) {
	dbPath := os.Getenv("VOICEGUARD_DB_PATH")
	if dbPath == "" {
		dbPath = DefaultDBFile
	}
	return NewDBClientWithPath(dbPath)
}

func NewDBClientWithPath(dbPath string) (*DBClient, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil && !os.IsExist(err) {
		if filepath.Dir(dbPath) != "." {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_foreign_keys=on"), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB from gorm: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Speaker{}, &Scan{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &DBClient{DB: db, db: sqlDB}, nil
}

func (c *DBClient) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Ping checks database connectivity for the health endpoint.
func (c *DBClient) Ping(ctx context.Context) error {
	if c == nil || c.db == nil {
		return errors.New(errDBClientNil)
	}
	return c.db.PingContext(ctx)
}

// CreateSpeaker inserts a new enrolled speaker and returns its ID. Repeated
// enrollments under the same name create independent rows; all of them are
// candidates during matching.
func (c *DBClient) CreateSpeaker(userID, name string, embedding []float64) (string, error) {
	if c == nil || c.DB == nil {
		return "", errors.New(errDBClientNil)
	}

	spk := Speaker{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Embedding: datatypes.NewJSONSlice(embedding),
	}
	if err := c.DB.Create(&spk).Error; err != nil {
		return "", fmt.Errorf("creating speaker: %w", err)
	}
	return spk.ID, nil
}

// ListSpeakers returns every enrolled speaker. Verification matches against
// the full enrolled set, not just the caller's own speakers.
func (c *DBClient) ListSpeakers() ([]Speaker, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var speakers []Speaker
	if err := c.DB.Find(&speakers).Error; err != nil {
		return nil, fmt.Errorf("listing speakers: %w", err)
	}
	return speakers, nil
}

// ListSpeakersByUser returns the speakers enrolled by one owner.
func (c *DBClient) ListSpeakersByUser(userID string) ([]Speaker, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var speakers []Speaker
	if err := c.DB.Where("user_id = ?", userID).Find(&speakers).Error; err != nil {
		return nil, fmt.Errorf("listing speakers for user: %w", err)
	}
	return speakers, nil
}

func (c *DBClient) CountSpeakers() (int64, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	var count int64
	if err := c.DB.Model(&Speaker{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting speakers: %w", err)
	}
	return count, nil
}

// CreateScan inserts a scan record, assigning an ID and timestamp if unset.
func (c *DBClient) CreateScan(scan *Scan) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now()
	}
	if err := c.DB.Create(scan).Error; err != nil {
		return fmt.Errorf("creating scan: %w", err)
	}
	return nil
}

// FindScanByHash returns the earliest stored scan with the given content
// hash, or nil when no identical upload was seen before. The lookup is not
// atomic with the subsequent insert; concurrent identical uploads may race
// into duplicate rows, which is accepted.
func (c *DBClient) FindScanByHash(hash string) (*Scan, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	if hash == "" {
		return nil, nil
	}
	var scan Scan
	err := c.DB.Where("file_hash = ?", hash).Order("created_at ASC").First(&scan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying scan by hash: %w", err)
	}
	return &scan, nil
}

// ScansByUser returns the owner's scan history, newest first.
func (c *DBClient) ScansByUser(userID string) ([]Scan, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var scans []Scan
	if err := c.DB.Where("user_id = ?", userID).Order("created_at DESC").Find(&scans).Error; err != nil {
		return nil, fmt.Errorf("listing scans for user: %w", err)
	}
	return scans, nil
}

// ScanByID fetches a single scan record.
func (c *DBClient) ScanByID(id string) (*Scan, error) {
	if c == nil || c.DB == nil {
		return nil, errors.New(errDBClientNil)
	}
	var scan Scan
	if err := c.DB.Where("id = ?", id).First(&scan).Error; err != nil {
		return nil, err
	}
	return &scan, nil
}

// AttachFeedback sets the feedback tag on a scan record. Feedback is the
// only mutation scans support.
func (c *DBClient) AttachFeedback(id, feedback string) error {
	if c == nil || c.DB == nil {
		return errors.New(errDBClientNil)
	}
	res := c.DB.Model(&Scan{}).Where("id = ?", id).Update("feedback", feedback)
	if res.Error != nil {
		return fmt.Errorf("attaching feedback: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (c *DBClient) CountScans() (int64, error) {
	if c == nil || c.DB == nil {
		return 0, errors.New(errDBClientNil)
	}
	var count int64
	if err := c.DB.Model(&Scan{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting scans: %w", err)
	}
	return count, nil
}
