package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

// SessionRecord is one completed dialogue, stored as a plain GORM model
// (no embedded gorm.Model), with datatypes.JSON for the free-form
// audio_params payload. ID is a UUID generated for this row
// alone; it has nothing to do with the UUID substring a device presents
// in its client-id, which is never stored here.
type SessionRecord struct {
	ID          string `gorm:"primaryKey"`
	MAC         string `gorm:"index"`
	SessionID   string
	StartedAt   time.Time
	EndedAt     time.Time
	DurationMS  int64
	AudioParams datatypes.JSON
}

// Recorder persists a SessionRecord per completed Session. This is the
// audit trail a production deployment wants for support and debugging
// even though the distilled design drops it.
type Recorder struct {
	db     *gorm.DB
	logger *utils.Logger
}

// OpenRecorder opens (and migrates) the sqlite-backed session history
// store at dsn. A nil Recorder is a valid no-op: callers check for nil
// before dereferencing via Record.
func OpenRecorder(dsn string, appLogger *utils.Logger) (*Recorder, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&SessionRecord{}); err != nil {
		return nil, err
	}
	return &Recorder{db: db, logger: appLogger}, nil
}

// Record writes one completed Session's summary. Failures are logged,
// not propagated: losing a history row must never affect a live device.
func (r *Recorder) Record(mac, sessionID string, started, ended time.Time, audio AudioParams) {
	if r == nil {
		return
	}
	audioJSON, err := json.Marshal(audio)
	if err != nil {
		audioJSON = []byte("null")
	}
	row := SessionRecord{
		ID:          uuid.NewString(),
		MAC:         mac,
		SessionID:   sessionID,
		StartedAt:   started,
		EndedAt:     ended,
		DurationMS:  ended.Sub(started).Milliseconds(),
		AudioParams: datatypes.JSON(audioJSON),
	}
	if err := r.db.Create(&row).Error; err != nil {
		r.logger.Warn("session recorder: write failed mac=%s session_id=%s: %v", mac, sessionID, err)
	}
}

// Close releases the underlying sqlite connection.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
