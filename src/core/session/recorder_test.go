package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

func TestRecorder_RecordWritesRowWithUUIDPrimaryKey(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "sessions.db")
	rec, err := OpenRecorder(dsn, utils.NewLogger("ERROR", "", ""))
	require.NoError(t, err)
	defer rec.Close()

	started := time.Now().Add(-time.Minute)
	ended := time.Now()
	rec.Record("a0:85:e3:f4:49:34", "sess-1", started, ended, AudioParams{"format": "opus"})

	var row SessionRecord
	require.NoError(t, rec.db.First(&row).Error)
	assert.NoError(t, uuid.Validate(row.ID))
	assert.Equal(t, "a0:85:e3:f4:49:34", row.MAC)
	assert.Equal(t, "sess-1", row.SessionID)
	assert.InDelta(t, ended.Sub(started).Milliseconds(), row.DurationMS, 5)
}

func TestRecorder_NilReceiverRecordIsNoop(t *testing.T) {
	var rec *Recorder
	assert.NotPanics(t, func() {
		rec.Record("mac", "sess", time.Now(), time.Now(), nil)
	})
}

func TestRecorder_NilReceiverCloseIsNoop(t *testing.T) {
	var rec *Recorder
	assert.NoError(t, rec.Close())
}
