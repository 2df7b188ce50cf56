package admin

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDailyToken_IsDeterministicForSameDayAndKey(t *testing.T) {
	now := time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)
	a := dailyToken("shared-secret", now)
	b := dailyToken("shared-secret", now.Add(5*time.Hour))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex-encoded sha256
}

func TestDailyToken_ChangesAcrossDaysAndKeys(t *testing.T) {
	day1 := time.Date(2026, 8, 3, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 4, 0, 1, 0, 0, time.UTC)

	assert.NotEqual(t, dailyToken("shared-secret", day1), dailyToken("shared-secret", day2))
	assert.NotEqual(t, dailyToken("shared-secret", day1), dailyToken("other-secret", day1))
}

func TestRequireBearer_AcceptsTodaysTokenOnly(t *testing.T) {
	check := requireBearer("shared-secret")
	valid := dailyToken("shared-secret", time.Now())

	good := http.Header{}
	good.Set("Authorization", "Bearer "+valid)
	assert.True(t, check(good))

	bad := http.Header{}
	bad.Set("Authorization", "Bearer wrong-token")
	assert.False(t, check(bad))

	missing := http.Header{}
	assert.False(t, check(missing))

	malformed := http.Header{}
	malformed.Set("Authorization", valid)
	assert.False(t, check(malformed))
}
