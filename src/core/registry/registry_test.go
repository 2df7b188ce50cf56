package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

type fakeConn struct {
	mac   string
	alive bool

	mu     sync.Mutex
	closed bool
}

func (f *fakeConn) MAC() string    { return f.mac }
func (f *fakeConn) IsAlive() bool  { return f.alive }
func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}
func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	logger := utils.NewLogger("ERROR", "", "")
	r, err := New(filepath.Join(dir, "registry.db"), nil, 0, logger)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestInsert_EvictsPriorConnectionForSameMAC(t *testing.T) {
	r := newTestRegistry(t)
	first := &fakeConn{mac: "a0:85:e3:f4:49:34"}
	second := &fakeConn{mac: "a0:85:e3:f4:49:34"}

	r.Insert(first.mac, first)
	r.Insert(second.mac, second)

	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())

	got, ok := r.Get("a0:85:e3:f4:49:34")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Count())
}

func TestInsert_SameConnectionReinsertedDoesNotSelfEvict(t *testing.T) {
	r := newTestRegistry(t)
	conn := &fakeConn{mac: "00:11:22:33:44:55"}

	r.Insert(conn.mac, conn)
	r.Insert(conn.mac, conn)

	assert.False(t, conn.isClosed())
}

func TestRemove_OnlyEvictsIfCurrentEntryMatches(t *testing.T) {
	r := newTestRegistry(t)
	stale := &fakeConn{mac: "00:11:22:33:44:55"}
	current := &fakeConn{mac: "00:11:22:33:44:55"}

	r.Insert(stale.mac, stale)
	r.Insert(current.mac, current)

	r.Remove(stale.mac, stale)

	got, ok := r.Get("00:11:22:33:44:55")
	require.True(t, ok)
	assert.Same(t, current, got)

	r.Remove(current.mac, current)
	_, ok = r.Get("00:11:22:33:44:55")
	assert.False(t, ok)
}

func TestIsAlive_ReflectsConnectionState(t *testing.T) {
	r := newTestRegistry(t)
	conn := &fakeConn{mac: "aa:bb:cc:dd:ee:ff", alive: false}
	r.Insert(conn.mac, conn)

	assert.False(t, r.IsAlive(conn.mac))
	conn.alive = true
	assert.True(t, r.IsAlive(conn.mac))
	assert.False(t, r.IsAlive("no:such:mac:00:00:00"))
}

func TestIterate_VisitsEveryRegisteredConnection(t *testing.T) {
	r := newTestRegistry(t)
	a := &fakeConn{mac: "11:11:11:11:11:11"}
	b := &fakeConn{mac: "22:22:22:22:22:22"}
	r.Insert(a.mac, a)
	r.Insert(b.mac, b)

	seen := map[string]bool{}
	r.Iterate(func(mac string, conn Conn) { seen[mac] = true })

	assert.Len(t, seen, 2)
	assert.True(t, seen[a.mac])
	assert.True(t, seen[b.mac])
}

func TestInsert_ConcurrentStormLeavesExactlyOneSurvivor(t *testing.T) {
	r := newTestRegistry(t)
	const n = 50
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = &fakeConn{mac: "a0:85:e3:f4:49:34"}
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			r.Insert(c.mac, c)
		}(c)
	}
	wg.Wait()

	assert.Equal(t, 1, r.Count())
	got, ok := r.Get("a0:85:e3:f4:49:34")
	require.True(t, ok)

	closedCount := 0
	for _, c := range conns {
		if c.isClosed() {
			closedCount++
		}
	}
	assert.Equal(t, n-1, closedCount)
	assert.False(t, got.(*fakeConn).isClosed())
}

func TestInsert_PersistsSnapshotWithUniqueRegistrationID(t *testing.T) {
	r := newTestRegistry(t)
	a := &fakeConn{mac: "a0:85:e3:f4:49:34"}
	b := &fakeConn{mac: "a0:85:e3:f4:49:34"}

	r.Insert(a.mac, a)
	var first snapshotRecord
	require.NoError(t, r.db.View(func(tx *bbolt.Tx) error {
		return json.Unmarshal(tx.Bucket(bucketConnections).Get([]byte(a.mac)), &first)
	}))
	assert.NotEmpty(t, first.RegistrationID)

	r.Insert(b.mac, b)
	var second snapshotRecord
	require.NoError(t, r.db.View(func(tx *bbolt.Tx) error {
		return json.Unmarshal(tx.Bucket(bucketConnections).Get([]byte(b.mac)), &second)
	}))
	assert.NotEmpty(t, second.RegistrationID)
	assert.NotEqual(t, first.RegistrationID, second.RegistrationID)
}

func TestNew_FailsOnUnwritableDir(t *testing.T) {
	_, err := New(filepath.Join(string(os.PathSeparator), "no-such-dir-xyz", "registry.db"), nil, 0, utils.NewLogger("ERROR", "", ""))
	assert.Error(t, err)
}

func TestNew_StoresProvidedRedisClientForMirroring(t *testing.T) {
	dir := t.TempDir()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:63799"})

	r, err := New(filepath.Join(dir, "registry.db"), rdb, 30*time.Second, utils.NewLogger("ERROR", "", ""))
	require.NoError(t, err)
	defer r.Close()

	assert.Same(t, rdb, r.rdb)
	assert.Equal(t, 30*time.Second, r.rdbTTL)

	// mirrorOnline/mirrorOffline must not block Insert/Remove even though
	// nothing is listening on the configured Redis address.
	conn := &fakeConn{mac: "a0:85:e3:f4:49:34"}
	r.Insert(conn.mac, conn)
	r.Remove(conn.mac, conn)
}

func TestClose_ClosesRedisClientWhenProvided(t *testing.T) {
	dir := t.TempDir()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:63799"})

	r, err := New(filepath.Join(dir, "registry.db"), rdb, 0, utils.NewLogger("ERROR", "", ""))
	require.NoError(t, err)

	assert.NoError(t, r.Close())
}
