// Package registry maps a device's MAC address to its live Connection.
// The map itself is the only structure shared across devices (every other
// piece of gateway state belongs to exactly one Connection or Session), so
// its mutation is guarded the way presence.DevicePresence guards device
// state: one mutex, defensive copies on read.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

// Conn is the subset of Connection the registry needs: enough to evict an
// entry without importing the connection package (which imports registry).
type Conn interface {
	MAC() string
	Close()
	IsAlive() bool
}

var bucketConnections = []byte("connections")

// Registry holds the MAC -> Connection map plus optional durable and
// cross-instance mirrors.
type Registry struct {
	mu    sync.Mutex
	conns map[string]Conn

	logger *utils.Logger
	db     *bbolt.DB
	rdb    *redis.Client
	rdbTTL time.Duration
}

// New opens (creating if absent) a bbolt snapshot store at dbPath. rdb may
// be nil when no cross-instance mirror is configured.
func New(dbPath string, rdb *redis.Client, rdbTTL time.Duration, logger *utils.Logger) (*Registry, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketConnections)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{
		conns:  make(map[string]Conn),
		logger: logger,
		db:     db,
		rdb:    rdb,
		rdbTTL: rdbTTL,
	}, nil
}

// snapshotRecord is the durable shape written to bbolt per MAC; it outlives
// any single Connection, recording only what an operator might want to
// inspect after the process restarts.
type snapshotRecord struct {
	MAC          string    `json:"mac"`
	RegisteredAt time.Time `json:"registered_at"`
	// RegistrationID distinguishes successive registrations of the same
	// MAC in the durable snapshot history; it has no relation to the
	// UUID substring a device presents in its client-id.
	RegistrationID string `json:"registration_id"`
}

// Insert installs conn for mac and then closes any prior Connection it
// displaced. Removing the prior entry and installing conn happen in one
// step under the lock, so concurrent Inserts for the same mac each
// displace exactly one predecessor. The displaced Connection is closed
// only after conn is installed and the lock is released, so for a short
// time the old socket is still open while the new one is registered.
func (r *Registry) Insert(mac string, conn Conn) {
	r.mu.Lock()
	prior, had := r.conns[mac]
	r.conns[mac] = conn
	r.mu.Unlock()

	if had && prior != conn {
		prior.Close()
	}

	r.persist(mac)
	r.mirrorOnline(mac)
}

// Remove deletes the mac entry only if it currently points at conn, so a
// stale close from a replaced Connection can never evict its successor.
func (r *Registry) Remove(mac string, conn Conn) {
	r.mu.Lock()
	current, ok := r.conns[mac]
	removed := ok && current == conn
	if removed {
		delete(r.conns, mac)
	}
	r.mu.Unlock()

	if removed {
		r.forget(mac)
		r.mirrorOffline(mac)
	}
}

// Get looks up the live Connection for mac, if any.
func (r *Registry) Get(mac string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[mac]
	return c, ok
}

// IsAlive reports whether mac has a registered Connection with a live
// Session.
func (r *Registry) IsAlive(mac string) bool {
	c, ok := r.Get(mac)
	return ok && c.IsAlive()
}

// Iterate calls fn for every MAC/Connection pair registered when it was
// called. fn runs on a copy of the map after the lock is released, so it
// may call Insert/Remove (closing a Connection calls Remove).
func (r *Registry) Iterate(fn func(mac string, conn Conn)) {
	r.mu.Lock()
	snapshot := make(map[string]Conn, len(r.conns))
	for k, v := range r.conns {
		snapshot[k] = v
	}
	r.mu.Unlock()

	for mac, conn := range snapshot {
		fn(mac, conn)
	}
}

// Count returns the number of currently-registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) persist(mac string) {
	rec := snapshotRecord{MAC: mac, RegisteredAt: time.Now(), RegistrationID: uuid.NewString()}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConnections).Put([]byte(mac), data)
	})
	if err != nil {
		r.logger.Warn("写入设备快照失败 mac=%s: %v", mac, err)
	}
}

func (r *Registry) forget(mac string) {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConnections).Delete([]byte(mac))
	})
	if err != nil {
		r.logger.Warn("删除设备快照失败 mac=%s: %v", mac, err)
	}
}

func (r *Registry) mirrorOnline(mac string) {
	if r.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.rdb.Set(ctx, presenceKey(mac), "1", r.rdbTTL).Err(); err != nil {
		r.logger.Warn("Redis 在线标记失败 mac=%s: %v", mac, err)
	}
}

func (r *Registry) mirrorOffline(mac string) {
	if r.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.rdb.Del(ctx, presenceKey(mac)).Err(); err != nil {
		r.logger.Warn("Redis 在线标记清除失败 mac=%s: %v", mac, err)
	}
}

func presenceKey(mac string) string { return "gateway:presence:" + mac }

// Close releases the durable store and the Redis mirror's connection, if
// one is configured. It does not close registered Connections; callers
// drive that shutdown order explicitly.
func (r *Registry) Close() error {
	if r.rdb != nil {
		r.rdb.Close()
	}
	return r.db.Close()
}
