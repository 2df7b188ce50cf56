package connection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/registry"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

type fakeSweptConn struct {
	mac     string
	alive   bool
	checked int
}

func (f *fakeSweptConn) MAC() string   { return f.mac }
func (f *fakeSweptConn) Close()        {}
func (f *fakeSweptConn) IsAlive() bool { return f.alive }
func (f *fakeSweptConn) CheckKeepAlive(now time.Time) { f.checked++ }

type fakeSweptRegistry struct {
	mu    sync.Mutex
	conns map[string]registry.Conn
}

func (r *fakeSweptRegistry) Iterate(fn func(mac string, conn registry.Conn)) {
	r.mu.Lock()
	snapshot := make(map[string]registry.Conn, len(r.conns))
	for k, v := range r.conns {
		snapshot[k] = v
	}
	r.mu.Unlock()
	for mac, conn := range snapshot {
		fn(mac, conn)
	}
}

func (r *fakeSweptRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func TestSweeper_TickChecksEveryConnectionAndCountsLiveOnes(t *testing.T) {
	a := &fakeSweptConn{mac: "11:11:11:11:11:11", alive: true}
	b := &fakeSweptConn{mac: "22:22:22:22:22:22", alive: false}
	reg := &fakeSweptRegistry{conns: map[string]registry.Conn{a.mac: a, b.mac: b}}

	sw := NewSweeper(reg, time.Second, utils.NewLogger("ERROR", "", ""))
	sw.tick(time.Now())

	assert.Equal(t, 1, a.checked)
	assert.Equal(t, 1, b.checked)
	assert.Equal(t, 1, sw.lastActive)
	assert.Equal(t, 2, sw.lastTotal)
}

type bareConn struct {
	mac   string
	alive bool
}

func (b *bareConn) MAC() string   { return b.mac }
func (b *bareConn) Close()        {}
func (b *bareConn) IsAlive() bool { return b.alive }

func TestSweeper_SkipsEntriesThatAreNotCheckable(t *testing.T) {
	reg := &fakeSweptRegistry{conns: map[string]registry.Conn{
		"33:33:33:33:33:33": &bareConn{mac: "33:33:33:33:33:33", alive: true},
	}}

	sw := NewSweeper(reg, time.Second, utils.NewLogger("ERROR", "", ""))
	assert.NotPanics(t, func() { sw.tick(time.Now()) })
}

func TestSweeper_RunStopsOnContextCancel(t *testing.T) {
	reg := &fakeSweptRegistry{conns: map[string]registry.Conn{}}
	sw := NewSweeper(reg, 5*time.Millisecond, utils.NewLogger("ERROR", "", ""))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sweeper.Run did not return after context cancel")
	}
}
