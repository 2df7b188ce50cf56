package connection

import (
	"context"
	"time"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/registry"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

// Registry is the slice of the device registry the sweeper needs: a
// snapshot of every live Connection, taken without holding the
// registry's lock for the whole tick.
type Registry interface {
	Iterate(fn func(mac string, conn registry.Conn))
	Count() int
}

// checkable is registry.Conn extended with the keep-alive check the
// sweeper drives. *Connection satisfies it; registry.Conn alone does
// not need to, since the registry only ever hands the sweeper real
// Connections.
type checkable interface {
	CheckKeepAlive(now time.Time)
	IsAlive() bool
}

// Sweeper runs checkKeepAlive on every registered Connection at a fixed
// cadence, following the same periodic presence-sweep pattern used for
// device online/offline tracking, adapted to this registry's MAC-keyed
// Connection map.
type Sweeper struct {
	registry Registry
	logger   *utils.Logger
	interval time.Duration

	lastActive int
	lastTotal  int
}

// NewSweeper builds a Sweeper over registry, ticking at interval (the
// gateway runs it at roughly 1 Hz).
func NewSweeper(reg Registry, interval time.Duration, logger *utils.Logger) *Sweeper {
	return &Sweeper{registry: reg, interval: interval, logger: logger, lastActive: -1, lastTotal: -1}
}

// Run blocks, ticking until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sw.tick(now)
		}
	}
}

func (sw *Sweeper) tick(now time.Time) {
	activeCount := 0
	total := sw.registry.Count()

	sw.registry.Iterate(func(mac string, conn registry.Conn) {
		c, ok := conn.(checkable)
		if !ok {
			return
		}
		c.CheckKeepAlive(now)
		if c.IsAlive() {
			activeCount++
		}
	})

	if activeCount != sw.lastActive || total != sw.lastTotal {
		sw.logger.Info("keep-alive sweep: active=%d total=%d", activeCount, total)
		sw.lastActive = activeCount
		sw.lastTotal = total
	}
}
