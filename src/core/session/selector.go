package session

import (
	"fmt"
	"math/rand"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/configs"
)

// Selector picks an upstream chat-server URL for a device's hello,
// grounded on the development/production bucket split in mqtt.json.
type Selector struct {
	snapshot func() *configs.Config
}

// NewSelector wraps the config manager's snapshot accessor so the
// selector always sees the current hot-reloaded buckets.
func NewSelector(snapshot func() *configs.Config) *Selector {
	return &Selector{snapshot: snapshot}
}

// Pick returns a uniformly random URL from the bucket mac belongs to:
// development if mac is listed in development.mac_addresss, production
// otherwise. It fails if the applicable bucket has no candidate servers.
func (s *Selector) Pick(mac string) (string, error) {
	cfg := s.snapshot()

	bucket := cfg.Production
	if contains(cfg.Development.MacAddresss, mac) {
		bucket = cfg.Development
	}

	if len(bucket.ChatServers) == 0 {
		return "", fmt.Errorf("session: no chat_servers configured for mac %s", mac)
	}
	return bucket.ChatServers[rand.Intn(len(bucket.ChatServers))], nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
