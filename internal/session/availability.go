package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// AvailabilityCache remembers app availability probes for a short TTL and
// collapses concurrent probes for the same key. One cache is shared by all
// devices of a registry; keys combine device and app id.
type AvailabilityCache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]availabilityEntry
}

type availabilityEntry struct {
	available bool
	at        time.Time
}

// NewAvailabilityCache creates a cache. A ttl of zero disables caching;
// concurrent probes are still collapsed.
func NewAvailabilityCache(ttl time.Duration) *AvailabilityCache {
	return &AvailabilityCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]availabilityEntry),
	}
}

// Check reports whether appID can be launched on the device, calling probe
// on a miss.
func (a *AvailabilityCache) Check(ctx context.Context, deviceID, appID string,
	probe func(ctx context.Context, appID string) (map[string]bool, error)) (bool, error) {
	key := deviceID + "/" + appID

	if a.ttl > 0 {
		a.mu.Lock()
		entry, ok := a.entries[key]
		a.mu.Unlock()
		if ok && a.now().Sub(entry.at) < a.ttl {
			return entry.available, nil
		}
	}

	v, err, _ := a.group.Do(key, func() (any, error) {
		result, err := probe(ctx, appID)
		if err != nil {
			return false, err
		}
		available := result[appID]
		if a.ttl > 0 {
			a.mu.Lock()
			a.entries[key] = availabilityEntry{available: available, at: a.now()}
			a.mu.Unlock()
		}
		return available, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Warm fills the cache for appID ahead of a launch. A launch that checks
// while the probe is in flight waits for it. It does nothing when caching
// is disabled.
func (a *AvailabilityCache) Warm(ctx context.Context, deviceID, appID string,
	probe func(ctx context.Context, appID string) (map[string]bool, error)) error {
	if a.ttl <= 0 || appID == "" {
		return nil
	}
	_, err := a.Check(ctx, deviceID, appID, probe)
	return err
}

// Forget drops cached entries for a device, e.g. after it was removed.
func (a *AvailabilityCache) Forget(deviceID string) {
	prefix := deviceID + "/"
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.entries {
		if strings.HasPrefix(key, prefix) {
			delete(a.entries, key)
		}
	}
}
