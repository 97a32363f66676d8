package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/stream"
)

// Connection is what the manager needs from a stream connection.
type Connection interface {
	Target() models.Target
	Key() models.TargetKey
	Done() <-chan struct{}
	Subscribe(ctx context.Context, environmentID string, opts stream.SubscribeOptions) (string, error)
	Status(ctx context.Context) (stream.Status, error)
	IsAlive(ctx context.Context) bool
	Reconnect()
	Close()
}

// entry is one monitored service. Fields other than conn are only changed
// through Registry methods.
type entry struct {
	conn      Connection
	config    models.ServiceConfig
	startedAt time.Time
	stopPoll  context.CancelFunc

	lastDeployment *models.Deployment
	lastPollAt     time.Time
	lastPollError  string
	healthFailures int
	lastHealthy    time.Time
}

// Registry maps {projectId, serviceId} to its connection. Lookups are
// concurrent; registration of a key is exclusive.
type Registry struct {
	mu      sync.RWMutex
	entries map[models.TargetKey]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[models.TargetKey]*entry)}
}

// register adds e unless key is already present.
func (r *Registry) register(key models.TargetKey, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists {
		return false
	}
	r.entries[key] = e
	return true
}

// Lookup returns the connection registered for key.
func (r *Registry) Lookup(key models.TargetKey) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) remove(key models.TargetKey) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	return e, ok
}

// replace swaps the connection for key, returning false when key is gone.
func (r *Registry) replace(key models.TargetKey, conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	e.conn = conn
	return true
}

func (r *Registry) update(key models.TargetKey, fn func(e *entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		fn(e)
	}
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Keys returns every registered key in a stable order.
func (r *Registry) Keys() []models.TargetKey {
	r.mu.RLock()
	keys := make([]models.TargetKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// KeysForService returns every registered key for serviceID, across projects.
func (r *Registry) KeysForService(serviceID string) []models.TargetKey {
	var out []models.TargetKey
	for _, k := range r.Keys() {
		if k.ServiceID == serviceID {
			out = append(out, k)
		}
	}
	return out
}

// snapshot copies an entry so callers can read it without holding the lock.
func (r *Registry) snapshot(key models.TargetKey) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return entry{}, false
	}
	cp := *e
	if e.lastDeployment != nil {
		d := *e.lastDeployment
		cp.lastDeployment = &d
	}
	return cp, true
}
