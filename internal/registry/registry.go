// Package registry owns the set of live instances and their lifecycle state
// machine. All mutation goes through Create, Transition, and Destroy;
// transitions for one instance are serialized, instances are independent.
package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wa-session-console/backend/internal/driver"
	"github.com/wa-session-console/backend/internal/model"
	"github.com/wa-session-console/backend/internal/repository"
)

// DefaultGracePeriod is how long a Destroyed record remains readable before
// the registry drops it.
const DefaultGracePeriod = 5 * time.Second

// instanceContext holds the runtime context for one instance.
type instanceContext struct {
	mu     sync.Mutex
	record *model.InstanceRecord
	handle driver.Handle
}

// Registry is the single source of truth for which instances exist.
type Registry struct {
	drv         driver.SessionDriver
	repo        *repository.InstanceRepository
	gracePeriod time.Duration

	mu        sync.RWMutex
	instances map[string]*instanceContext
}

// Config holds configuration for the registry.
type Config struct {
	// GracePeriod keeps Destroyed records readable for observers before
	// removal. Zero means DefaultGracePeriod.
	GracePeriod time.Duration
}

// Change describes one lifecycle transition. Fields other than To are read
// only where the target state uses them.
type Change struct {
	To             model.LifecycleState
	PairingPayload []byte
	SessionInfo    *model.SessionInfo
	Reason         string
}

// legalTransitions enumerates every (from, to) pair the state machine
// accepts. AwaitingPairing re-entry is a pairing payload refresh; recovery
// paths re-enter the authenticating states from Disconnected and AuthFailed.
var legalTransitions = map[model.LifecycleState]map[model.LifecycleState]bool{
	model.StateInitializing: {
		model.StateAwaitingPairing: true,
		model.StateAuthenticated:   true,
		model.StateAuthFailed:      true,
		model.StateDestroyed:       true,
	},
	model.StateAwaitingPairing: {
		model.StateAwaitingPairing: true,
		model.StateAuthenticated:   true,
		model.StateAuthFailed:      true,
		model.StateDestroyed:       true,
	},
	model.StateAuthenticated: {
		model.StateReady:        true,
		model.StateDisconnected: true,
		model.StateDestroyed:    true,
	},
	model.StateReady: {
		model.StateDisconnected: true,
		model.StateDestroyed:    true,
	},
	model.StateDisconnected: {
		model.StateAwaitingPairing: true,
		model.StateAuthenticated:   true,
		model.StateReady:           true,
		model.StateAuthFailed:      true,
		model.StateDestroyed:       true,
	},
	model.StateAuthFailed: {
		model.StateAwaitingPairing: true,
		model.StateAuthenticated:   true,
		model.StateDestroyed:       true,
	},
	model.StateDestroyed: {},
}

// NewRegistry creates a new instance registry. The repository mirror may be
// nil, in which case records live only in memory.
func NewRegistry(drv driver.SessionDriver, repo *repository.InstanceRepository, config Config) *Registry {
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	return &Registry{
		drv:         drv,
		repo:        repo,
		gracePeriod: config.GracePeriod,
		instances:   make(map[string]*instanceContext),
	}
}

// Create allocates a new instance in Initializing and asks the driver to
// start its session. It fails with model.ErrAlreadyExists if the id is live.
func (r *Registry) Create(ctx context.Context, id string) (*model.InstanceRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("instance id is required")
	}

	now := time.Now()
	record := &model.InstanceRecord{
		ID:               id,
		State:            model.StateInitializing,
		LastTransitionAt: now,
		CreatedAt:        now,
	}

	r.mu.Lock()
	if _, exists := r.instances[id]; exists {
		r.mu.Unlock()
		return nil, model.ErrAlreadyExists
	}
	ic := &instanceContext{record: record}
	r.instances[id] = ic
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.Create(ctx, record); err != nil {
			r.remove(id)
			return nil, fmt.Errorf("failed to persist instance: %w", err)
		}
	}

	handle, err := r.drv.Start(ctx, id)
	if err != nil {
		r.remove(id)
		if r.repo != nil {
			if derr := r.repo.Delete(ctx, id); derr != nil {
				log.Printf("Failed to remove instance row %s after start failure: %v", id, derr)
			}
		}
		return nil, model.NewDriverError(id, "start", err)
	}

	ic.mu.Lock()
	ic.handle = handle
	ic.mu.Unlock()

	return record.Clone(), nil
}

// Get retrieves a snapshot of an instance's record.
func (r *Registry) Get(id string) (*model.InstanceRecord, error) {
	ic, ok := r.lookup(id)
	if !ok {
		return nil, model.ErrInstanceNotFound
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.record.Clone(), nil
}

// List returns a snapshot of every live record, not a live view.
func (r *Registry) List() []*model.InstanceRecord {
	r.mu.RLock()
	contexts := make([]*instanceContext, 0, len(r.instances))
	for _, ic := range r.instances {
		contexts = append(contexts, ic)
	}
	r.mu.RUnlock()

	records := make([]*model.InstanceRecord, 0, len(contexts))
	for _, ic := range contexts {
		ic.mu.Lock()
		records = append(records, ic.record.Clone())
		ic.mu.Unlock()
	}
	return records
}

// Handle returns the driver handle for an instance.
func (r *Registry) Handle(id string) (driver.Handle, error) {
	ic, ok := r.lookup(id)
	if !ok {
		return nil, model.ErrInstanceNotFound
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.handle == nil {
		return nil, model.ErrInstanceNotFound
	}
	return ic.handle, nil
}

// ReplaceHandle swaps in a fresh driver handle after a recreate.
func (r *Registry) ReplaceHandle(id string, handle driver.Handle) error {
	ic, ok := r.lookup(id)
	if !ok {
		return model.ErrInstanceNotFound
	}

	ic.mu.Lock()
	ic.handle = handle
	ic.mu.Unlock()
	return nil
}

// Transition applies a lifecycle change to an instance. It fails with
// model.ErrInstanceNotFound if the id is absent and model.ErrInvalidTransition
// if the change is not legal from the current state. Callers treat invalid
// transitions on destroyed records as expected races, not bugs.
func (r *Registry) Transition(ctx context.Context, id string, change Change) (*model.InstanceRecord, error) {
	ic, ok := r.lookup(id)
	if !ok {
		return nil, model.ErrInstanceNotFound
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()

	from := ic.record.State
	if !legalTransitions[from][change.To] {
		return nil, fmt.Errorf("%w: %s -> %s for instance %s", model.ErrInvalidTransition, from, change.To, id)
	}

	rec := ic.record
	rec.State = change.To
	rec.LastTransitionAt = time.Now()

	// Pairing payload and session info are mutually exclusive across the
	// record's lifetime; every transition re-derives both.
	switch change.To {
	case model.StateAwaitingPairing:
		rec.PairingPayload = change.PairingPayload
		rec.SessionInfo = nil
	case model.StateReady:
		rec.PairingPayload = nil
		if change.SessionInfo != nil {
			rec.SessionInfo = change.SessionInfo
		}
	case model.StateDisconnected:
		rec.PairingPayload = nil
		rec.SessionInfo = nil
		rec.LastDisconnectReason = change.Reason
	case model.StateAuthFailed:
		rec.PairingPayload = nil
		rec.SessionInfo = nil
		rec.LastDisconnectReason = change.Reason
	default:
		rec.PairingPayload = nil
	}

	r.mirror(ctx, rec)
	return rec.Clone(), nil
}

// ExpirePairing clears a stale pairing payload without changing state. The
// supervisor calls this when the payload-expiry timer fires.
func (r *Registry) ExpirePairing(ctx context.Context, id string) {
	ic, ok := r.lookup(id)
	if !ok {
		return
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.record.State != model.StateAwaitingPairing || ic.record.PairingPayload == nil {
		return
	}
	ic.record.PairingPayload = nil
	log.Printf("Pairing payload for instance %s expired", id)
}

// Destroy stops the instance's session, marks the record Destroyed, and
// removes it after the grace period. It reports whether this call performed
// the teardown: destroying an absent or already-destroyed instance is a
// no-op, and exactly one of any set of concurrent calls gets true.
func (r *Registry) Destroy(ctx context.Context, id string) (bool, error) {
	ic, ok := r.lookup(id)
	if !ok {
		return false, nil
	}

	ic.mu.Lock()
	if ic.record.State == model.StateDestroyed {
		ic.mu.Unlock()
		return false, nil
	}
	handle := ic.handle
	ic.handle = nil
	ic.record.State = model.StateDestroyed
	ic.record.PairingPayload = nil
	ic.record.SessionInfo = nil
	ic.record.LastTransitionAt = time.Now()
	rec := ic.record
	ic.mu.Unlock()

	if handle != nil {
		if err := r.drv.Stop(ctx, handle); err != nil {
			log.Printf("Error stopping driver session for instance %s: %v", id, err)
		}
	}

	r.mirror(ctx, rec)

	// Keep the destroyed record readable for observers before dropping it.
	time.AfterFunc(r.gracePeriod, func() {
		r.remove(id)
	})

	return true, nil
}

// Close destroys every live instance. Used on shutdown.
func (r *Registry) Close(ctx context.Context) {
	for _, rec := range r.List() {
		if _, err := r.Destroy(ctx, rec.ID); err != nil {
			log.Printf("Error destroying instance %s on close: %v", rec.ID, err)
		}
	}
}

func (r *Registry) lookup(id string) (*instanceContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ic, ok := r.instances[id]
	return ic, ok
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()
}

// mirror persists the record's lifecycle columns. Mirror failures are logged,
// never surfaced; the in-memory registry stays authoritative.
func (r *Registry) mirror(ctx context.Context, rec *model.InstanceRecord) {
	if r.repo == nil {
		return
	}
	if err := r.repo.UpdateState(ctx, rec); err != nil {
		log.Printf("Failed to mirror instance %s state %s: %v", rec.ID, rec.State, err)
	}
}
