// Package lifecycle wires driver events into registry state transitions and
// applies the recovery policy: backups at the right transitions, restore on
// authentication failure, and a bounded reconnect-then-recreate escalation
// on disconnect.
package lifecycle

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/wa-session-console/backend/internal/backup"
	"github.com/wa-session-console/backend/internal/driver"
	"github.com/wa-session-console/backend/internal/model"
	"github.com/wa-session-console/backend/internal/registry"
)

// EventSink receives lifecycle events for delivery to subscribed clients.
// Events for one instance are published in emission order.
type EventSink interface {
	Publish(ev model.LifecycleEvent)
}

// Supervisor is the only component that calls Registry.Transition. It
// consumes the driver event stream and exposes the instance operations the
// API layer calls.
type Supervisor struct {
	registry *registry.Registry
	store    *backup.Store
	drv      driver.SessionDriver
	sink     EventSink
	sched    *scheduler

	reconnectDelay time.Duration
	recreateDelay  time.Duration
	pairingExpiry  time.Duration
}

// Config holds configuration for the supervisor.
type Config struct {
	// ReconnectDelay is the wait before the single in-place reconnection
	// attempt after a disconnect. Zero means 30s.
	ReconnectDelay time.Duration

	// RecreateDelay is the wait before the single recreate-from-scratch
	// attempt after a failed reconnection. Zero means 60s.
	RecreateDelay time.Duration

	// PairingExpiry is how long a pairing payload stays valid before it is
	// cleared. Zero means 60s.
	PairingExpiry time.Duration
}

// NewSupervisor creates a lifecycle supervisor.
func NewSupervisor(reg *registry.Registry, store *backup.Store, drv driver.SessionDriver, sink EventSink, config Config) *Supervisor {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 30 * time.Second
	}
	if config.RecreateDelay <= 0 {
		config.RecreateDelay = 60 * time.Second
	}
	if config.PairingExpiry <= 0 {
		config.PairingExpiry = 60 * time.Second
	}
	return &Supervisor{
		registry:       reg,
		store:          store,
		drv:            drv,
		sink:           sink,
		sched:          newScheduler(),
		reconnectDelay: config.ReconnectDelay,
		recreateDelay:  config.RecreateDelay,
		pairingExpiry:  config.PairingExpiry,
	}
}

// Run consumes the driver event stream until the context is cancelled or the
// stream closes. Events are handled sequentially, which preserves per
// instance emission order end to end.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.drv.Events():
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

// CreateInstance allocates a new instance and starts its driver session.
func (s *Supervisor) CreateInstance(ctx context.Context, id string) (*model.InstanceRecord, error) {
	return s.registry.Create(ctx, id)
}

// GetInstance returns a snapshot of an instance's record.
func (s *Supervisor) GetInstance(id string) (*model.InstanceRecord, error) {
	return s.registry.Get(id)
}

// ListInstances returns a snapshot of every live record.
func (s *Supervisor) ListInstances() []*model.InstanceRecord {
	return s.registry.List()
}

// DestroyInstance cancels any pending recovery tasks, tears the instance
// down, and emits the destroyed event. It is idempotent; the registry
// reports which call performed the teardown, so concurrent destroys publish
// exactly one event.
func (s *Supervisor) DestroyInstance(ctx context.Context, id string) error {
	s.sched.cancelAll(id)

	destroyed, err := s.registry.Destroy(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.RemoveLive(id); err != nil {
		log.Printf("Failed to remove live session state for instance %s: %v", id, err)
	}

	if destroyed {
		s.sink.Publish(model.NewLifecycleEvent(model.EventDestroyed, id, nil))
	}
	return nil
}

// Send delivers a message through an instance. Only Ready instances accept
// sends.
func (s *Supervisor) Send(ctx context.Context, id, recipient, content string) (*model.MessageResult, error) {
	rec, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.State != model.StateReady {
		return nil, model.ErrNotReady
	}

	handle, err := s.registry.Handle(id)
	if err != nil {
		return nil, err
	}

	result, err := s.drv.Send(ctx, handle, recipient, content)
	if err != nil {
		return nil, model.NewDriverError(id, "send", err)
	}
	return result, nil
}

// handleEvent maps one driver event onto a registry transition plus the
// policy attached to it. Invalid transitions are swallowed with a log entry;
// driver events race with destruction and that race is expected.
func (s *Supervisor) handleEvent(ctx context.Context, ev driver.Event) {
	switch ev.Type {
	case driver.EventPairing:
		_, err := s.registry.Transition(ctx, ev.InstanceID, registry.Change{
			To:             model.StateAwaitingPairing,
			PairingPayload: ev.PairingPayload,
		})
		if s.dropInvalid(ev, err) {
			return
		}
		s.sched.schedule(ev.InstanceID, taskPairingExpiry, s.pairingExpiry, func() {
			s.registry.ExpirePairing(context.Background(), ev.InstanceID)
		})
		s.sink.Publish(model.NewLifecycleEvent(model.EventPairing, ev.InstanceID, map[string]any{
			"pairing": ev.PairingPayload,
		}))

	case driver.EventAuthenticated:
		_, err := s.registry.Transition(ctx, ev.InstanceID, registry.Change{
			To: model.StateAuthenticated,
		})
		if s.dropInvalid(ev, err) {
			return
		}
		s.sched.cancel(ev.InstanceID, taskPairingExpiry)
		// A partial backup at this point materially improves the restore
		// success rate if later stages fail.
		s.backupNow(ctx, ev.InstanceID)
		s.sink.Publish(model.NewLifecycleEvent(model.EventAuthenticated, ev.InstanceID, nil))

	case driver.EventReady:
		_, err := s.registry.Transition(ctx, ev.InstanceID, registry.Change{
			To:          model.StateReady,
			SessionInfo: ev.Info,
		})
		if s.dropInvalid(ev, err) {
			return
		}
		s.backupNow(ctx, ev.InstanceID)
		s.sink.Publish(model.NewLifecycleEvent(model.EventReady, ev.InstanceID, ev.Info))

	case driver.EventAuthFailure:
		_, err := s.registry.Transition(ctx, ev.InstanceID, registry.Change{
			To:     model.StateAuthFailed,
			Reason: ev.Reason,
		})
		if s.dropInvalid(ev, err) {
			return
		}
		s.sched.cancel(ev.InstanceID, taskPairingExpiry)
		s.sink.Publish(model.NewLifecycleEvent(model.EventAuthFailed, ev.InstanceID, map[string]any{
			"reason": ev.Reason,
		}))
		s.restoreAfterAuthFailure(ctx, ev.InstanceID)

	case driver.EventDisconnected:
		_, err := s.registry.Transition(ctx, ev.InstanceID, registry.Change{
			To:     model.StateDisconnected,
			Reason: ev.Reason,
		})
		if s.dropInvalid(ev, err) {
			return
		}
		s.sched.cancel(ev.InstanceID, taskPairingExpiry)
		s.sink.Publish(model.NewLifecycleEvent(model.EventDisconnected, ev.InstanceID, map[string]any{
			"reason": ev.Reason,
		}))
		s.sched.schedule(ev.InstanceID, taskReconnect, s.reconnectDelay, func() {
			s.attemptReconnect(ev.InstanceID)
		})

	default:
		log.Printf("Unknown driver event type %q for instance %s", ev.Type, ev.InstanceID)
	}
}

// backupNow snapshots the live session state. Backup failures are reported
// but never roll back the transition that triggered them.
func (s *Supervisor) backupNow(ctx context.Context, id string) {
	if err := s.store.BackupLive(ctx, id); err != nil {
		log.Printf("Backup for instance %s failed: %v", id, err)
	}
}

// restoreAfterAuthFailure makes the single restore attempt: overwrite the
// live session state from the latest backup and re-issue the driver start.
// With no backup, or a failed restore, the instance stays in AuthFailed for
// operator intervention.
func (s *Supervisor) restoreAfterAuthFailure(ctx context.Context, id string) {
	restored, err := s.store.Restore(ctx, id)
	if err != nil {
		log.Printf("Restore for instance %s failed, leaving auth_failed: %v", id, err)
		return
	}
	if !restored {
		log.Printf("No backup for instance %s, leaving auth_failed", id)
		return
	}

	if err := s.recreateSession(ctx, id); err != nil {
		log.Printf("Recreate after restore for instance %s failed, leaving auth_failed: %v", id, err)
	}
}

// attemptReconnect makes the single in-place reconnection attempt. On
// failure it escalates to one recreate-from-scratch attempt; a corrupted
// driver handle cannot be recovered in place and must be rebuilt.
func (s *Supervisor) attemptReconnect(id string) {
	ctx := context.Background()

	rec, err := s.registry.Get(id)
	if err != nil || rec.State != model.StateDisconnected {
		return
	}

	handle, err := s.registry.Handle(id)
	if err == nil {
		if err = s.drv.Reconnect(ctx, handle); err == nil {
			log.Printf("Reconnection for instance %s initiated", id)
			return
		}
	}

	log.Printf("Reconnection for instance %s failed, scheduling recreate: %v", id, err)
	s.sched.schedule(id, taskRecreate, s.recreateDelay, func() {
		s.attemptRecreate(id)
	})
}

// attemptRecreate discards the driver handle and starts a fresh session.
// After this the supervisor gives up: a still-failing instance stays in
// Disconnected and is surfaced, never silently retried forever.
func (s *Supervisor) attemptRecreate(id string) {
	ctx := context.Background()

	rec, err := s.registry.Get(id)
	if err != nil || rec.State != model.StateDisconnected {
		return
	}

	if err := s.recreateSession(ctx, id); err != nil {
		log.Printf("Recreate for instance %s failed, leaving disconnected: %v", id, err)
		s.sink.Publish(model.NewLifecycleEvent(model.EventDisconnected, id, map[string]any{
			"reason": rec.LastDisconnectReason,
			"final":  true,
		}))
	}
}

// recreateSession stops the old handle and starts a fresh driver session for
// the instance, swapping the handle in place so no new create is visible to
// callers.
func (s *Supervisor) recreateSession(ctx context.Context, id string) error {
	if handle, err := s.registry.Handle(id); err == nil {
		if err := s.drv.Stop(ctx, handle); err != nil {
			log.Printf("Error stopping stale handle for instance %s: %v", id, err)
		}
	}

	handle, err := s.drv.Start(ctx, id)
	if err != nil {
		return model.NewDriverError(id, "start", err)
	}
	return s.registry.ReplaceHandle(id, handle)
}

// dropInvalid logs and swallows the expected event/destroy races; any other
// transition error is also logged but still terminates event handling.
func (s *Supervisor) dropInvalid(ev driver.Event, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrInstanceNotFound) {
		log.Printf("Dropping driver event %s for instance %s: %v", ev.Type, ev.InstanceID, err)
	} else {
		log.Printf("Transition for driver event %s on instance %s failed: %v", ev.Type, ev.InstanceID, err)
	}
	return true
}
