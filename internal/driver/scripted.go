package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wa-session-console/backend/internal/model"
)

// ScriptedDriver is an in-process SessionDriver that replays a fixed event
// script for every started instance. It backs the dev mode of the server and
// the lifecycle tests; production deployments inject a real driver through
// the pkg/driver contract.
type ScriptedDriver struct {
	stateDir string
	events   chan Event

	mu           sync.Mutex
	handles      map[string]*scriptedHandle
	startErr     error
	reconnectErr error
	sendErr      error
	autoScript   bool
	stepDelay    time.Duration
}

type scriptedHandle struct {
	id      string
	mu      sync.Mutex
	stopped bool
}

func (h *scriptedHandle) InstanceID() string {
	return h.id
}

// NewScriptedDriver creates a scripted driver that writes live session state
// under stateDir. With autoScript enabled, every Start replays
// pairing -> authenticated -> ready.
func NewScriptedDriver(stateDir string, autoScript bool) *ScriptedDriver {
	return &ScriptedDriver{
		stateDir:   stateDir,
		events:     make(chan Event, 64),
		handles:    make(map[string]*scriptedHandle),
		autoScript: autoScript,
		stepDelay:  5 * time.Millisecond,
	}
}

// Start begins a scripted session.
func (d *ScriptedDriver) Start(ctx context.Context, instanceID string) (Handle, error) {
	d.mu.Lock()
	if d.startErr != nil {
		err := d.startErr
		d.mu.Unlock()
		return nil, err
	}
	h := &scriptedHandle{id: instanceID}
	d.handles[instanceID] = h
	auto := d.autoScript
	delay := d.stepDelay
	d.mu.Unlock()

	if auto {
		go d.replayScript(h, delay)
	}
	return h, nil
}

// replayScript emits the canonical happy-path event sequence for a handle,
// writing the live session state before authentication is reported so a
// backup triggered by that event has something to capture.
func (d *ScriptedDriver) replayScript(h *scriptedHandle, delay time.Duration) {
	payload := []byte("SCRIPTED-QR-" + h.id)
	d.emitFor(h, Event{InstanceID: h.id, Type: EventPairing, PairingPayload: payload})
	time.Sleep(delay)

	state := fmt.Sprintf("{\"instance\":%q,\"token\":%q}", h.id, uuid.NewString())
	if err := os.WriteFile(d.LiveStatePath(h.id), []byte(state), 0600); err == nil {
		d.emitFor(h, Event{InstanceID: h.id, Type: EventAuthenticated})
	}
	time.Sleep(delay)

	d.emitFor(h, Event{InstanceID: h.id, Type: EventReady, Info: &model.SessionInfo{
		AccountID:   h.id + "@scripted",
		DisplayName: "Scripted " + h.id,
		Platform:    "scripted",
	}})
}

// Reconnect re-establishes a scripted session in place.
func (d *ScriptedDriver) Reconnect(ctx context.Context, h Handle) error {
	d.mu.Lock()
	err := d.reconnectErr
	auto := d.autoScript
	d.mu.Unlock()
	if err != nil {
		return err
	}

	sh, ok := h.(*scriptedHandle)
	if !ok {
		return fmt.Errorf("foreign handle for instance %s", h.InstanceID())
	}
	sh.mu.Lock()
	if sh.stopped {
		sh.mu.Unlock()
		return fmt.Errorf("handle for instance %s is stopped", sh.id)
	}
	sh.mu.Unlock()

	if auto {
		go d.emitFor(sh, Event{InstanceID: sh.id, Type: EventReady, Info: &model.SessionInfo{
			AccountID: sh.id + "@scripted",
			Platform:  "scripted",
		}})
	}
	return nil
}

// Stop tears a scripted session down. Stopping twice is a no-op.
func (d *ScriptedDriver) Stop(ctx context.Context, h Handle) error {
	sh, ok := h.(*scriptedHandle)
	if !ok {
		return nil
	}
	sh.mu.Lock()
	sh.stopped = true
	sh.mu.Unlock()

	d.mu.Lock()
	if d.handles[sh.id] == sh {
		delete(d.handles, sh.id)
	}
	d.mu.Unlock()
	return nil
}

// Send records a scripted message send.
func (d *ScriptedDriver) Send(ctx context.Context, h Handle, recipient, content string) (*model.MessageResult, error) {
	d.mu.Lock()
	err := d.sendErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sh, ok := h.(*scriptedHandle)
	if !ok {
		return nil, fmt.Errorf("foreign handle for instance %s", h.InstanceID())
	}
	sh.mu.Lock()
	stopped := sh.stopped
	sh.mu.Unlock()
	if stopped {
		return nil, fmt.Errorf("handle for instance %s is stopped", sh.id)
	}

	return &model.MessageResult{
		MessageID: uuid.NewString(),
		Recipient: recipient,
		SentAt:    time.Now(),
	}, nil
}

// Events returns the scripted event stream.
func (d *ScriptedDriver) Events() <-chan Event {
	return d.events
}

// Emit injects an event into the stream. Tests drive the lifecycle with this
// when autoScript is off.
func (d *ScriptedDriver) Emit(ev Event) {
	d.events <- ev
}

// emitFor drops the event if the handle was stopped in the meantime, so a
// destroyed instance cannot receive late scripted events from its own replay.
func (d *ScriptedDriver) emitFor(h *scriptedHandle, ev Event) {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		return
	}
	d.events <- ev
}

// LiveStatePath returns the live session state file for an instance.
func (d *ScriptedDriver) LiveStatePath(instanceID string) string {
	return filepath.Join(d.stateDir, instanceID+".session")
}

// SetStartError makes subsequent Start calls fail. Passing nil clears it.
func (d *ScriptedDriver) SetStartError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startErr = err
}

// SetReconnectError makes subsequent Reconnect calls fail.
func (d *ScriptedDriver) SetReconnectError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconnectErr = err
}

// SetSendError makes subsequent Send calls fail.
func (d *ScriptedDriver) SetSendError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendErr = err
}

// SetStepDelay adjusts the pause between scripted events.
func (d *ScriptedDriver) SetStepDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stepDelay = delay
}

// Close shuts the event stream down.
func (d *ScriptedDriver) Close() {
	close(d.events)
}
