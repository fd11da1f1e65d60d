package driver

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestScriptedDriver_AutoScript(t *testing.T) {
	drv := NewScriptedDriver(t.TempDir(), true)
	drv.SetStepDelay(time.Millisecond)
	defer drv.Close()

	ctx := context.Background()
	handle, err := drv.Start(ctx, "x1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if handle.InstanceID() != "x1" {
		t.Errorf("Expected handle for 'x1', got '%s'", handle.InstanceID())
	}

	// The canonical replay is pairing, authenticated, ready.
	want := []EventType{EventPairing, EventAuthenticated, EventReady}
	for i, typ := range want {
		select {
		case ev := <-drv.Events():
			if ev.Type != typ {
				t.Errorf("Event %d: expected %s, got %s", i, typ, ev.Type)
			}
			if ev.InstanceID != "x1" {
				t.Errorf("Event %d: expected instance 'x1', got '%s'", i, ev.InstanceID)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for event %d (%s)", i, typ)
		}
	}

	// The replay wrote the live session state before authenticating.
	if _, err := os.Stat(drv.LiveStatePath("x1")); err != nil {
		t.Errorf("Expected live session state on disk: %v", err)
	}
}

func TestScriptedDriver_StopSuppressesLateEvents(t *testing.T) {
	drv := NewScriptedDriver(t.TempDir(), true)
	drv.SetStepDelay(20 * time.Millisecond)
	defer drv.Close()

	ctx := context.Background()
	handle, err := drv.Start(ctx, "x1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Stop mid-replay; the remaining scripted events must be dropped.
	if err := drv.Stop(ctx, handle); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case ev := <-drv.Events():
			// Events already queued before the stop are acceptable; anything
			// after a ready means the full replay ran.
			if ev.Type == EventReady {
				t.Log("replay completed before stop took effect")
			}
		case <-deadline:
			return
		}
	}
}

func TestScriptedDriver_StoppedHandle(t *testing.T) {
	drv := NewScriptedDriver(t.TempDir(), false)
	defer drv.Close()

	ctx := context.Background()
	handle, err := drv.Start(ctx, "x1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := drv.Stop(ctx, handle); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if err := drv.Reconnect(ctx, handle); err == nil {
		t.Error("Reconnect on a stopped handle should fail")
	}
	if _, err := drv.Send(ctx, handle, "1555@c.us", "hello"); err == nil {
		t.Error("Send on a stopped handle should fail")
	}

	// Stopping twice is a no-op.
	if err := drv.Stop(ctx, handle); err != nil {
		t.Errorf("Second stop should succeed: %v", err)
	}
}

func TestScriptedDriver_InjectedFailures(t *testing.T) {
	drv := NewScriptedDriver(t.TempDir(), false)
	defer drv.Close()

	ctx := context.Background()

	drv.SetStartError(errors.New("no browser"))
	if _, err := drv.Start(ctx, "x1"); err == nil {
		t.Error("Expected injected start failure")
	}

	drv.SetStartError(nil)
	handle, err := drv.Start(ctx, "x1")
	if err != nil {
		t.Fatalf("Start failed after clearing injected error: %v", err)
	}

	drv.SetSendError(errors.New("page crashed"))
	if _, err := drv.Send(ctx, handle, "1555@c.us", "hi"); err == nil {
		t.Error("Expected injected send failure")
	}

	drv.SetSendError(nil)
	result, err := drv.Send(ctx, handle, "1555@c.us", "hi")
	if err != nil {
		t.Fatalf("Send failed after clearing injected error: %v", err)
	}
	if result.Recipient != "1555@c.us" || result.MessageID == "" {
		t.Errorf("Unexpected send result: %+v", result)
	}
}
