// Package bridge adapts between the lifecycle engine and the WebSocket hub:
// lifecycle events become room messages, inbound client requests become core
// operations with a uniform result shape.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/wa-session-console/backend/internal/model"
	"github.com/wa-session-console/backend/internal/ws"
)

// InstanceOps is the slice of the lifecycle supervisor the bridge forwards
// client send requests to.
type InstanceOps interface {
	Send(ctx context.Context, id, recipient, content string) (*model.MessageResult, error)
}

// Bridge is a stateless adapter. It implements the supervisor's event sink
// and the WebSocket handler's request contract.
type Bridge struct {
	hub *ws.Hub
	ops InstanceOps
}

// New creates a bridge over the hub. SetInstanceOps must be called before
// the first send request arrives; construction is split because the
// supervisor is built with the bridge as its sink.
func New(hub *ws.Hub) *Bridge {
	return &Bridge{hub: hub}
}

// SetInstanceOps wires the supervisor in.
func (b *Bridge) SetInstanceOps(ops InstanceOps) {
	b.ops = ops
}

// Publish forwards a lifecycle event to the instance's room. A destroyed
// instance's replay history is released after the event goes out.
func (b *Bridge) Publish(ev model.LifecycleEvent) {
	b.hub.Publish(ev.InstanceID, ev)
	if ev.Type == model.EventDestroyed {
		b.hub.ReleaseRoom(ev.InstanceID)
	}
}

// HandleAuth authenticates a connection with the presented credential.
func (b *Bridge) HandleAuth(ctx context.Context, connID, credential string) ws.Result {
	if !b.hub.Authenticate(connID, credential) {
		return ws.Result{Error: "invalid credential"}
	}
	return ws.Result{Success: true}
}

// HandleSubscribe adds the connection to an instance's room.
func (b *Bridge) HandleSubscribe(ctx context.Context, connID, instanceID string) ws.Result {
	if instanceID == "" {
		return ws.Result{Error: "instance id is required"}
	}
	if err := b.hub.Subscribe(connID, instanceID); err != nil {
		return ws.Result{Error: translateError(err)}
	}
	return ws.Result{Success: true}
}

// HandleUnsubscribe removes the connection from an instance's room.
func (b *Bridge) HandleUnsubscribe(ctx context.Context, connID, instanceID string) ws.Result {
	if instanceID == "" {
		return ws.Result{Error: "instance id is required"}
	}
	b.hub.Unsubscribe(connID, instanceID)
	return ws.Result{Success: true}
}

// HandleSend forwards a send request to the instance. Registry and driver
// failures come back as a uniform result, never as an escaping error.
func (b *Bridge) HandleSend(ctx context.Context, connID, instanceID, recipient, content string) ws.Result {
	if instanceID == "" || recipient == "" {
		return ws.Result{Error: "instance id and recipient are required"}
	}
	if b.ops == nil {
		return ws.Result{Error: "instance operations unavailable"}
	}

	result, err := b.ops.Send(ctx, instanceID, recipient, content)
	if err != nil {
		return ws.Result{Error: translateError(err)}
	}

	data, err := json.Marshal(result)
	if err != nil {
		log.Printf("Failed to marshal send result for instance %s: %v", instanceID, err)
		return ws.Result{Success: true}
	}
	return ws.Result{Success: true, Data: data}
}

// translateError maps core errors onto stable client-facing strings.
func translateError(err error) string {
	var driverErr *model.DriverError
	switch {
	case errors.Is(err, model.ErrInstanceNotFound):
		return "instance not found"
	case errors.Is(err, model.ErrNotReady):
		return "instance not ready"
	case errors.Is(err, ws.ErrUnauthenticated):
		return "authentication required"
	case errors.Is(err, ws.ErrUnknownConnection):
		return "unknown connection"
	case errors.As(err, &driverErr):
		return "driver error: " + driverErr.Err.Error()
	default:
		return err.Error()
	}
}
