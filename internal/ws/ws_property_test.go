package ws

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/wa-session-console/backend/internal/model"
)

// For any event published to a room with any number of subscribed
// connections, every subscriber receives exactly one copy and connections in
// other rooms receive nothing.
func TestRoomDeliveryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	eventTypes := gen.OneConstOf(
		model.EventPairing,
		model.EventAuthenticated,
		model.EventReady,
		model.EventAuthFailed,
		model.EventDisconnected,
		model.EventDestroyed,
	)

	properties.Property("every room member gets exactly one copy", prop.ForAll(
		func(members int, outsiders int, evType model.EventType) bool {
			hub := NewHub(Config{})
			defer hub.Close()

			inRoom := make([]*Client, members)
			for i := range inRoom {
				inRoom[i] = hub.Connect(nil)
				if err := hub.Subscribe(inRoom[i].ID(), "target"); err != nil {
					t.Logf("subscribe failed: %v", err)
					return false
				}
			}
			outRoom := make([]*Client, outsiders)
			for i := range outRoom {
				outRoom[i] = hub.Connect(nil)
				if err := hub.Subscribe(outRoom[i].ID(), "other"); err != nil {
					t.Logf("subscribe failed: %v", err)
					return false
				}
			}

			hub.Publish("target", model.NewLifecycleEvent(evType, "target", nil))

			for _, c := range inRoom {
				if got := len(queued(c)); got != 1 {
					t.Logf("room member got %d copies", got)
					return false
				}
			}
			for _, c := range outRoom {
				if got := len(queued(c)); got != 0 {
					t.Logf("outsider got %d copies", got)
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 5),
		eventTypes,
	))

	properties.TestingRun(t)
}

// A subscriber joining after any sequence of publishes receives exactly the
// most recent events up to the replay depth, in publish order.
func TestHistoryReplayProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("late subscribers replay the bounded suffix", prop.ForAll(
		func(published int, depth int) bool {
			hub := NewHub(Config{HistorySize: depth})
			defer hub.Close()

			for i := 0; i < published; i++ {
				ev := model.NewLifecycleEvent(model.EventReady, "wa1", map[string]any{"seq": i})
				hub.Publish("wa1", ev)
			}

			c := hub.Connect(nil)
			if err := hub.Subscribe(c.ID(), "wa1"); err != nil {
				t.Logf("subscribe failed: %v", err)
				return false
			}

			messages := queued(c)
			want := published
			if want > depth {
				want = depth
			}
			if len(messages) != want {
				t.Logf("expected %d replayed events, got %d", want, len(messages))
				return false
			}

			// Replay order matches publish order of the suffix.
			for i, msg := range messages {
				var payload struct {
					Seq int `json:"seq"`
				}
				if err := json.Unmarshal(msg.Event.Payload, &payload); err != nil {
					t.Logf("failed to decode payload: %v", err)
					return false
				}
				if payload.Seq != published-want+i {
					t.Logf("replay out of order at %d: seq %d", i, payload.Seq)
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 16),
	))

	properties.TestingRun(t)
}

// Any protocol message survives an encode/decode cycle with its routing
// fields intact.
func TestMessageCodecProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	messageTypes := gen.OneConstOf(
		MessageTypeAuth,
		MessageTypeSubscribe,
		MessageTypeUnsubscribe,
		MessageTypeSend,
		MessageTypeAck,
		MessageTypeError,
	)

	properties.Property("messages round-trip through JSON", prop.ForAll(
		func(msgType MessageType, instanceID, errText string) bool {
			msg := Message{
				Type:       msgType,
				InstanceID: instanceID,
				Error:      errText,
			}

			data, err := json.Marshal(&msg)
			if err != nil {
				t.Logf("marshal failed: %v", err)
				return false
			}

			var decoded Message
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Logf("unmarshal failed: %v", err)
				return false
			}

			return decoded.Type == msg.Type &&
				decoded.InstanceID == msg.InstanceID &&
				decoded.Error == msg.Error
		},
		messageTypes,
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// queued empties a client's send buffer and decodes every message without
// blocking.
func queued(c *Client) []Message {
	var messages []Message
	for {
		select {
		case data, ok := <-c.SendChan():
			if !ok {
				return messages
			}
			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				return messages
			}
			messages = append(messages, msg)
		default:
			return messages
		}
	}
}
