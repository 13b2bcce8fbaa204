// Package realtime maintains named duplex channels to the gateway and
// normalizes server pushes into a closed set of event kinds.
package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Kind identifies a normalized inbound event.
type Kind string

const (
	KindNotification          Kind = "notification"
	KindUnreadSnapshot        Kind = "unread_snapshot"
	KindChatMessage           Kind = "chat_message"
	KindPresenceJoined        Kind = "presence_joined"
	KindPresenceLeft          Kind = "presence_left"
	KindResourceUpdate        Kind = "resource_update"
	KindSystemMessage         Kind = "system_message"
	KindError                 Kind = "error"
	KindPong                  Kind = "pong"
	KindConnectionEstablished Kind = "connection_established"
)

// wireKinds maps the wire envelope "type" to the closed kind enum.
var wireKinds = map[string]Kind{
	"connection_established": KindConnectionEstablished,
	"notification":           KindNotification,
	"unread_notifications":   KindUnreadSnapshot,
	"chat_message":           KindChatMessage,
	"user_joined":            KindPresenceJoined,
	"user_left":              KindPresenceLeft,
	"project_update":         KindResourceUpdate,
	"task_update":            KindResourceUpdate,
	"system_message":         KindSystemMessage,
	"system_notification":    KindSystemMessage,
	"error":                  KindError,
	"pong":                   KindPong,
}

// Event is a normalized inbound message. Events are transient; callbacks
// decide retention.
type Event struct {
	Kind       Kind
	WireType   string
	Payload    map[string]any
	Message    string
	Count      int
	Timestamp  string
	ReceivedAt time.Time
}

// DecodeError reports a malformed or unrecognized inbound message. Decode
// errors are always non-fatal: callers log and drop them.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode error: " + e.Reason
}

// envelopeSchemaJSON is the wire envelope contract. The kind enum is checked
// separately so an unknown type is distinguishable from a malformed message.
const envelopeSchemaJSON = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"data": {},
		"message": {"type": "string"},
		"count": {"type": "number", "minimum": 0},
		"timestamp": {"type": "string"}
	}
}`

var envelopeSchema = mustEnvelopeSchema()

func mustEnvelopeSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", doc); err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		panic(fmt.Sprintf("envelope schema: %v", err))
	}
	return schema
}

type wireEnvelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Message   string         `json:"message"`
	Count     int            `json:"count"`
	Timestamp string         `json:"timestamp"`
}

// EventCallbacks hold one slot per event kind. A missing slot is a silent
// no-op. Pong and connection_established events are consumed internally and
// never reach a slot.
type EventCallbacks struct {
	OnNotification   func(Event)
	OnUnreadSnapshot func(Event)
	OnChatMessage    func(Event)
	OnPresenceJoined func(Event)
	OnPresenceLeft   func(Event)
	OnResourceUpdate func(Event)
	OnSystemMessage  func(Event)
	OnError          func(Event)
}

// Router decodes inbound messages and dispatches them to per-kind callbacks.
type Router struct {
	logger *slog.Logger
	clock  func() time.Time
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger, clock: time.Now}
}

// Decode validates raw against the envelope schema and maps it to an Event.
// It never panics; any malformed message or unknown type yields a
// *DecodeError.
func (r *Router) Decode(raw []byte) (Event, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Event{}, &DecodeError{Reason: "invalid json: " + err.Error()}
	}
	if err := envelopeSchema.Validate(instance); err != nil {
		return Event{}, &DecodeError{Reason: "invalid envelope: " + err.Error()}
	}
	var envelope wireEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Event{}, &DecodeError{Reason: "invalid envelope: " + err.Error()}
	}
	kind, ok := wireKinds[envelope.Type]
	if !ok {
		return Event{}, &DecodeError{Reason: "unknown event type: " + envelope.Type}
	}
	return Event{
		Kind:       kind,
		WireType:   envelope.Type,
		Payload:    envelope.Data,
		Message:    envelope.Message,
		Count:      envelope.Count,
		Timestamp:  envelope.Timestamp,
		ReceivedAt: r.clock(),
	}, nil
}

// Dispatch hands ev to the callback slot for its kind.
func (r *Router) Dispatch(channelID string, ev Event, cb EventCallbacks) {
	switch ev.Kind {
	case KindNotification:
		if cb.OnNotification != nil {
			cb.OnNotification(ev)
		}
	case KindUnreadSnapshot:
		if cb.OnUnreadSnapshot != nil {
			cb.OnUnreadSnapshot(ev)
		}
	case KindChatMessage:
		if cb.OnChatMessage != nil {
			cb.OnChatMessage(ev)
		}
	case KindPresenceJoined:
		if cb.OnPresenceJoined != nil {
			cb.OnPresenceJoined(ev)
		}
	case KindPresenceLeft:
		if cb.OnPresenceLeft != nil {
			cb.OnPresenceLeft(ev)
		}
	case KindResourceUpdate:
		if cb.OnResourceUpdate != nil {
			cb.OnResourceUpdate(ev)
		}
	case KindSystemMessage:
		if cb.OnSystemMessage != nil {
			cb.OnSystemMessage(ev)
		}
	case KindError:
		if cb.OnError != nil {
			cb.OnError(ev)
		}
	case KindPong, KindConnectionEstablished:
		// Liveness bookkeeping only; never forwarded.
		r.logger.Debug("control event", "channel", channelID, "type", ev.WireType)
	}
}

// Route decodes raw and dispatches the result. Decode failures are logged
// and dropped; they never tear down the channel.
func (r *Router) Route(channelID string, raw []byte, cb EventCallbacks) {
	ev, err := r.Decode(raw)
	if err != nil {
		r.logger.Debug("dropping undecodable message", "channel", channelID, "error", err)
		return
	}
	r.Dispatch(channelID, ev, cb)
}

// OutboundMessage is a client-to-server control message.
type OutboundMessage map[string]any

func PingMessage() OutboundMessage {
	return OutboundMessage{"type": "ping"}
}

func MarkAsReadMessage(notificationID string) OutboundMessage {
	return OutboundMessage{"type": "mark_as_read", "notification_id": notificationID}
}

func MarkAllAsReadMessage() OutboundMessage {
	return OutboundMessage{"type": "mark_all_as_read"}
}

func ChatMessageOutbound(message string) OutboundMessage {
	return OutboundMessage{"type": "chat_message", "message": message}
}
