package realtime

import (
	"errors"
	"testing"
)

func TestDecodeKnownKinds(t *testing.T) {
	r := NewRouter(nil)
	cases := []struct {
		raw  string
		kind Kind
	}{
		{`{"type":"notification","data":{"id":"n1"}}`, KindNotification},
		{`{"type":"unread_notifications","count":3}`, KindUnreadSnapshot},
		{`{"type":"chat_message","data":{"message":"hi"}}`, KindChatMessage},
		{`{"type":"user_joined","data":{"user_id":"u1"}}`, KindPresenceJoined},
		{`{"type":"user_left","data":{"user_id":"u1"}}`, KindPresenceLeft},
		{`{"type":"project_update","data":{"project_id":"p1"}}`, KindResourceUpdate},
		{`{"type":"task_update","data":{"task_id":"t1"}}`, KindResourceUpdate},
		{`{"type":"system_message","message":"maintenance"}`, KindSystemMessage},
		{`{"type":"system_notification","message":"maintenance"}`, KindSystemMessage},
		{`{"type":"error","message":"bad"}`, KindError},
		{`{"type":"pong"}`, KindPong},
		{`{"type":"connection_established"}`, KindConnectionEstablished},
	}
	for _, tc := range cases {
		ev, err := r.Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("Decode(%s): %v", tc.raw, err)
		}
		if ev.Kind != tc.kind {
			t.Fatalf("Decode(%s) kind = %s, want %s", tc.raw, ev.Kind, tc.kind)
		}
		if ev.ReceivedAt.IsZero() {
			t.Fatalf("Decode(%s) missing ReceivedAt", tc.raw)
		}
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	r := NewRouter(nil)
	cases := []string{
		`not json`,
		`[]`,
		`{}`,
		`{"type":""}`,
		`{"type":42}`,
		`{"type":"notification","count":-1}`,
		`{"type":"warp_drive_engaged"}`,
	}
	for _, raw := range cases {
		_, err := r.Decode([]byte(raw))
		if err == nil {
			t.Fatalf("Decode(%s) succeeded, want DecodeError", raw)
		}
		var decodeErr *DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("Decode(%s) error type = %T", raw, err)
		}
	}
}

func TestDecodeCarriesEnvelopeFields(t *testing.T) {
	r := NewRouter(nil)
	ev, err := r.Decode([]byte(`{"type":"unread_notifications","count":7,"message":"ok","timestamp":"2026-08-28T10:00:00Z","data":{"ids":["a"]}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Count != 7 || ev.Message != "ok" || ev.Timestamp != "2026-08-28T10:00:00Z" {
		t.Fatalf("envelope fields = %+v", ev)
	}
	if _, ok := ev.Payload["ids"]; !ok {
		t.Fatalf("payload missing: %+v", ev.Payload)
	}
}

func TestDispatchRoutesToKindSlot(t *testing.T) {
	r := NewRouter(nil)
	var gotKind Kind
	cb := EventCallbacks{
		OnChatMessage: func(ev Event) { gotKind = ev.Kind },
	}
	r.Dispatch("meeting_chat_m1", Event{Kind: KindChatMessage}, cb)
	if gotKind != KindChatMessage {
		t.Fatalf("chat callback not invoked")
	}

	// A kind without a registered slot is a silent no-op.
	r.Dispatch("meeting_chat_m1", Event{Kind: KindNotification}, cb)
}

func TestDispatchConsumesControlEvents(t *testing.T) {
	r := NewRouter(nil)
	forwarded := false
	cb := EventCallbacks{
		OnNotification:   func(Event) { forwarded = true },
		OnUnreadSnapshot: func(Event) { forwarded = true },
		OnChatMessage:    func(Event) { forwarded = true },
		OnPresenceJoined: func(Event) { forwarded = true },
		OnPresenceLeft:   func(Event) { forwarded = true },
		OnResourceUpdate: func(Event) { forwarded = true },
		OnSystemMessage:  func(Event) { forwarded = true },
		OnError:          func(Event) { forwarded = true },
	}
	r.Dispatch("user_notifications_u1", Event{Kind: KindPong}, cb)
	r.Dispatch("user_notifications_u1", Event{Kind: KindConnectionEstablished}, cb)
	if forwarded {
		t.Fatalf("control event reached a caller callback")
	}
}

func TestRouteDropsUnknownKind(t *testing.T) {
	r := NewRouter(nil)
	invoked := false
	cb := EventCallbacks{
		OnError: func(Event) { invoked = true },
	}
	r.Route("chan-a", []byte(`{"type":"warp_drive_engaged","data":{}}`), cb)
	if invoked {
		t.Fatalf("unknown kind reached a callback")
	}
}

func TestOutboundMessages(t *testing.T) {
	if got := PingMessage()["type"]; got != "ping" {
		t.Fatalf("ping type = %v", got)
	}
	msg := MarkAsReadMessage("n1")
	if msg["type"] != "mark_as_read" || msg["notification_id"] != "n1" {
		t.Fatalf("mark_as_read = %v", msg)
	}
	if got := MarkAllAsReadMessage()["type"]; got != "mark_all_as_read" {
		t.Fatalf("mark_all_as_read type = %v", got)
	}
	chat := ChatMessageOutbound("hello")
	if chat["type"] != "chat_message" || chat["message"] != "hello" {
		t.Fatalf("chat_message = %v", chat)
	}
}
