// Package gateway is the server side of the realtime protocol: websocket
// fan-out, unread tracking, presence, and HTTP publish endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workdeck/livesync/internal/synchub"
)

const subscriberBuffer = 32

// Envelope is the wire message shape shared with the client.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Message   string         `json:"message,omitempty"`
	Count     *int           `json:"count,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// Subscriber is one connected websocket. Outbound envelopes are queued on
// Send; a full queue drops the event rather than blocking the hub.
type Subscriber struct {
	ID      string
	UserID  string
	Channel string
	Send    chan []byte
}

// Hub owns the channel subscriber sets and per-user unread notification
// state. An optional CollectionStore persists published notifications so
// late subscribers can backfill over the CRUD API.
type Hub struct {
	logger  *slog.Logger
	metrics *Metrics
	store   synchub.CollectionStore
	clock   func() time.Time

	mu       sync.Mutex
	channels map[string]map[*Subscriber]struct{}
	unread   map[string][]string
}

func NewHub(logger *slog.Logger, metrics *Metrics, store synchub.CollectionStore) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Hub{
		logger:   logger,
		metrics:  metrics,
		store:    store,
		clock:    time.Now,
		channels: map[string]map[*Subscriber]struct{}{},
		unread:   map[string][]string{},
	}
}

// Channel path constructors mirror the URL scheme.

func NotificationsChannel(userID string) string {
	return "notifications/" + strings.TrimSpace(userID)
}

func ProjectChannel(projectID string) string {
	return "projects/" + strings.TrimSpace(projectID)
}

func MeetingChatChannel(meetingID string) string {
	return "meetings/" + strings.TrimSpace(meetingID) + "/chat"
}

const SystemChannel = "system"

// Subscribe registers a connection on channel and greets it with
// connection_established. Meeting chat channels announce the join to the
// other participants.
func (h *Hub) Subscribe(channel, userID string) *Subscriber {
	sub := &Subscriber{
		ID:      uuid.NewString(),
		UserID:  strings.TrimSpace(userID),
		Channel: channel,
		Send:    make(chan []byte, subscriberBuffer),
	}
	h.mu.Lock()
	set := h.channels[channel]
	if set == nil {
		set = map[*Subscriber]struct{}{}
		h.channels[channel] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	h.metrics.openConnections.Inc()
	h.logger.Info("subscriber joined", "channel", channel, "user", sub.UserID, "subscriber", sub.ID)

	h.deliver(sub, Envelope{Type: "connection_established", Timestamp: h.timestamp()})
	if isMeetingChannel(channel) {
		h.broadcastExcept(channel, sub, Envelope{
			Type:      "user_joined",
			Data:      map[string]any{"user_id": sub.UserID},
			Timestamp: h.timestamp(),
		})
	}
	if isNotificationsChannel(channel) {
		h.deliver(sub, h.unreadSnapshot(sub.UserID))
	}
	return sub
}

// Unsubscribe removes the connection and closes its send queue.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	set, ok := h.channels[sub.Channel]
	if ok {
		if _, member := set[sub]; !member {
			ok = false
		}
		delete(set, sub)
		if len(set) == 0 {
			delete(h.channels, sub.Channel)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	close(sub.Send)
	h.metrics.openConnections.Dec()
	h.logger.Info("subscriber left", "channel", sub.Channel, "user", sub.UserID, "subscriber", sub.ID)

	if isMeetingChannel(sub.Channel) {
		h.Broadcast(sub.Channel, Envelope{
			Type:      "user_left",
			Data:      map[string]any{"user_id": sub.UserID},
			Timestamp: h.timestamp(),
		})
	}
}

// HandleInbound processes one client control message. Unknown types are
// answered with an error envelope instead of dropping the connection.
func (h *Hub) HandleInbound(sub *Subscriber, raw []byte) {
	var msg struct {
		Type           string `json:"type"`
		NotificationID string `json:"notification_id"`
		Message        string `json:"message"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.deliver(sub, Envelope{Type: "error", Message: "invalid json", Timestamp: h.timestamp()})
		return
	}
	switch msg.Type {
	case "ping":
		h.deliver(sub, Envelope{Type: "pong", Timestamp: h.timestamp()})
	case "mark_as_read":
		h.markAsRead(sub.UserID, msg.NotificationID)
		h.pushUnreadSnapshot(sub.UserID)
	case "mark_all_as_read":
		h.markAllAsRead(sub.UserID)
		h.pushUnreadSnapshot(sub.UserID)
	case "chat_message":
		if !isMeetingChannel(sub.Channel) {
			h.deliver(sub, Envelope{Type: "error", Message: "chat_message outside a meeting channel", Timestamp: h.timestamp()})
			return
		}
		h.Broadcast(sub.Channel, Envelope{
			Type: "chat_message",
			Data: map[string]any{
				"id":      uuid.NewString(),
				"user_id": sub.UserID,
				"message": msg.Message,
			},
			Timestamp: h.timestamp(),
		})
	default:
		h.deliver(sub, Envelope{
			Type:      "error",
			Message:   fmt.Sprintf("unsupported message type: %s", msg.Type),
			Timestamp: h.timestamp(),
		})
	}
}

// PublishNotification pushes a notification to userID's channel, records it
// as unread, and persists it when a store is configured.
func (h *Hub) PublishNotification(ctx context.Context, userID string, payload map[string]any) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", synchub.ErrInvalidInput
	}
	id := uuid.NewString()
	data := map[string]any{"id": id, "user_id": userID}
	for key, value := range payload {
		if key == "id" || key == "user_id" {
			continue
		}
		data[key] = value
	}

	h.mu.Lock()
	h.unread[userID] = append(h.unread[userID], id)
	h.mu.Unlock()

	if h.store != nil {
		record := synchub.Record{}
		for key, value := range data {
			record[key] = value
		}
		record["created_at"] = h.timestamp()
		if _, err := h.store.Create(ctx, "notifications", record); err != nil {
			h.logger.Error("notification persist failed", "user", userID, "error", err)
		}
	}

	h.Broadcast(NotificationsChannel(userID), Envelope{
		Type:      "notification",
		Data:      data,
		Timestamp: h.timestamp(),
	})
	h.pushUnreadSnapshot(userID)
	return id, nil
}

// PublishResourceUpdate broadcasts a project_update or task_update envelope
// on the project's channel.
func (h *Hub) PublishResourceUpdate(projectID, wireType string, payload map[string]any) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return synchub.ErrInvalidInput
	}
	if wireType != "project_update" && wireType != "task_update" {
		return fmt.Errorf("%w: resource update type %q", synchub.ErrInvalidInput, wireType)
	}
	data := map[string]any{"project_id": projectID}
	for key, value := range payload {
		data[key] = value
	}
	h.Broadcast(ProjectChannel(projectID), Envelope{
		Type:      wireType,
		Data:      data,
		Timestamp: h.timestamp(),
	})
	return nil
}

// PublishSystemMessage broadcasts to every system channel subscriber.
func (h *Hub) PublishSystemMessage(message string) {
	h.Broadcast(SystemChannel, Envelope{
		Type:      "system_message",
		Message:   message,
		Timestamp: h.timestamp(),
	})
}

// Broadcast queues env for every subscriber on channel.
func (h *Hub) Broadcast(channel string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("envelope marshal failed", "channel", channel, "error", err)
		return
	}
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.channels[channel]))
	for sub := range h.channels[channel] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		h.send(sub, env.Type, data)
	}
}

func (h *Hub) broadcastExcept(channel string, skip *Subscriber, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("envelope marshal failed", "channel", channel, "error", err)
		return
	}
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.channels[channel]))
	for sub := range h.channels[channel] {
		if sub != skip {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range subs {
		h.send(sub, env.Type, data)
	}
}

func (h *Hub) deliver(sub *Subscriber, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("envelope marshal failed", "channel", sub.Channel, "error", err)
		return
	}
	h.send(sub, env.Type, data)
}

// send never blocks; a saturated subscriber loses the event.
func (h *Hub) send(sub *Subscriber, eventType string, data []byte) {
	defer func() {
		// Losing the race with Unsubscribe closing Send is tolerated.
		if recover() != nil {
			h.metrics.droppedEvents.Inc()
		}
	}()
	select {
	case sub.Send <- data:
		h.metrics.deliveredEvents.WithLabelValues(eventType).Inc()
	default:
		h.metrics.droppedEvents.Inc()
		h.logger.Warn("subscriber queue full, event dropped", "channel", sub.Channel, "subscriber", sub.ID, "type", eventType)
	}
}

// UnreadCount reports the user's current unread notification count.
func (h *Hub) UnreadCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.unread[strings.TrimSpace(userID)])
}

func (h *Hub) markAsRead(userID, notificationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := h.unread[userID]
	for i, id := range ids {
		if id == notificationID {
			h.unread[userID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (h *Hub) markAllAsRead(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.unread, userID)
}

func (h *Hub) unreadSnapshot(userID string) Envelope {
	h.mu.Lock()
	ids := append([]string(nil), h.unread[userID]...)
	h.mu.Unlock()
	count := len(ids)
	return Envelope{
		Type:      "unread_notifications",
		Count:     &count,
		Data:      map[string]any{"notification_ids": ids},
		Timestamp: h.timestamp(),
	}
}

func (h *Hub) pushUnreadSnapshot(userID string) {
	h.Broadcast(NotificationsChannel(userID), h.unreadSnapshot(userID))
}

func (h *Hub) timestamp() string {
	return h.clock().UTC().Format(time.RFC3339)
}

func isMeetingChannel(channel string) bool {
	return strings.HasPrefix(channel, "meetings/") && strings.HasSuffix(channel, "/chat")
}

func isNotificationsChannel(channel string) bool {
	return strings.HasPrefix(channel, "notifications/")
}
