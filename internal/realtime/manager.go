package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	DefaultBaseDelay    = 1000 * time.Millisecond
	DefaultMaxAttempts  = 5
	DefaultPingInterval = 30 * time.Second

	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

var ErrChannelClosed = errors.New("channel is not open")

// Status is the lifecycle state of a channel.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// wireConn is the subset of a websocket connection the manager drives.
// Tests substitute scripted fakes through dialFunc.
type wireConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (wireConn, error)

func defaultDial(ctx context.Context, url string) (wireConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ChannelCallbacks receive the lifecycle and traffic of one channel.
type ChannelCallbacks struct {
	// OnMessage receives each raw inbound frame.
	OnMessage func(raw []byte)
	// OnStatusChange fires on every lifecycle transition, including the
	// connected transition after each successful reconnect.
	OnStatusChange func(status Status)
	// OnError fires once when the channel gives up: reconnect attempts
	// exhausted. The channel stays registered in the error state until
	// closed or reopened.
	OnError func(err error)
}

// Options tune a single channel. Zero values select the defaults above.
type Options struct {
	BaseDelay    time.Duration
	MaxAttempts  int
	PingInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	return o
}

// channel is one named connection and its retry state. gen increments on
// every Close so goroutines and timers from a previous life detect they are
// stale and exit without touching the replacement.
type channel struct {
	id       string
	url      string
	opts     Options
	cb       ChannelCallbacks
	gen      uint64
	conn     wireConn
	status   Status
	attempts int
	closed   bool
	retry    *time.Timer
	pingStop chan struct{}
}

// Manager owns a set of named duplex channels. Each channel dials its URL,
// pumps inbound frames to its callbacks, and on abnormal closure or dial
// failure redials with exponential backoff until MaxAttempts is exhausted.
type Manager struct {
	logger *slog.Logger
	dial   dialFunc

	mu       sync.Mutex
	channels map[string]*channel
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		dial:     defaultDial,
		channels: map[string]*channel{},
	}
}

// Open registers id and starts dialing url in the background. An id that is
// already registered is closed first, so re-open is always safe. Dial
// failures are retried with backoff and do not surface here.
func (m *Manager) Open(ctx context.Context, id, url string, opts Options, cb ChannelCallbacks) error {
	id = strings.TrimSpace(id)
	url = strings.TrimSpace(url)
	if id == "" || url == "" {
		return errors.New("channel id and url are required")
	}
	m.Close(id)

	ch := &channel{id: id, url: url, opts: opts.withDefaults(), cb: cb, status: StatusConnecting}
	m.mu.Lock()
	m.channels[id] = ch
	gen := ch.gen
	m.mu.Unlock()

	m.notifyStatus(ch, StatusConnecting)
	go func() {
		if err := m.connect(ctx, ch, gen); err != nil {
			m.scheduleReconnect(ch, gen, err)
		}
	}()
	return nil
}

func (m *Manager) connect(ctx context.Context, ch *channel, gen uint64) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := m.dial(dialCtx, ch.url)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if ch.closed || ch.gen != gen {
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	ch.conn = conn
	ch.status = StatusConnected
	ch.attempts = 0
	m.mu.Unlock()

	m.logger.Info("channel open", "channel", ch.id)
	m.notifyStatus(ch, StatusConnected)
	go m.readLoop(ch, conn, gen)
	return nil
}

// readLoop pumps frames until the connection errors, then decides whether
// the closure warrants a reconnect.
func (m *Manager) readLoop(ch *channel, conn wireConn, gen uint64) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			m.handleDisconnect(ch, gen, err)
			return
		}
		m.mu.Lock()
		stale := ch.closed || ch.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}
		if ch.cb.OnMessage != nil {
			ch.cb.OnMessage(data)
		}
	}
}

func (m *Manager) handleDisconnect(ch *channel, gen uint64, cause error) {
	m.mu.Lock()
	if ch.closed || ch.gen != gen {
		m.mu.Unlock()
		return
	}
	ch.conn = nil
	ch.status = StatusDisconnected
	m.mu.Unlock()

	m.notifyStatus(ch, StatusDisconnected)

	status := websocket.CloseStatus(cause)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		m.logger.Info("channel closed by peer", "channel", ch.id, "status", status)
		m.remove(ch, gen)
		return
	}
	m.scheduleReconnect(ch, gen, cause)
}

// scheduleReconnect arms the next redial at BaseDelay << attempts. Attempts
// reset to zero on every successful connection.
func (m *Manager) scheduleReconnect(ch *channel, gen uint64, cause error) {
	m.mu.Lock()
	if ch.closed || ch.gen != gen {
		m.mu.Unlock()
		return
	}
	if ch.attempts >= ch.opts.MaxAttempts {
		ch.status = StatusError
		m.stopPingLocked(ch)
		attempts := ch.attempts
		m.mu.Unlock()
		m.logger.Error("channel reconnect attempts exhausted", "channel", ch.id, "attempts", attempts, "error", cause)
		m.notifyStatus(ch, StatusError)
		if ch.cb.OnError != nil {
			ch.cb.OnError(fmt.Errorf("reconnect attempts exhausted after %d tries: %w", attempts, cause))
		}
		return
	}
	delay := ch.opts.BaseDelay << ch.attempts
	ch.attempts++
	attempt := ch.attempts
	ch.retry = time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := ch.closed || ch.gen != gen
		m.mu.Unlock()
		if stale {
			return
		}
		m.logger.Info("channel reconnecting", "channel", ch.id, "attempt", attempt)
		if err := m.connect(context.Background(), ch, gen); err != nil {
			m.scheduleReconnect(ch, gen, err)
		}
	})
	m.mu.Unlock()
	m.logger.Warn("channel lost, retry scheduled", "channel", ch.id, "attempt", attempt, "delay", delay, "error", cause)
}

// remove drops the channel after a peer-initiated normal closure.
func (m *Manager) remove(ch *channel, gen uint64) {
	m.mu.Lock()
	if ch.closed || ch.gen != gen {
		m.mu.Unlock()
		return
	}
	ch.closed = true
	m.stopPingLocked(ch)
	delete(m.channels, ch.id)
	m.mu.Unlock()
}

func (m *Manager) notifyStatus(ch *channel, status Status) {
	if ch.cb.OnStatusChange != nil {
		ch.cb.OnStatusChange(status)
	}
}

// Close tears down the channel with a normal closure. Closing an unknown or
// already-closed id is a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	ch, ok := m.channels[strings.TrimSpace(id)]
	if !ok {
		m.mu.Unlock()
		return
	}
	ch.closed = true
	ch.gen++
	if ch.retry != nil {
		ch.retry.Stop()
		ch.retry = nil
	}
	m.stopPingLocked(ch)
	conn := ch.conn
	ch.conn = nil
	delete(m.channels, ch.id)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client close")
	}
	m.logger.Info("channel closed", "channel", id)
}

// CloseAll closes every registered channel.
func (m *Manager) CloseAll() {
	for _, id := range m.ListOpen() {
		m.Close(id)
	}
}

// Send marshals msg to JSON and writes it as a text frame. Sending on a
// channel that is not currently connected returns ErrChannelClosed; nothing
// is queued.
func (m *Manager) Send(ctx context.Context, id string, msg OutboundMessage) error {
	m.mu.Lock()
	ch, ok := m.channels[strings.TrimSpace(id)]
	var conn wireConn
	if ok {
		conn = ch.conn
	}
	m.mu.Unlock()
	if !ok || conn == nil {
		m.logger.Warn("send on closed channel", "channel", id)
		return fmt.Errorf("%w: %s", ErrChannelClosed, id)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// IsOpen reports whether id has a live connection right now. A channel
// between reconnect attempts is registered but not open.
func (m *Manager) IsOpen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[strings.TrimSpace(id)]
	return ok && ch.conn != nil
}

// Status returns the lifecycle state of id, or false if id is unknown.
func (m *Manager) Status(id string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[strings.TrimSpace(id)]
	if !ok {
		return "", false
	}
	return ch.status, true
}

// ListOpen returns the registered channel ids in sorted order.
func (m *Manager) ListOpen() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// StartPinging sends an application-level ping on the channel at its
// configured interval until StopPinging or Close. Sends while disconnected
// are skipped; the ticker keeps running across reconnects.
func (m *Manager) StartPinging(id string) {
	m.mu.Lock()
	ch, ok := m.channels[strings.TrimSpace(id)]
	if !ok || ch.pingStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	ch.pingStop = stop
	interval := ch.opts.PingInterval
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.Send(context.Background(), id, PingMessage()); err != nil {
					m.logger.Debug("ping skipped", "channel", id, "error", err)
				}
			}
		}
	}()
}

// StopPinging cancels the ping loop for id.
func (m *Manager) StopPinging(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[strings.TrimSpace(id)]; ok {
		m.stopPingLocked(ch)
	}
}

func (m *Manager) stopPingLocked(ch *channel) {
	if ch.pingStop != nil {
		close(ch.pingStop)
		ch.pingStop = nil
	}
}
