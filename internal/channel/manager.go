package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/mvdberg/couchsync/internal/util"
)

var log = logging.Logger("channel")

// seenFrameIDs is how many recent inbound frame ids are remembered to drop
// server re-deliveries after a reconnect.
const seenFrameIDs = 10

// Callbacks are the hooks the channel owner supplies. All of them are
// optional; nil slots are skipped.
type Callbacks struct {
	// OnMessage receives every deduplicated inbound frame.
	OnMessage func(Frame)
	// OnOpen fires once the connection is established.
	OnOpen func()
	// OnClose fires when the connection drops, with the read error if any.
	OnClose func(error)
}

// Manager owns the persistent websocket channel to the coordination server:
// connect, disconnect, send, and keep-alive scheduling. At most one
// connection exists at a time.
type Manager struct {
	url string
	cb  Callbacks

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting bool
	seen       *util.RingBuffer[string]

	writeMu sync.Mutex // serializes writes on the single conn

	kaMu   sync.Mutex
	kaStop chan struct{}
}

// New creates a channel manager for the given websocket URL.
func New(socketURL string, cb Callbacks) *Manager {
	return &Manager{
		url:  socketURL,
		cb:   cb,
		seen: util.NewRingBuffer[string](seenFrameIDs),
	}
}

// Connect dials the server and starts the read loop. It is a no-op when a
// connection is already open or being opened.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil || m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.url, http.Header{})

	m.mu.Lock()
	m.connecting = false
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("dial %s: %w", m.url, err)
	}
	m.conn = conn
	m.mu.Unlock()

	log.Infow("channel connected", "url", m.url)
	if m.cb.OnOpen != nil {
		m.cb.OnOpen()
	}

	go m.readLoop(conn)
	return nil
}

// IsConnected reports whether the channel currently has an open connection.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Send writes one frame. After a disconnect it is a silent no-op: the caller
// is reacting to events that are stale anyway, and the close has already
// been surfaced through OnClose.
func (m *Manager) Send(t MessageType, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		log.Debugw("send on closed channel dropped", "type", t)
		return nil
	}

	frame := Frame{
		MessageID:   uuid.NewString(),
		MessageType: t,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", t, err)
		}
		frame.Data = data
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

// ScheduleKeepAlive arms a repeating liveness frame at half the
// server-advertised timeout. A previous schedule is replaced, not stacked.
func (m *Manager) ScheduleKeepAlive(timeoutSeconds int) {
	interval := time.Duration(timeoutSeconds) * time.Second / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}

	m.kaMu.Lock()
	if m.kaStop != nil {
		close(m.kaStop)
	}
	stop := make(chan struct{})
	m.kaStop = stop
	m.kaMu.Unlock()

	log.Debugw("keep-alive scheduled", "interval", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.Send(TypeKeepAlive, nil); err != nil {
					log.Warnw("keep-alive send failed", "err", err)
				}
			}
		}
	}()
}

// clearKeepAlive stops the keep-alive timer if one is armed.
func (m *Manager) clearKeepAlive() {
	m.kaMu.Lock()
	if m.kaStop != nil {
		close(m.kaStop)
		m.kaStop = nil
	}
	m.kaMu.Unlock()
}

// Disconnect closes the connection and clears the keep-alive timer.
// Subsequent Send calls become no-ops.
func (m *Manager) Disconnect() {
	m.clearKeepAlive()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return
	}

	m.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.writeMu.Unlock()
	conn.Close()

	log.Infow("channel disconnected")
	if m.cb.OnClose != nil {
		m.cb.OnClose(nil)
	}
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			m.teardown(conn, err)
			return
		}

		if frame.MessageID != "" && m.seenRecently(frame.MessageID) {
			log.Debugw("duplicate frame dropped", "id", frame.MessageID, "type", frame.MessageType)
			continue
		}

		if m.cb.OnMessage != nil {
			m.cb.OnMessage(frame)
		}
	}
}

// seenRecently records the frame id and reports whether it was already in
// the recent-id window.
func (m *Manager) seenRecently(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.seen.Snapshot() {
		if s == id {
			return true
		}
	}
	m.seen.Push(id)
	return false
}

// teardown runs when the read loop exits. It clears state only if the dying
// conn is still the current one (Disconnect may already have swapped it out).
func (m *Manager) teardown(conn *websocket.Conn, err error) {
	m.clearKeepAlive()

	m.mu.Lock()
	current := m.conn == conn
	if current {
		m.conn = nil
	}
	m.mu.Unlock()

	conn.Close()
	if !current {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		err = nil
	}
	log.Infow("channel closed", "err", err)
	if m.cb.OnClose != nil {
		m.cb.OnClose(err)
	}
}
