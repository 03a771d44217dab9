package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/logabell/conversator/pkg/eventlog"
	"github.com/logabell/conversator/pkg/inbox"
	"github.com/logabell/conversator/pkg/metrics"
	"github.com/logabell/conversator/pkg/models"
	"github.com/logabell/conversator/pkg/transcript"
)

// WebSocket message types delivered to dashboard clients.
const (
	WSTypeConversationEntry = "conversation_entry"
	WSTypeTaskUpdate        = "task_update"
	WSTypeInboxItem         = "inbox_item"
	WSTypeBuilderStatus     = "builder_status"
)

// WSMessage is the broadcast envelope.
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// taskUpdateData is the payload of a task_update message.
type taskUpdateData struct {
	Seq       int64             `json:"seq"`
	EventType string            `json:"event_type"`
	TaskID    string            `json:"task_id,omitempty"`
	Refs      *models.EventRefs `json:"refs,omitempty"`
	Payload   map[string]any    `json:"payload,omitempty"`
	Time      time.Time         `json:"time"`
}

// builderStatusData is the payload of a builder_status message.
type builderStatusData struct {
	Seq       int64  `json:"seq"`
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status"`
}

// ConnectionManager fans domain events and conversation entries out to
// WebSocket subscribers. Every subscriber owns its outbound queue; producers
// never block on consumers, and a subscriber that falls too far behind is
// disconnected rather than delaying the rest (it reconnects and resumes by
// cursor — domain events themselves are never dropped).
type ConnectionManager struct {
	store        *eventlog.Store
	inboxService *inbox.Service
	feed         *transcript.Feed
	writeTimeout time.Duration
	queueDepth   int
	logger       *slog.Logger

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// wsConn is one subscriber.
type wsConn struct {
	id         string
	conn       *websocket.Conn
	transcript chan *transcript.Entry
	cancel     context.CancelFunc
}

// NewConnectionManager creates the fan-out manager and hooks the transcript
// feed broadcast.
func NewConnectionManager(store *eventlog.Store, inboxService *inbox.Service, feed *transcript.Feed, writeTimeout time.Duration, queueDepth int) *ConnectionManager {
	m := &ConnectionManager{
		store:        store,
		inboxService: inboxService,
		feed:         feed,
		writeTimeout: writeTimeout,
		queueDepth:   queueDepth,
		logger:       slog.With("component", "ws"),
		conns:        make(map[string]*wsConn),
	}
	feed.SetListener(m.broadcastTranscript)
	return m
}

// ActiveConnections returns the subscriber count.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// broadcastTranscript enqueues a conversation entry for every subscriber.
// A subscriber whose transcript queue is full is disconnected; it can reload
// the feed over REST after reconnecting.
func (m *ConnectionManager) broadcastTranscript(entry *transcript.Entry) {
	m.mu.RLock()
	conns := make([]*wsConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		select {
		case c.transcript <- entry:
		default:
			m.logger.Warn("Transcript queue overflow; disconnecting slow subscriber",
				"connection_id", c.id)
			c.cancel()
		}
	}
}

// HandleConnection serves one subscriber until it disconnects. fromSeq is the
// client's last-seen domain event cursor; events after it are re-sent in
// order before live tailing. transcriptFrom works the same way against the
// conversation feed's retained window.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, fromSeq, transcriptFrom int64) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sub, err := m.store.Subscribe(fromSeq)
	if err != nil {
		m.logger.Error("Failed to subscribe to event log", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	defer sub.Close()

	c := &wsConn{
		id:         uuid.New().String(),
		conn:       conn,
		transcript: make(chan *transcript.Entry, 64),
		cancel:     cancel,
	}
	m.register(c)
	defer m.unregister(c)

	// Replay the retained conversation window first; new entries arrive on
	// the per-connection queue afterwards.
	for _, entry := range m.feed.Since(transcriptFrom) {
		if !m.send(ctx, c, &WSMessage{Type: WSTypeConversationEntry, Data: entry}) {
			return
		}
	}

	// Reader goroutine: drains client frames (ping keepalives) and surfaces
	// disconnection by canceling the writer.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case entry := <-c.transcript:
			if !m.send(ctx, c, &WSMessage{Type: WSTypeConversationEntry, Data: entry}) {
				return
			}

		default:
			ev, err := m.nextEvent(ctx, sub, c)
			if err != nil {
				return
			}
			if ev == nil {
				continue
			}
			if sub.Depth() > m.queueDepth {
				m.logger.Warn("Event backlog overflow; disconnecting slow subscriber",
					"connection_id", c.id, "depth", sub.Depth())
				return
			}
			for _, msg := range m.messagesFor(ctx, ev) {
				if !m.send(ctx, c, msg) {
					return
				}
			}
		}
	}
}

// nextEvent waits briefly for the next domain event so transcript entries
// interleave without starving either source.
func (m *ConnectionManager) nextEvent(ctx context.Context, sub *eventlog.Subscription, c *wsConn) (*models.Event, error) {
	if ev := sub.TryNext(); ev != nil {
		return ev, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	ev, err := sub.Next(waitCtx)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return nil, nil // poll timeout — check transcript queue again
		}
		return nil, err
	}
	return ev, nil
}

// messagesFor translates one domain event into its broadcast messages.
func (m *ConnectionManager) messagesFor(ctx context.Context, ev *models.Event) []*WSMessage {
	var msgs []*WSMessage

	if ev.Type == models.EventBuilderStatusChanged {
		data := &builderStatusData{Seq: ev.Seq, TaskID: ev.TaskID, Status: ev.PayloadString("status")}
		if ev.Refs != nil {
			data.SessionID = ev.Refs.SessionID
		}
		msgs = append(msgs, &WSMessage{Type: WSTypeBuilderStatus, Data: data})
	} else {
		msgs = append(msgs, &WSMessage{Type: WSTypeTaskUpdate, Data: &taskUpdateData{
			Seq:       ev.Seq,
			EventType: ev.Type,
			TaskID:    ev.TaskID,
			Refs:      ev.Refs,
			Payload:   ev.Payload,
			Time:      ev.Time,
		}})
	}

	item, err := m.inboxService.ItemForSeq(ctx, ev.Seq)
	if err != nil {
		m.logger.Warn("Failed to load inbox item for broadcast", "seq", ev.Seq, "error", err)
	} else if item != nil {
		msgs = append(msgs, &WSMessage{Type: WSTypeInboxItem, Data: item})
	}

	return msgs
}

// send writes one message with the configured timeout. Returns false when
// the subscriber should be dropped.
func (m *ConnectionManager) send(ctx context.Context, c *wsConn, msg *WSMessage) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		m.logger.Warn("Failed to marshal WebSocket message", "error", err)
		return true
	}
	writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, raw); err != nil {
		m.logger.Warn("Failed to send to WebSocket client",
			"connection_id", c.id, "error", err)
		return false
	}
	return true
}

func (m *ConnectionManager) register(c *wsConn) {
	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()
	metrics.WSClients.Inc()
}

func (m *ConnectionManager) unregister(c *wsConn) {
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()
	metrics.WSClients.Dec()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
