package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dagonet/internal/config"
)

// Handler receives the payload of a broadcast frame for a topic.
type Handler func(topic string, data json.RawMessage)

// frame is the realtime wire envelope. Client -> server frames are ping,
// ack and subscribe; server -> client frames are ack, ping and broadcast.
type frame struct {
	Type   string          `json:"type"`
	Txid   int64           `json:"txid,omitempty"`
	Topics []string        `json:"topics,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Stream maintains the realtime websocket connection. Subscriptions are
// durable: they survive reconnects and are replayed after every
// successful connect. The reconnect loop never gives up; backoff doubles
// from the configured minimum to the maximum and resets once a
// connection has stayed up long enough to count as stable.
type Stream struct {
	url    string
	cfg    config.StreamConfig
	dialer *websocket.Dialer

	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	txid      atomic.Int64

	subsMu sync.Mutex
	subs   map[string][]Handler

	hbMu    sync.Mutex
	unacked int
}

func NewStream(wsURL string, cfg config.StreamConfig) *Stream {
	return &Stream{
		url: wsURL,
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HeartbeatTimeout.Duration,
		},
		subs: make(map[string][]Handler),
	}
}

// Connected reports whether the stream currently holds a live connection.
// This flag is the only connectivity signal the rest of the agent reads.
func (s *Stream) Connected() bool {
	return s.connected.Load()
}

// Subscribe registers a handler for a topic. When a connection is live
// the subscribe frame is sent immediately; either way the topic is
// replayed on every future connect.
func (s *Stream) Subscribe(topic string, h Handler) {
	s.subsMu.Lock()
	s.subs[topic] = append(s.subs[topic], h)
	s.subsMu.Unlock()

	if s.connected.Load() {
		if err := s.send(frame{Type: "subscribe", Txid: s.nextTxid(), Topics: []string{topic}}); err != nil {
			slog.Warn("subscribe send failed, will retry on reconnect", "topic", topic, "error", err)
		}
	}
}

// Run connects and serves the stream until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.cfg.BackoffMin.Duration

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			slog.Warn("stream connect failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		connectedAt := time.Now()
		s.writeMu.Lock()
		s.conn = conn
		s.writeMu.Unlock()
		s.resetHeartbeat()
		s.connected.Store(true)
		slog.Info("stream connected", "url", s.url)

		s.resubscribeAll()

		connCtx, cancelConn := context.WithCancel(ctx)
		go func() {
			<-connCtx.Done()
			conn.Close()
		}()
		go s.heartbeat(connCtx, conn)

		err = s.readLoop(conn)
		cancelConn()
		s.connected.Store(false)
		conn.Close()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		// A sustained connection means the previous trouble passed.
		if time.Since(connectedAt) >= s.cfg.StableAfter.Duration {
			backoff = s.cfg.BackoffMin.Duration
		}
		slog.Warn("stream disconnected", "error", err, "backoff", backoff)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = s.nextBackoff(backoff)
	}
}

func (s *Stream) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > s.cfg.BackoffMax.Duration {
		next = s.cfg.BackoffMax.Duration
	}
	return next
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("malformed frame, skipping", "error", err)
			continue
		}

		switch f.Type {
		case "ack":
			s.hbMu.Lock()
			s.unacked = 0
			s.hbMu.Unlock()
		case "ping":
			if err := s.send(frame{Type: "ack", Txid: f.Txid}); err != nil {
				return fmt.Errorf("answering server ping: %w", err)
			}
		case "broadcast":
			s.dispatch(f.Topic, f.Data)
		default:
			slog.Warn("unknown frame type, skipping", "type", f.Type)
		}
	}
}

func (s *Stream) dispatch(topic string, data json.RawMessage) {
	s.subsMu.Lock()
	handlers := s.subs[topic]
	s.subsMu.Unlock()

	if len(handlers) == 0 {
		slog.Warn("broadcast for unknown topic, skipping", "topic", topic)
		return
	}
	for _, h := range handlers {
		h(topic, data)
	}
}

// heartbeat pings the server on the configured interval. Two consecutive
// pings without an ack mean the connection is dead even though TCP still
// looks healthy, so the connection is closed to force a reconnect.
func (s *Stream) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.hbMu.Lock()
		dead := s.unacked >= 2
		if !dead {
			s.unacked++
		}
		s.hbMu.Unlock()

		if dead {
			slog.Warn("heartbeat lost, closing connection")
			conn.Close()
			return
		}
		if err := s.send(frame{Type: "ping", Txid: s.nextTxid()}); err != nil {
			slog.Warn("ping failed, closing connection", "error", err)
			conn.Close()
			return
		}
	}
}

func (s *Stream) resetHeartbeat() {
	s.hbMu.Lock()
	s.unacked = 0
	s.hbMu.Unlock()
}

func (s *Stream) resubscribeAll() {
	s.subsMu.Lock()
	topics := make([]string, 0, len(s.subs))
	for topic := range s.subs {
		topics = append(topics, topic)
	}
	s.subsMu.Unlock()

	if len(topics) == 0 {
		return
	}
	if err := s.send(frame{Type: "subscribe", Txid: s.nextTxid(), Topics: topics}); err != nil {
		slog.Warn("resubscribe failed", "topics", topics, "error", err)
	}
}

func (s *Stream) nextTxid() int64 {
	return s.txid.Add(1)
}

func (s *Stream) send(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.HeartbeatTimeout.Duration))
	return s.conn.WriteJSON(f)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
