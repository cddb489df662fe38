package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dagonet/internal/config"
)

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		PingInterval:     config.Duration{Duration: time.Hour},
		HeartbeatTimeout: config.Duration{Duration: 2 * time.Second},
		BackoffMin:       config.Duration{Duration: 10 * time.Millisecond},
		BackoffMax:       config.Duration{Duration: 50 * time.Millisecond},
		StableAfter:      config.Duration{Duration: time.Minute},
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamSubscribeAndBroadcast(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var sub frame
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("reading subscribe: %v", err)
			return
		}
		if sub.Type != "subscribe" || len(sub.Topics) != 1 || sub.Topics[0] != "global/new-bet" {
			t.Errorf("unexpected subscribe frame %+v", sub)
		}

		conn.WriteJSON(frame{
			Type:  "broadcast",
			Topic: "global/new-bet",
			Data:  json.RawMessage(`{"bets":[{"id":"b1"}]}`),
		})
		// Hold the connection open until the client goes away.
		conn.ReadMessage()
	}))
	defer srv.Close()

	stream := NewStream(wsURL(srv), testStreamConfig())
	received := make(chan json.RawMessage, 1)
	stream.Subscribe("global/new-bet", func(topic string, data json.RawMessage) {
		received <- data
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	select {
	case data := <-received:
		if !strings.Contains(string(data), `"b1"`) {
			t.Errorf("unexpected broadcast payload %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	if !stream.Connected() {
		t.Error("expected connected flag set while connection is live")
	}
}

func TestStreamAnswersServerPing(t *testing.T) {
	upgrader := websocket.Upgrader{}
	acks := make(chan frame, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(frame{Type: "ping", Txid: 7})
		var f frame
		if err := conn.ReadJSON(&f); err == nil {
			acks <- f
		}
		conn.ReadMessage()
	}))
	defer srv.Close()

	stream := NewStream(wsURL(srv), testStreamConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	select {
	case f := <-acks:
		if f.Type != "ack" || f.Txid != 7 {
			t.Errorf("expected ack txid 7, got %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestStreamReconnectsAndResubscribes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int64
	resubscribed := make(chan frame, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := conns.Add(1)
		var sub frame
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		resubscribed <- sub
		if n == 1 {
			// Drop the first connection to force a reconnect.
			return
		}
		conn.ReadMessage()
	}))
	defer srv.Close()

	stream := NewStream(wsURL(srv), testStreamConfig())
	stream.Subscribe("global/new-bet", func(string, json.RawMessage) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case sub := <-resubscribed:
			if sub.Type != "subscribe" || len(sub.Topics) != 1 || sub.Topics[0] != "global/new-bet" {
				t.Errorf("connection %d: unexpected frame %+v", i+1, sub)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for subscribe on connection %d", i+1)
		}
	}
	if conns.Load() < 2 {
		t.Errorf("expected a reconnect, saw %d connections", conns.Load())
	}
}

func TestStreamRunStopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	stream := NewStream(wsURL(srv), testStreamConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
