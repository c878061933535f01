package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/notification"
	"github.com/lalithlochan/driveline/internal/session"
)

// fakeBroker is a minimal STOMP broker speaking over websocket.
type fakeBroker struct {
	mu            sync.Mutex
	upgradeAuth   []string
	connectAuth   []string
	subs          [][]string
	disconnects   int
	rejectConnect bool

	// onSubscribed runs on the connection goroutine once conn n has
	// subscribed to expectSubs topics.
	expectSubs   int
	onSubscribed func(n int, conn *websocket.Conn)
}

func (b *fakeBroker) connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *fakeBroker) subscriptions(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.subs) {
		return nil
	}
	return append([]string{}, b.subs[n]...)
}

func (b *fakeBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	b.mu.Lock()
	n := len(b.subs)
	b.subs = append(b.subs, nil)
	b.upgradeAuth = append(b.upgradeAuth, r.Header.Get("Authorization"))
	b.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames, err := DecodeFrames(data)
		if err != nil {
			return
		}
		for _, f := range frames {
			switch f.Command {
			case CmdConnect:
				b.mu.Lock()
				b.connectAuth = append(b.connectAuth, f.Get("Authorization"))
				reject := b.rejectConnect
				b.mu.Unlock()

				if reject {
					conn.WriteMessage(websocket.TextMessage, NewFrame(CmdError, "message", "Invalid token").Encode())
					return
				}
				conn.WriteMessage(websocket.TextMessage, NewFrame(CmdConnected, "version", "1.2").Encode())

			case CmdSubscribe:
				b.mu.Lock()
				b.subs[n] = append(b.subs[n], f.Get("destination"))
				ready := len(b.subs[n]) == b.expectSubs
				hook := b.onSubscribed
				b.mu.Unlock()

				if ready && hook != nil {
					hook(n, conn)
				}

			case CmdDisconnect:
				b.mu.Lock()
				b.disconnects++
				b.mu.Unlock()
			}
		}
	}
}

func message(destination, body string) []byte {
	f := NewFrame(CmdMessage, "destination", destination, "subscription", "sub-0", "message-id", "m")
	f.Body = []byte(body)
	return f.Encode()
}

type fakeSink struct {
	mu    sync.Mutex
	seen  map[string]bool
	items []notification.Notification
}

func (s *fakeSink) AddUnique(raw notification.Raw) (notification.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := notification.Normalize(raw)
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	if s.seen[n.ID] {
		return n, false
	}
	s.seen[n.ID] = true
	s.items = append(s.items, n)
	return n, true
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State{}, l.states...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startBroker(t *testing.T, b *fakeBroker) string {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	url, err := PushURL(srv.URL, "/ws")
	if err != nil {
		t.Fatalf("PushURL: %v", err)
	}
	return url
}

var adminCreds = session.Credentials{Token: "tok", Username: "alice", Role: "ROLE_ADMIN"}

func TestPushURL(t *testing.T) {
	tests := []struct {
		base, path, want string
		wantErr          bool
	}{
		{"http://localhost:8080/api", "/ws", "ws://localhost:8080/api/ws", false},
		{"https://fleet.example.com/api/", "ws", "wss://fleet.example.com/api/ws", false},
		{"ws://localhost:8080", "/ws", "ws://localhost:8080/ws", false},
		{"ftp://localhost", "/ws", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := PushURL(tt.base, tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("PushURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChannel_NotLoggedIn(t *testing.T) {
	sink := &fakeSink{}
	ch := New(Config{URL: "ws://127.0.0.1:1/ws"}, session.Credentials{Token: "tok", Username: "bob"}, sink, zap.NewNop())

	err := ch.Start(context.Background())
	if !errors.Is(err, session.ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
	if ch.State() != StateNotLoggedIn {
		t.Errorf("state = %s, want %s", ch.State(), StateNotLoggedIn)
	}

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("loop should not be running")
	}

	ch.Close()
	if ch.State() != StateNotLoggedIn {
		t.Errorf("Close changed state to %s", ch.State())
	}
}

func TestChannel_ConnectSubscribeAndDeliver(t *testing.T) {
	broker := &fakeBroker{
		expectSubs: 2,
		onSubscribed: func(n int, conn *websocket.Conn) {
			conn.WriteMessage(websocket.TextMessage, message(session.AdminTopic, `{"id":"n1","title":"Oil change"}`))
			conn.WriteMessage(websocket.TextMessage, message(session.AdminTopic, `not json`))
			conn.WriteMessage(websocket.TextMessage, []byte("\n"))
			conn.WriteMessage(websocket.TextMessage, message(session.BroadcastTopic, `"{\"_id\":\"n2\"}"`))
			conn.WriteMessage(websocket.TextMessage, message(session.BroadcastTopic, `{"id":"n1","title":"again"}`))
		},
	}
	url := startBroker(t, broker)

	sink := &fakeSink{}
	ch := New(Config{URL: url}, adminCreds, sink, zap.NewNop())
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "two notifications", func() bool { return sink.count() == 2 })
	if ch.State() != StateConnected {
		t.Errorf("malformed message should not drop the link, state = %s", ch.State())
	}

	subs := broker.subscriptions(0)
	if strings.Join(subs, ",") != session.AdminTopic+","+session.BroadcastTopic {
		t.Errorf("subscriptions = %v", subs)
	}

	broker.mu.Lock()
	if broker.upgradeAuth[0] != "Bearer tok" || broker.connectAuth[0] != "Bearer tok" {
		t.Errorf("auth headers: upgrade=%q connect=%q", broker.upgradeAuth[0], broker.connectAuth[0])
	}
	broker.mu.Unlock()

	ch.Close()
	if ch.State() != StateDisconnected {
		t.Errorf("state after Close = %s", ch.State())
	}
	waitFor(t, "DISCONNECT frame", func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return broker.disconnects == 1
	})
	if broker.connections() != 1 {
		t.Errorf("Close should not reconnect, connections = %d", broker.connections())
	}
}

func TestChannel_ReconnectResubscribes(t *testing.T) {
	broker := &fakeBroker{
		expectSubs: 2,
		onSubscribed: func(n int, conn *websocket.Conn) {
			if n == 0 {
				conn.Close()
			}
		},
	}
	url := startBroker(t, broker)

	log := &stateLog{}
	creds := session.Credentials{Token: "tok", Username: "bob", Role: "DRIVER"}
	ch := New(Config{URL: url, ReconnectDelay: 50 * time.Millisecond}, creds, &fakeSink{}, zap.NewNop())
	ch.OnStateChange(log.record)

	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ch.Close()

	waitFor(t, "second subscription set", func() bool { return len(broker.subscriptions(1)) == 2 })
	waitFor(t, "connected again", func() bool { return ch.State() == StateConnected })

	want := []string{"/topic/driver/bob/notifications", session.BroadcastTopic}
	for n := 0; n < 2; n++ {
		if got := broker.subscriptions(n); strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("connection %d subscriptions = %v, want %v", n, got, want)
		}
	}

	states := log.snapshot()
	expected := []State{StateConnecting, StateConnected, StateDisconnected, StateConnecting, StateConnected}
	if len(states) < len(expected) {
		t.Fatalf("states = %v", states)
	}
	for i, s := range expected {
		if states[i] != s {
			t.Fatalf("states = %v, want prefix %v", states, expected)
		}
	}
}

func TestChannel_BrokerErrorEntersErrorState(t *testing.T) {
	broker := &fakeBroker{rejectConnect: true}
	url := startBroker(t, broker)

	ch := New(Config{URL: url, ReconnectDelay: time.Hour}, adminCreds, &fakeSink{}, zap.NewNop())
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "error state", func() bool { return ch.State() == StateError })

	done := make(chan struct{})
	go func() {
		ch.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close should cancel the pending reconnect")
	}
	if ch.State() != StateDisconnected {
		t.Errorf("state after Close = %s", ch.State())
	}
}

func TestChannel_DialFailureRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url, _ := PushURL(srv.URL, "/ws")
	srv.Close()

	log := &stateLog{}
	ch := New(Config{URL: url, ReconnectDelay: 20 * time.Millisecond}, adminCreds, &fakeSink{}, zap.NewNop())
	ch.OnStateChange(log.record)
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "several attempts", func() bool {
		n := 0
		for _, s := range log.snapshot() {
			if s == StateError {
				n++
			}
		}
		return n >= 3
	})
	ch.Close()
}

func TestChannel_ContextCancelStopsLoop(t *testing.T) {
	broker := &fakeBroker{}
	url := startBroker(t, broker)

	ctx, cancel := context.WithCancel(context.Background())
	ch := New(Config{URL: url}, adminCreds, &fakeSink{}, zap.NewNop())
	if err := ch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "connected", func() bool { return ch.State() == StateConnected })

	cancel()
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on context cancel")
	}
	if ch.State() != StateDisconnected {
		t.Errorf("state = %s", ch.State())
	}
}

func TestChannel_CloseBeforeStart(t *testing.T) {
	ch := New(Config{URL: "ws://127.0.0.1:1/ws"}, adminCreds, &fakeSink{}, zap.NewNop())
	ch.Close()
	ch.Close()
	if err := ch.Start(context.Background()); err != nil {
		t.Fatalf("Start after Close: %v", err)
	}
	if ch.State() != StateDisconnected {
		t.Errorf("state = %s", ch.State())
	}
}
