package push

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingWaker struct {
	mu      sync.Mutex
	woken   []string
	wakeAll int
}

func (w *recordingWaker) Wake(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id == "inactive" {
		return errors.New("not active")
	}
	w.woken = append(w.woken, id)
	return nil
}

func (w *recordingWaker) WakeAll() {
	w.mu.Lock()
	w.wakeAll++
	w.mu.Unlock()
}

func (w *recordingWaker) snapshot() ([]string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.woken...), w.wakeAll
}

type staticCreds struct {
	mu    sync.Mutex
	token string
}

func (c *staticCreds) Bearer() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.token != ""
}

func (c *staticCreds) set(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// nudgeServer accepts websocket clients and pushes frames sent on frames.
type nudgeServer struct {
	mu      sync.Mutex
	auth    []string
	conns   chan *websocket.Conn
}

func newNudgeServer(t *testing.T) (*nudgeServer, *httptest.Server) {
	t.Helper()
	ns := &nudgeServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		ns.mu.Lock()
		ns.auth = append(ns.auth, r.Header.Get("Authorization"))
		ns.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ns.conns <- conn
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return ns, srv
}

func (ns *nudgeServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ns.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for push connection")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startClient(t *testing.T, baseURL string, creds Credentials, waker Waker) *Client {
	t.Helper()
	c, err := New(baseURL, creds, waker, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.maxDelay = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestNudgeWakesConversation(t *testing.T) {
	ns, srv := newNudgeServer(t)
	waker := &recordingWaker{}
	c := startClient(t, srv.URL+"/api", &staticCreds{token: "tok"}, waker)

	conn := ns.next(t)
	defer func() { _ = conn.Close() }()
	waitFor(t, "connected", c.Connected)

	for _, frame := range []string{
		`{"type":"message","conversationId":"c1"}`,
		`{"type":"typing","conversationId":"c2"}`,
		`not json`,
		`{"type":"message","conversationId":"inactive"}`,
		`{"type":"message","conversationId":"c3"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "wakes", func() bool {
		woken, _ := waker.snapshot()
		return len(woken) == 2
	})
	woken, all := waker.snapshot()
	if woken[0] != "c1" || woken[1] != "c3" {
		t.Errorf("woken = %v, want [c1 c3]", woken)
	}
	if all != 1 {
		t.Errorf("WakeAll calls = %d, want 1 on connect", all)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.auth[0] != "Bearer tok" {
		t.Errorf("Authorization = %q, want Bearer tok", ns.auth[0])
	}
}

func TestReconnectsAfterServerClose(t *testing.T) {
	ns, srv := newNudgeServer(t)
	waker := &recordingWaker{}
	startClient(t, srv.URL+"/api", &staticCreds{token: "tok"}, waker)

	first := ns.next(t)
	_ = first.Close()

	second := ns.next(t)
	defer func() { _ = second.Close() }()

	waitFor(t, "catch-up wake after reconnect", func() bool {
		_, all := waker.snapshot()
		return all >= 2
	})
}

func TestWaitsForCredential(t *testing.T) {
	ns, srv := newNudgeServer(t)
	creds := &staticCreds{}
	c := startClient(t, srv.URL+"/api", creds, &recordingWaker{})

	select {
	case <-ns.conns:
		t.Fatal("connected without a credential")
	case <-time.After(50 * time.Millisecond):
	}

	creds.set("late")
	c.CredentialChanged()

	conn := ns.next(t)
	_ = conn.Close()
}
