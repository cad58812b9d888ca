package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("got error: %s", err)
	}
}

func assertInt(t *testing.T, msg string, got, want int) {
	t.Helper()
	if got != want {
		t.Fatalf("%s: got %d want %d", msg, got, want)
	}
}

// newTestConn makes a Conn with no socket and no writer goroutine, so
// enqueued frames stay in the queue where tests can inspect them.
func newTestConn(userID, clientID string) *Conn {
	return NewConn(userID, clientID, "admin-1", "app-1", nil, []byte("validation-msg-0"), nil)
}

func drainRoutes(c *Conn) []string {
	var routes []string
	for {
		select {
		case msg := <-c.sendCh:
			routes = append(routes, gjson.GetBytes(msg, "route").Str)
		default:
			return routes
		}
	}
}

func TestConnEnqueueQueueFull(t *testing.T) {
	conn := newTestConn("u1", "c1")
	t.Log("The queue accepts SendQueueSize frames, then rejects.")
	for i := 0; i < SendQueueSize; i++ {
		assertNoError(t, conn.Enqueue(&PingPush{Route: RoutePing}))
	}
	if err := conn.Enqueue(&PingPush{Route: RoutePing}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	t.Log("Draining one frame frees one slot.")
	<-conn.sendCh
	assertNoError(t, conn.Enqueue(&PingPush{Route: RoutePing}))
}

func TestConnTerminateIdempotent(t *testing.T) {
	closed := 0
	conn := NewConn("u1", "c1", "a1", "app1", nil, nil, func(c *Conn) {
		closed++
	})
	if conn.Closed() {
		t.Fatalf("fresh conn reports closed")
	}
	conn.Terminate()
	conn.Terminate()
	conn.Terminate()
	if !conn.Closed() {
		t.Fatalf("terminated conn reports open")
	}
	assertInt(t, "onClose invocations", closed, 1)

	t.Log("Enqueue after terminate silently drops.")
	assertNoError(t, conn.Enqueue(&PingPush{Route: RoutePing}))
}

func TestConnLiveness(t *testing.T) {
	conn := newTestConn("u1", "c1")
	t.Log("A fresh conn counts as alive for the first sweep only.")
	if !conn.SweepLiveness() {
		t.Fatalf("fresh conn swept as dead")
	}
	if conn.SweepLiveness() {
		t.Fatalf("conn still alive after sweep with no activity")
	}
	conn.MarkAlive()
	if !conn.SweepLiveness() {
		t.Fatalf("conn swept as dead despite activity")
	}
}

func TestConnRateLimit(t *testing.T) {
	conn := newTestConn("u1", "c1")
	t.Log("The full request budget is available up front.")
	for i := 0; i < RequestsPerWindow; i++ {
		if !conn.RateAllow() {
			t.Fatalf("request %d rejected within budget", i+1)
		}
	}
	if conn.RateAllow() {
		t.Fatalf("request above the budget was allowed")
	}
}

func TestConnOpenDBs(t *testing.T) {
	conn := newTestConn("u1", "c1")
	if conn.HasDB("db1") {
		t.Fatalf("fresh conn has db1 open")
	}
	conn.OpenDB("db1", "name-hash-1")
	conn.OpenDB("db2", "name-hash-2")
	if !conn.HasDB("db1") || !conn.HasDB("db2") {
		t.Fatalf("open databases not tracked")
	}
	if conn.HasDB("db3") {
		t.Fatalf("db3 reported open without opening it")
	}
}

func TestConnValidation(t *testing.T) {
	conn := newTestConn("u1", "c1")
	if conn.Validated() {
		t.Fatalf("fresh conn reports validated")
	}
	if string(conn.ValidationMessage()) != "validation-msg-0" {
		t.Fatalf("wrong validation message: %s", conn.ValidationMessage())
	}
	conn.SetValidated()
	if !conn.Validated() {
		t.Fatalf("conn not validated after SetValidated")
	}
}

// Spin up a real socket pair and check the writer goroutine delivers queued
// frames in order, and that Terminate tears the socket down.
func TestConnWriterDeliversFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connCh := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %s", err)
			return
		}
		conn := NewConn("u1", "c1", "a1", "app1", ws, nil, nil)
		conn.Start()
		connCh <- conn
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assertNoError(t, err)
	defer client.Close()

	conn := <-connCh
	assertNoError(t, conn.Enqueue(&PingPush{Route: RoutePing}))
	assertNoError(t, conn.Enqueue(&ErrorPush{Route: RouteError, Message: "bye"}))

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := client.ReadMessage()
	assertNoError(t, err)
	if route := gjson.GetBytes(msg, "route").Str; route != RoutePing {
		t.Fatalf("first frame route: got %s want %s", route, RoutePing)
	}
	_, msg, err = client.ReadMessage()
	assertNoError(t, err)
	if route := gjson.GetBytes(msg, "route").Str; route != RouteError {
		t.Fatalf("second frame route: got %s want %s", route, RouteError)
	}

	t.Log("Terminate closes the client's socket too.")
	conn.Terminate()
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatalf("read succeeded after terminate")
	}
}

// Frames queued before Terminate must still be delivered: a client signing
// out gets its final response before the socket closes under it.
func TestConnTerminateFlushesQueue(t *testing.T) {
	upgrader := websocket.Upgrader{}
	connCh := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %s", err)
			return
		}
		conn := NewConn("u1", "c1", "a1", "app1", ws, nil, nil)
		conn.Start()
		connCh <- conn
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assertNoError(t, err)
	defer client.Close()

	conn := <-connCh
	assertNoError(t, conn.Enqueue(&ErrorPush{Route: RouteError, Message: "final"}))
	conn.Terminate()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := client.ReadMessage()
	assertNoError(t, err)
	if route := gjson.GetBytes(msg, "route").Str; route != RouteError {
		t.Fatalf("flushed frame route: got %s want %s", route, RouteError)
	}
	if _, _, err := client.ReadMessage(); err == nil {
		t.Fatalf("read succeeded after the flushed frame")
	}
}
