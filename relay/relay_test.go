package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lockbase/lockbase/internal"
)

type pushedCall struct {
	userID string
	dbID   string
	txns   []internal.Transaction
}

type fakePusher struct {
	mu     sync.Mutex
	calls  []pushedCall
	panics bool
}

func (f *fakePusher) PushTransactions(userID, dbID string, txns []internal.Transaction) {
	if f.panics {
		panic("pusher exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pushedCall{userID: userID, dbID: dbID, txns: txns})
}

func (f *fakePusher) pushed() []pushedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushedCall{}, f.calls...)
}

func testTxns(dbID string, n int) []internal.Transaction {
	txns := make([]internal.Transaction, n)
	for i := range txns {
		txns[i] = internal.Transaction{
			DBID:    dbID,
			SeqNo:   int64(i + 1),
			Command: internal.CommandInsert,
			ItemKey: fmt.Sprintf("item-%d", i+1),
			Record:  json.RawMessage(`{"cipher":"aGVsbG8"}`),
		}
	}
	return txns
}

func notifyRequest(t *testing.T, secret string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest("POST", NotifyTransactionPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	return req
}

func TestHandlerPushesTransaction(t *testing.T) {
	pusher := &fakePusher{}
	h := NewHandler(pusher, "s3cr3t")
	txn := testTxns("db-1", 1)[0]
	body, err := json.Marshal(transactionNotification{Transaction: txn, UserID: "user-1"})
	if err != nil {
		t.Fatalf("failed to marshal notification: %s", err)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, notifyRequest(t, "s3cr3t", body))
	if w.Code != 200 {
		t.Fatalf("got HTTP %d want 200, body: %s", w.Code, w.Body.String())
	}
	if w.Body.Len() != 0 {
		t.Errorf("success body should be empty, got %s", w.Body.String())
	}
	calls := pusher.pushed()
	if len(calls) != 1 {
		t.Fatalf("pushed %d times, want 1", len(calls))
	}
	call := calls[0]
	if call.userID != "user-1" || call.dbID != "db-1" {
		t.Errorf("pushed to user=%s db=%s, want user-1/db-1", call.userID, call.dbID)
	}
	if len(call.txns) != 1 || call.txns[0].SeqNo != txn.SeqNo || call.txns[0].ItemKey != txn.ItemKey {
		t.Errorf("pushed wrong transaction: %+v", call.txns)
	}
}

func TestHandlerRejectsBadSecret(t *testing.T) {
	pusher := &fakePusher{}
	h := NewHandler(pusher, "s3cr3t")
	body, _ := json.Marshal(transactionNotification{Transaction: testTxns("db-1", 1)[0], UserID: "user-1"})

	for _, secret := range []string{"", "wrong", "s3cr3t "} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, notifyRequest(t, secret, body))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("secret %q: got HTTP %d want 401", secret, w.Code)
		}
	}
	if len(pusher.pushed()) != 0 {
		t.Errorf("pusher was called despite bad secrets")
	}
}

func TestHandlerRejectsBadRequests(t *testing.T) {
	pusher := &fakePusher{}
	h := NewHandler(pusher, "s3cr3t")

	t.Log("non-POST methods are refused")
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", NotifyTransactionPath, nil)
	req.Header.Set(SecretHeader, "s3cr3t")
	h.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: got HTTP %d want 405", w.Code)
	}

	t.Log("unparseable bodies are refused")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, notifyRequest(t, "s3cr3t", []byte("{not json")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json: got HTTP %d want 400", w.Code)
	}

	t.Log("notifications without a user or db are refused")
	body, _ := json.Marshal(transactionNotification{Transaction: testTxns("db-1", 1)[0]})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, notifyRequest(t, "s3cr3t", body))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing userId: got HTTP %d want 400", w.Code)
	}

	if len(pusher.pushed()) != 0 {
		t.Errorf("pusher was called despite bad requests")
	}
}

func TestHandlerReportsFanoutFailure(t *testing.T) {
	pusher := &fakePusher{panics: true}
	h := NewHandler(pusher, "s3cr3t")
	body, _ := json.Marshal(transactionNotification{Transaction: testTxns("db-1", 1)[0], UserID: "user-1"})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, notifyRequest(t, "s3cr3t", body))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("got HTTP %d want 500", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Errorf("500 should carry a diagnostic body")
	}
}

func TestNotifierBroadcast(t *testing.T) {
	type peerState struct {
		mu      sync.Mutex
		bodies  []transactionNotification
		secrets []string
	}
	newPeer := func(state *peerState) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.URL.Path != NotifyTransactionPath {
				t.Errorf("peer got path %s want %s", req.URL.Path, NotifyTransactionPath)
			}
			var notif transactionNotification
			if err := json.NewDecoder(req.Body).Decode(&notif); err != nil {
				t.Errorf("peer got undecodable body: %s", err)
			}
			state.mu.Lock()
			state.bodies = append(state.bodies, notif)
			state.secrets = append(state.secrets, req.Header.Get(SecretHeader))
			state.mu.Unlock()
			w.WriteHeader(200)
		}))
	}
	var stateA, stateB peerState
	peerA := newPeer(&stateA)
	defer peerA.Close()
	peerB := newPeer(&stateB)
	defer peerB.Close()

	n := NewHTTPNotifier([]string{peerA.URL, peerB.URL}, "s3cr3t", 2)
	txns := testTxns("db-1", 3)
	n.Broadcast("user-1", txns)

	waitFor := func(state *peerState) []transactionNotification {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			state.mu.Lock()
			got := len(state.bodies)
			state.mu.Unlock()
			if got == len(txns) {
				state.mu.Lock()
				defer state.mu.Unlock()
				return append([]transactionNotification{}, state.bodies...)
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("peer did not receive %d notifications in time", len(txns))
		return nil
	}
	for _, state := range []*peerState{&stateA, &stateB} {
		bodies := waitFor(state)
		for i, notif := range bodies {
			if notif.UserID != "user-1" {
				t.Errorf("notification %d: userId = %s want user-1", i, notif.UserID)
			}
			// one body per transaction, in commit order
			if notif.Transaction.SeqNo != txns[i].SeqNo {
				t.Errorf("notification %d: seqNo = %d want %d", i, notif.Transaction.SeqNo, txns[i].SeqNo)
			}
		}
		for i, secret := range state.secrets {
			if secret != "s3cr3t" {
				t.Errorf("notification %d sent secret %q", i, secret)
			}
		}
	}
}

func TestNotifierSurvivesDeadPeer(t *testing.T) {
	var okMu sync.Mutex
	var okCount int
	alive := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		okMu.Lock()
		okCount++
		okMu.Unlock()
		w.WriteHeader(200)
	}))
	defer alive.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("peer exploded"))
	}))
	defer failing.Close()

	n := NewHTTPNotifier([]string{failing.URL, "http://localhost:0", alive.URL}, "s3cr3t", 3)
	n.Broadcast("user-1", testTxns("db-1", 2))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		okMu.Lock()
		got := okCount
		okMu.Unlock()
		if got == 2 {
			return // the healthy peer heard every transaction despite the others
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("healthy peer only received %d of 2 notifications", okCount)
}

func TestRelayRoundTrip(t *testing.T) {
	pusher := &fakePusher{}
	h := NewHandler(pusher, "s3cr3t")
	mux := http.NewServeMux()
	mux.Handle(NotifyTransactionPath, h)
	peer := httptest.NewServer(mux)
	defer peer.Close()

	n := NewHTTPNotifier([]string{peer.URL}, "s3cr3t", 1)
	txns := testTxns("db-9", 2)
	n.Broadcast("user-9", txns)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(pusher.pushed()) == len(txns) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	calls := pusher.pushed()
	if len(calls) != len(txns) {
		t.Fatalf("pushed %d times, want %d", len(calls), len(txns))
	}
	for i, call := range calls {
		if call.userID != "user-9" || call.dbID != "db-9" {
			t.Errorf("call %d went to user=%s db=%s", i, call.userID, call.dbID)
		}
		if len(call.txns) != 1 || call.txns[0].SeqNo != txns[i].SeqNo {
			t.Errorf("call %d pushed wrong transaction: %+v", i, call.txns)
		}
	}
}
