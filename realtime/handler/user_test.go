package handler

import (
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/gorilla/websocket"
	"github.com/lockbase/lockbase/realtime"
	"github.com/lockbase/lockbase/state"
)

// expectClosed waits for the server to hang up on ws.
func expectClosed(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	if err == nil {
		t.Fatalf("connection still alive")
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		t.Fatalf("connection not closed within 5s")
	}
}

func TestGetPasswordSalts(t *testing.T) {
	s := newTestServer(t)
	defer s.teardown()
	u := seedUser(t, s.storage)
	c := s.connect(t, u, "client-A")
	defer c.close()
	c.validate()

	status, data := c.do(string(realtime.ActionGetPasswordSalts), nil)
	if status != 200 {
		t.Fatalf("GetPasswordSalts: got %d (%s) want 200", status, data.Raw)
	}
	if got := data.Get("passwordSalt").Str; got != base64.StdEncoding.EncodeToString(u.salts.PasswordSalt) {
		t.Errorf("passwordSalt = %s", got)
	}
	if got := data.Get("passwordTokenSalt").Str; got != base64.StdEncoding.EncodeToString(u.salts.PasswordTokenSalt) {
		t.Errorf("passwordTokenSalt = %s", got)
	}
	t.Log("only the password salts are revealed")
	if data.Get("encryptionKeySalt").Exists() || data.Get("hmacKeySalt").Exists() {
		t.Errorf("leaked non-password salts: %s", data.Raw)
	}
}

func TestUpdateUser(t *testing.T) {
	s := newTestServer(t)
	defer s.teardown()
	u := seedUser(t, s.storage)

	// a neighbour in the same app already owns this name
	neighbourKey, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		t.Fatalf("failed to generate keypair: %s", err)
	}
	saltsCBOR, err := u.salts.CBOR()
	if err != nil {
		t.Fatalf("failed to encode salts: %s", err)
	}
	err = s.storage.UsersTable.Insert(&state.UserRow{
		UserID:    u.userID + "-neighbour",
		AppID:     u.appID,
		AdminID:   "admin-1",
		Username:  "bob-taken",
		PublicKey: neighbourKey.PubKey().SerializeCompressed(),
		KeySalts:  saltsCBOR,
	})
	if err != nil {
		t.Fatalf("failed to insert neighbour: %s", err)
	}

	c := s.connect(t, u, "client-A")
	defer c.close()
	c.validate()

	status, data := c.do(string(realtime.ActionUpdateUser), map[string]interface{}{
		"username": u.username + "-renamed",
	})
	if status != 200 {
		t.Fatalf("rename: got %d (%s) want 200", status, data.Raw)
	}
	status, data = c.do(string(realtime.ActionUpdateUser), map[string]interface{}{
		"profile": map[string]interface{}{"blob": "opaque-ciphertext"},
	})
	if status != 200 {
		t.Fatalf("profile update: got %d (%s) want 200", status, data.Raw)
	}

	t.Log("usernames are unique per app")
	status, data = c.do(string(realtime.ActionUpdateUser), map[string]interface{}{
		"username": "bob-taken",
	})
	if status != 409 || data.Str != "Username already exists" {
		t.Errorf("taken username: got %d (%s)", status, data.Raw)
	}

	status, data = c.do(string(realtime.ActionUpdateUser), map[string]interface{}{
		"username": "",
	})
	if status != 400 || data.Str != "Username cannot be blank" {
		t.Errorf("blank username: got %d (%s)", status, data.Raw)
	}
	status, data = c.do(string(realtime.ActionUpdateUser), map[string]interface{}{})
	if status != 400 || data.Str != "Nothing to update" {
		t.Errorf("empty update: got %d (%s)", status, data.Raw)
	}
}

func TestSignOut(t *testing.T) {
	s := newTestServer(t)
	defer s.teardown()
	u := seedUser(t, s.storage)

	t.Log("sign out does not require a validated key")
	c := s.connect(t, u, "client-A")
	status, data := c.do(string(realtime.ActionSignOut), nil)
	if status != 200 {
		t.Fatalf("SignOut: got %d (%s) want 200", status, data.Raw)
	}

	t.Log("the reply is flushed before the server hangs up")
	expectClosed(t, c.ws)

	t.Log("the session is revoked")
	_, resp, err := s.dialRealtime(t, u.token, "client-B", u.appID)
	if err == nil {
		t.Fatalf("dial with revoked session succeeded")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("dial with revoked session: got %+v want 401", resp)
	}
}

func TestDeleteUser(t *testing.T) {
	s := newTestServer(t)
	defer s.teardown()
	u := seedUser(t, s.storage)
	c1 := s.connect(t, u, "client-A")
	c1.validate()
	c2 := s.connect(t, u, "client-B")
	c2.validate()

	status, data := c1.do(string(realtime.ActionDeleteUser), nil)
	if status != 200 {
		t.Fatalf("DeleteUser: got %d (%s) want 200", status, data.Raw)
	}

	t.Log("every connection belonging to the user is torn down")
	expectClosed(t, c1.ws)
	expectClosed(t, c2.ws)

	t.Log("the session no longer authenticates")
	_, resp, err := s.dialRealtime(t, u.token, "client-C", u.appID)
	if err == nil {
		t.Fatalf("dial as deleted user succeeded")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("dial as deleted user: got %+v want 401", resp)
	}
}
