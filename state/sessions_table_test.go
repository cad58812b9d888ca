package state

import (
	"database/sql"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/lockbase/lockbase/sqlutil"
)

// Sanity check that different tokens have different hashes
func TestSessionTokenHash(t *testing.T) {
	hash1 := hashSessionToken("ABCD")
	hash2 := hashSessionToken("EFGH")
	if hash1 == hash2 {
		t.Fatalf("hashSessionToken: ABCD and EFGH have the same hash")
	}
}

func TestSessionsTable(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	sessions := NewSessionsTable(db, "my_secret")

	aliceToken := "sess-secret-1"
	aliceFirstSeen := time.Now()

	t.Log("Query at a point when alice has no sessions.")
	_, err := sessions.Session(aliceToken)
	assertVal(t, "unknown token", err, sql.ErrNoRows)

	var inserted, reinserted *Session
	_ = sqlutil.WithTransaction(db, func(txn *sqlx.Tx) (err error) {
		t.Log("Insert a new session for Alice.")
		inserted, err = sessions.Insert(txn, aliceToken, "u-sess-alice", "app-sess-1", aliceFirstSeen)
		if err != nil {
			t.Fatalf("Failed to Insert session: %s", err)
		}

		t.Log("The returned Session struct should have been populated correctly.")
		assertEqualSessions(t, inserted, aliceToken, "u-sess-alice", "app-sess-1", aliceFirstSeen)

		t.Log("Reinsert the same token.")
		reinserted, err = sessions.Insert(txn, aliceToken, "u-sess-alice", "app-sess-1", aliceFirstSeen)
		if err != nil {
			t.Fatalf("Failed to Insert session: %s", err)
		}
		return nil
	})

	t.Log("This should yield an equal Session struct.")
	assertEqualSessions(t, reinserted, aliceToken, "u-sess-alice", "app-sess-1", aliceFirstSeen)

	t.Log("The stored encrypted token should decrypt back to the plaintext.")
	fetched, err := sessions.Session(aliceToken)
	assertNoError(t, err)
	plain, err := sessions.decrypt(fetched.TokenEncrypted)
	assertNoError(t, err)
	assertVal(t, "decrypted token", plain, aliceToken)

	t.Log("Try to mark Alice's session as being used after an hour.")
	assertNoError(t, sessions.MaybeUpdateLastSeen(fetched, aliceFirstSeen.Add(time.Hour)))

	t.Log("The session should not be updated in memory, nor in the DB.")
	assertEqualTimes(t, fetched.LastSeen, aliceFirstSeen, "Session.LastSeen mismatch")
	refetched, err := sessions.Session(aliceToken)
	assertNoError(t, err)
	assertEqualTimes(t, refetched.LastSeen, aliceFirstSeen, "Session.LastSeen mismatch")

	t.Log("Try to mark it as being used after two days.")
	twoDaysOn := aliceFirstSeen.Add(48 * time.Hour)
	assertNoError(t, sessions.MaybeUpdateLastSeen(fetched, twoDaysOn))

	t.Log("The session should now be updated in-memory and in the DB.")
	assertEqualTimes(t, fetched.LastSeen, twoDaysOn, "Session.LastSeen mismatch")
	refetched, err = sessions.Session(aliceToken)
	assertNoError(t, err)
	assertEqualTimes(t, refetched.LastSeen, twoDaysOn, "Session.LastSeen mismatch")

	t.Log("Delete signs the session out.")
	assertNoError(t, sessions.Delete(fetched.TokenHash))
	_, err = sessions.Session(aliceToken)
	assertVal(t, "deleted token", err, sql.ErrNoRows)
}

func TestSessionsTableDeleteAllForUser(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	sessions := NewSessionsTable(db, "my_secret")

	now := time.Now()
	err := sqlutil.WithTransaction(db, func(txn *sqlx.Tx) error {
		for _, token := range []string{"multi-b1", "multi-b2", "multi-b3"} {
			if _, err := sessions.Insert(txn, token, "u-sess-bob", "app-sess-1", now); err != nil {
				return err
			}
		}
		_, err := sessions.Insert(txn, "multi-c1", "u-sess-chris", "app-sess-1", now)
		return err
	})
	assertNoError(t, err)

	err = sqlutil.WithTransaction(db, func(txn *sqlx.Tx) error {
		revoked, err := sessions.DeleteAllForUser(txn, "u-sess-bob")
		assertNoError(t, err)
		assertVal(t, "revoked", revoked, int64(3))
		return nil
	})
	assertNoError(t, err)

	t.Log("Bob's sessions are gone; Chris's remain.")
	_, err = sessions.Session("multi-b1")
	assertVal(t, "bob signed out", err, sql.ErrNoRows)
	_, err = sessions.Session("multi-c1")
	assertNoError(t, err)
}

func assertEqualSessions(t *testing.T, got *Session, token, userID, appID string, lastSeen time.Time) {
	t.Helper()
	assertVal(t, "Session.Token mismatch", got.Token, token)
	assertVal(t, "Session.TokenHash mismatch", got.TokenHash, hashSessionToken(token))
	// We don't care what the encrypted token is here. The fact that we store
	// encrypted values is an implementation detail; the rest of the program
	// doesn't care.
	assertVal(t, "Session.UserID mismatch", got.UserID, userID)
	assertVal(t, "Session.AppID mismatch", got.AppID, appID)
	assertEqualTimes(t, got.LastSeen, lastSeen, "Session.LastSeen mismatch")
}

func assertEqualTimes(t *testing.T, got, want time.Time, msg string) {
	t.Helper()
	// Postgres stores timestamps with microsecond resolution, so we might lose some
	// precision by storing and fetching a time.Time in/from the DB. Resolution of
	// a second will suffice.
	if !got.Round(time.Second).Equal(want.Round(time.Second)) {
		t.Fatalf("%s: got %v want %v", msg, got, want)
	}
}
