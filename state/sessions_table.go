package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type Session struct {
	Token          string
	TokenHash      string    `db:"token_hash"`
	TokenEncrypted string    `db:"token_encrypted"`
	UserID         string    `db:"user_id"`
	AppID          string    `db:"app_id"`
	LastSeen       time.Time `db:"last_seen"`
}

// SessionsTable stores the session tokens clients present when opening a
// realtime connection. Tokens are hashed for lookup and encrypted at rest.
type SessionsTable struct {
	db *sqlx.DB
	// tokens are encrypted using this key
	key256 []byte
}

func NewSessionsTable(db *sqlx.DB, secret string) *SessionsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS lockbase_sessions (
		token_hash TEXT NOT NULL PRIMARY KEY,
		token_encrypted TEXT NOT NULL,
		user_id TEXT NOT NULL,
		app_id TEXT NOT NULL,
		last_seen TIMESTAMP WITH TIME ZONE NOT NULL
	);`)

	// derive the key from the secret
	hash := sha256.New()
	hash.Write([]byte(secret))

	return &SessionsTable{
		db:     db,
		key256: hash.Sum(nil),
	}
}

func (t *SessionsTable) encrypt(token string) string {
	block, err := aes.NewCipher(t.key256)
	if err != nil {
		panic("SessionsTable encrypt: " + err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		panic("SessionsTable encrypt: " + err.Error())
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		panic("SessionsTable encrypt: " + err.Error())
	}
	return hex.EncodeToString(nonce) + " " + hex.EncodeToString(gcm.Seal(nil, nonce, []byte(token), nil))
}

func (t *SessionsTable) decrypt(nonceAndEncToken string) (string, error) {
	segs := strings.Split(nonceAndEncToken, " ")
	nonce, err := hex.DecodeString(segs[0])
	if err != nil {
		return "", fmt.Errorf("failed to decode nonce: %s", err)
	}
	encToken, err := hex.DecodeString(segs[1])
	if err != nil {
		return "", fmt.Errorf("failed to decode encrypted token: %s", err)
	}
	block, err := aes.NewCipher(t.key256)
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	token, err := aesgcm.Open(nil, nonce, encToken, nil)
	if err != nil {
		return "", err
	}
	return string(token), nil
}

func hashSessionToken(token string) string {
	// important that this is a cryptographically secure hash function to prevent
	// preimage attacks where Eve can use a fake token to hash to an existing
	// session on the server.
	hash := sha256.New()
	hash.Write([]byte(token))
	return hex.EncodeToString(hash.Sum(nil))
}

// Session retrieves a session from the database if it exists. Errors with
// sql.ErrNoRows if the token is unknown, and an unspecified error otherwise.
func (t *SessionsTable) Session(plaintextToken string) (*Session, error) {
	tokenHash := hashSessionToken(plaintextToken)
	var s Session
	err := t.db.Get(
		&s,
		`SELECT token_encrypted, user_id, app_id, last_seen FROM lockbase_sessions WHERE token_hash = $1`,
		tokenHash,
	)
	if err != nil {
		return nil, err
	}
	s.Token = plaintextToken
	s.TokenHash = tokenHash
	return &s, nil
}

// Insert stores a session. Inserting a token that already exists is a no-op
// and does not bump last_seen.
func (t *SessionsTable) Insert(txn *sqlx.Tx, plaintextToken, userID, appID string, lastSeen time.Time) (*Session, error) {
	s := &Session{
		Token:          plaintextToken,
		TokenHash:      hashSessionToken(plaintextToken),
		TokenEncrypted: t.encrypt(plaintextToken),
		UserID:         userID,
		AppID:          appID,
		LastSeen:       lastSeen,
	}
	_, err := txn.Exec(
		`INSERT INTO lockbase_sessions(token_hash, token_encrypted, user_id, app_id, last_seen)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (token_hash) DO NOTHING`,
		s.TokenHash, s.TokenEncrypted, s.UserID, s.AppID, s.LastSeen,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// MaybeUpdateLastSeen actions a request to update a session's last_seen
// value, but only if it hasn't been updated in the last 24 hours. This
// debounces what would otherwise be a write on every reconnect.
func (t *SessionsTable) MaybeUpdateLastSeen(s *Session, newLastSeen time.Time) error {
	sinceLastSeen := newLastSeen.Sub(s.LastSeen)
	if sinceLastSeen < 24*time.Hour {
		return nil
	}
	_, err := t.db.Exec(
		`UPDATE lockbase_sessions SET last_seen = $1 WHERE token_hash = $2`,
		newLastSeen, s.TokenHash,
	)
	if err != nil {
		return err
	}
	s.LastSeen = newLastSeen
	return nil
}

// Delete removes a single session, signing that connection out.
func (t *SessionsTable) Delete(tokenHash string) error {
	_, err := t.db.Exec(`DELETE FROM lockbase_sessions WHERE token_hash = $1`, tokenHash)
	return err
}

// DeleteAllForUser removes every session belonging to a user, for account
// deletion.
func (t *SessionsTable) DeleteAllForUser(txn *sqlx.Tx, userID string) (int64, error) {
	res, err := txn.Exec(`DELETE FROM lockbase_sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
