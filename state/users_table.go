package state

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/lockbase/lockbase/internal"
)

// UserRow is a registered app user. PublicKey is the compressed secp256k1
// key the client proves possession of during the connection handshake.
// KeySalts is a CBOR blob of the client's key derivation salts and Profile
// an opaque encrypted profile document; the server never interprets either.
type UserRow struct {
	UserID    string          `db:"user_id"`
	AppID     string          `db:"app_id"`
	AdminID   string          `db:"admin_id"`
	Username  string          `db:"username"`
	PublicKey []byte          `db:"public_key"`
	KeySalts  []byte          `db:"key_salts"`
	Profile   json.RawMessage `db:"profile"`
	DeletedAt *time.Time      `db:"deleted_at"`
}

// Salts decodes the stored key salts.
func (u *UserRow) Salts() (*internal.KeySalts, error) {
	return internal.NewKeySaltsFromCBOR(u.KeySalts)
}

// UsersTable stores one row per app user. Usernames are unique within an
// app. Deletes are soft so the transaction logs of a deleted user stay
// consistent until purged out of band.
type UsersTable struct {
	db *sqlx.DB
}

func NewUsersTable(db *sqlx.DB) *UsersTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS lockbase_users (
		user_id TEXT NOT NULL PRIMARY KEY,
		app_id TEXT NOT NULL,
		admin_id TEXT NOT NULL,
		username TEXT NOT NULL,
		public_key BYTEA NOT NULL,
		key_salts BYTEA NOT NULL,
		profile JSONB,
		deleted_at TIMESTAMP WITH TIME ZONE,
		UNIQUE(app_id, username)
	);
	`)
	return &UsersTable{db}
}

// Insert adds a new user, returning ErrUsernameTaken if the username is
// already in use within the app.
func (t *UsersTable) Insert(row *UserRow) error {
	_, err := t.db.Exec(
		`INSERT INTO lockbase_users(user_id, app_id, admin_id, username, public_key, key_salts, profile)
		 VALUES($1, $2, $3, $4, $5, $6, $7)`,
		row.UserID, row.AppID, row.AdminID, row.Username, row.PublicKey, row.KeySalts, row.Profile,
	)
	return mapUniqueViolation(err)
}

// Select returns the user with this ID, deleted or not, or sql.ErrNoRows.
// Callers that need a live user must check DeletedAt.
func (t *UsersTable) Select(userID string) (*UserRow, error) {
	var row UserRow
	err := t.db.Get(
		&row,
		`SELECT user_id, app_id, admin_id, username, public_key, key_salts, profile, deleted_at
		 FROM lockbase_users WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SelectActiveByUsername returns the live user with this username within
// the app, or sql.ErrNoRows.
func (t *UsersTable) SelectActiveByUsername(appID, username string) (*UserRow, error) {
	var row UserRow
	err := t.db.Get(
		&row,
		`SELECT user_id, app_id, admin_id, username, public_key, key_salts, profile, deleted_at
		 FROM lockbase_users WHERE app_id = $1 AND username = $2 AND deleted_at IS NULL`,
		appID, username,
	)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Update changes the username and/or profile of a live user. Nil fields are
// left untouched. Returns sql.ErrNoRows if the user does not exist or has
// been deleted, and ErrUsernameTaken on a username clash.
func (t *UsersTable) Update(userID string, username *string, profile json.RawMessage) error {
	res, err := t.db.Exec(
		`UPDATE lockbase_users SET
		   username = COALESCE($2, username),
		   profile = COALESCE($3, profile)
		 WHERE user_id = $1 AND deleted_at IS NULL`,
		userID, username, profile,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SoftDelete marks a live user as deleted. Returns sql.ErrNoRows if the
// user does not exist or was already deleted.
func (t *UsersTable) SoftDelete(txn *sqlx.Tx, userID string) error {
	res, err := txn.Exec(
		`UPDATE lockbase_users SET deleted_at = now() WHERE user_id = $1 AND deleted_at IS NULL`,
		userID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func mapUniqueViolation(err error) error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrUsernameTaken
	}
	return err
}
