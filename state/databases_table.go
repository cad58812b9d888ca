package state

import (
	"github.com/jmoiron/sqlx"
)

// DatabaseRow is the per-database head of the transaction log. LatestSeq
// is the sequence number of the last committed transaction and BundleSeq
// the sequence number covered by the latest bundle, both 0 when empty.
type DatabaseRow struct {
	ID        string `db:"db_id"`
	UserID    string `db:"user_id"`
	NameHash  string `db:"name_hash"`
	LatestSeq int64  `db:"latest_seq"`
	BundleSeq int64  `db:"bundle_seq"`
}

// DatabasesTable stores one row per user database. The (user_id, name_hash)
// pair is unique so the same client-side database name always resolves to
// the same database ID.
type DatabasesTable struct{}

func NewDatabasesTable(db *sqlx.DB) *DatabasesTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS lockbase_databases (
		db_id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		name_hash TEXT NOT NULL,
		latest_seq BIGINT NOT NULL DEFAULT 0,
		bundle_seq BIGINT NOT NULL DEFAULT 0,
		UNIQUE(user_id, name_hash)
	);
	`)
	return &DatabasesTable{}
}

// Insert adds a new empty database. Does nothing if a database with this
// (user_id, name_hash) already exists, so callers must re-select to find
// out which row won.
func (t *DatabasesTable) Insert(txn *sqlx.Tx, row *DatabaseRow) error {
	_, err := txn.Exec(
		`INSERT INTO lockbase_databases(db_id, user_id, name_hash) VALUES($1, $2, $3)
		 ON CONFLICT (user_id, name_hash) DO NOTHING`,
		row.ID, row.UserID, row.NameHash,
	)
	return err
}

// SelectByNameHash returns the database owned by userID with this name hash,
// or sql.ErrNoRows.
func (t *DatabasesTable) SelectByNameHash(txn *sqlx.Tx, userID, nameHash string) (*DatabaseRow, error) {
	var row DatabaseRow
	err := txn.Get(
		&row,
		`SELECT db_id, user_id, name_hash, latest_seq, bundle_seq FROM lockbase_databases
		 WHERE user_id = $1 AND name_hash = $2`,
		userID, nameHash,
	)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SelectByID returns the database with this ID, or sql.ErrNoRows.
func (t *DatabasesTable) SelectByID(txn *sqlx.Tx, dbID string) (*DatabaseRow, error) {
	var row DatabaseRow
	err := txn.Get(
		&row,
		`SELECT db_id, user_id, name_hash, latest_seq, bundle_seq FROM lockbase_databases
		 WHERE db_id = $1`,
		dbID,
	)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CompareAndSwapLatestSeq advances latest_seq from fromSeq to toSeq. The
// update only matches when latest_seq still equals fromSeq, which is what
// keeps the log gapless under concurrent writers: the loser of a race
// matches 0 rows and gets ErrWriteConflict, and must re-read and retry.
func (t *DatabasesTable) CompareAndSwapLatestSeq(txn *sqlx.Tx, dbID string, fromSeq, toSeq int64) error {
	res, err := txn.Exec(
		`UPDATE lockbase_databases SET latest_seq = $1 WHERE db_id = $2 AND latest_seq = $3`,
		toSeq, dbID, fromSeq,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrWriteConflict
	}
	return nil
}

// SetBundleSeq records the sequence number covered by the latest bundle.
func (t *DatabasesTable) SetBundleSeq(txn *sqlx.Tx, dbID string, seq int64) error {
	_, err := txn.Exec(
		`UPDATE lockbase_databases SET bundle_seq = $1 WHERE db_id = $2`,
		seq, dbID,
	)
	return err
}
