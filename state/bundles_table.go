package state

import (
	"github.com/jmoiron/sqlx"
)

// BundleRow is a compacted snapshot of a database covering every transaction
// up to and including Seq. The payload is an opaque client-encrypted blob.
type BundleRow struct {
	DBID   string `db:"db_id"`
	Seq    int64  `db:"seq"`
	Bundle string `db:"bundle"`
}

// BundlesTable stores database bundles. Only the latest bundle per database
// matters for replay; older ones are pruned when a new bundle lands.
type BundlesTable struct{}

func NewBundlesTable(db *sqlx.DB) *BundlesTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS lockbase_bundles (
		db_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		bundle TEXT NOT NULL,
		PRIMARY KEY (db_id, seq)
	);
	`)
	return &BundlesTable{}
}

// Upsert writes a bundle, replacing the payload if one already exists at
// this sequence number.
func (t *BundlesTable) Upsert(txn *sqlx.Tx, dbID string, seq int64, bundle string) error {
	_, err := txn.Exec(
		`INSERT INTO lockbase_bundles(db_id, seq, bundle) VALUES($1, $2, $3)
		 ON CONFLICT (db_id, seq) DO UPDATE SET bundle = EXCLUDED.bundle`,
		dbID, seq, bundle,
	)
	return err
}

// SelectLatest returns the most recent bundle for this database, or
// sql.ErrNoRows if it has never been bundled.
func (t *BundlesTable) SelectLatest(txn *sqlx.Tx, dbID string) (*BundleRow, error) {
	var row BundleRow
	err := txn.Get(
		&row,
		`SELECT db_id, seq, bundle FROM lockbase_bundles
		 WHERE db_id = $1 ORDER BY seq DESC LIMIT 1`,
		dbID,
	)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteBefore removes bundles superseded by one at beforeSeq, returning
// the number of rows pruned.
func (t *BundlesTable) DeleteBefore(txn *sqlx.Tx, dbID string, beforeSeq int64) (int64, error) {
	res, err := txn.Exec(
		`DELETE FROM lockbase_bundles WHERE db_id = $1 AND seq < $2`,
		dbID, beforeSeq,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
