package state

import (
	"github.com/jmoiron/sqlx"
	"github.com/lockbase/lockbase/internal"
	"github.com/lockbase/lockbase/sqlutil"
)

// TransactionsTable stores the ordered transaction log for every database.
// Rows are immutable once written; the (db_id, seq) primary key plus the
// compare-and-swap on lockbase_databases.latest_seq guarantee the log is
// gapless and never rewritten.
type TransactionsTable struct{}

func NewTransactionsTable(db *sqlx.DB) *TransactionsTable {
	// make sure tables are made
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS lockbase_transactions (
		db_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		command TEXT NOT NULL,
		item_key TEXT NOT NULL,
		record JSONB,
		committed_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (db_id, seq)
	);
	`)
	return &TransactionsTable{}
}

// Insert writes the given transactions. The caller must have already
// allocated their sequence numbers via CompareAndSwapLatestSeq in the same
// database transaction; a primary key violation here means that protocol
// was broken and the whole transaction rolls back.
func (t *TransactionsTable) Insert(txn *sqlx.Tx, txns []internal.Transaction) error {
	chunks := sqlutil.Chunkify(6, MaxPostgresParameters, TransactionChunker(txns))
	for _, chunk := range chunks {
		_, err := txn.NamedExec(`
		INSERT INTO lockbase_transactions (db_id, seq, command, item_key, record, committed_at)
		VALUES (:db_id, :seq, :command, :item_key, :record, :committed_at)`, chunk)
		if err != nil {
			return err
		}
	}
	return nil
}

// SelectAfter returns all transactions for this database with seq > afterSeq,
// in ascending sequence order.
func (t *TransactionsTable) SelectAfter(txn *sqlx.Tx, dbID string, afterSeq int64) ([]internal.Transaction, error) {
	var txns []internal.Transaction
	err := txn.Select(
		&txns,
		`SELECT db_id, seq, command, item_key, record, committed_at FROM lockbase_transactions
		 WHERE db_id = $1 AND seq > $2 ORDER BY seq ASC`,
		dbID, afterSeq,
	)
	return txns, err
}

// SelectHighestSeq returns the highest stored sequence number for this
// database, 0 if the log is empty.
func (t *TransactionsTable) SelectHighestSeq(txn *sqlx.Tx, dbID string) (int64, error) {
	var seq int64
	err := txn.Get(
		&seq,
		`SELECT COALESCE(MAX(seq), 0) FROM lockbase_transactions WHERE db_id = $1`,
		dbID,
	)
	return seq, err
}

// TransactionChunker implements sqlutil.Chunker.
type TransactionChunker []internal.Transaction

func (c TransactionChunker) Len() int {
	return len(c)
}
func (c TransactionChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}
