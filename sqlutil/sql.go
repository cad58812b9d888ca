package sqlutil

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithTransaction runs a block of code passing in an SQL transaction
// If the code returns an error or panics then the transactions is rolled back
// Otherwise the transaction is committed.
func WithTransaction(db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}

	defer func() {
		panicErr := recover()
		if err == nil && panicErr != nil {
			err = fmt.Errorf("panic: %v", panicErr)
		}
		var txnErr error
		if err != nil {
			txnErr = txn.Rollback()
		} else {
			txnErr = txn.Commit()
		}
		if txnErr != nil && err == nil {
			err = fmt.Errorf("WithTransaction failed to commit/rollback: %w", txnErr)
		}
	}()

	err = fn(txn)
	return
}

type Chunker interface {
	Len() int
	Subslice(i, j int) Chunker
}

// Chunkify will break up things to be inserted based on the number of params in the statement.
// Postgres has a limit on the number of params in one statement (65535). Whenever you have a batch
// insert without a strict upper bound on the number of rows, use this to split the work into
// chunks which fit under that limit.
//
//	chunks := sqlutil.Chunkify(numParamsPerStmt, MaxPostgresParameters, rows)
//	for _, chunk := range chunks {
//	    rows := chunk.(RowChunker)
//	    // ... perform insert with this chunk ...
//	}
func Chunkify(numParamsPerStmt, maxParamsPerCall int, entries Chunker) []Chunker {
	// common case, most things are small
	if (entries.Len() * numParamsPerStmt) <= maxParamsPerCall {
		return []Chunker{
			entries,
		}
	}
	var chunks []Chunker
	// work out the max number of entries we can insert in one call
	maxEntriesPerCall := maxParamsPerCall / numParamsPerStmt
	for i := 0; i < entries.Len(); i += maxEntriesPerCall {
		endIndex := i + maxEntriesPerCall
		if endIndex > entries.Len() {
			endIndex = entries.Len()
		}
		chunks = append(chunks, entries.Subslice(i, endIndex))
	}
	return chunks
}
