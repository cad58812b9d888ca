package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	"github.com/lockbase/lockbase/internal"
	"github.com/lockbase/lockbase/sqlutil"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Max number of parameters in a single SQL command
const MaxPostgresParameters = 65535

var (
	// ErrWriteConflict means another writer advanced the sequence counter
	// first. The commit was rolled back and can be retried.
	ErrWriteConflict = fmt.Errorf("write conflict: sequence counter advanced concurrently")
	// ErrNotOwner means the database exists but belongs to someone else.
	ErrNotOwner = fmt.Errorf("database is owned by a different user")
	// ErrBundleNotMonotonic means the submitted bundle covers less of the log
	// than the one already stored.
	ErrBundleNotMonotonic = fmt.Errorf("bundle seq is behind the stored bundle")
	// ErrBundleAheadOfLog means the submitted bundle claims to cover
	// transactions that have not been committed.
	ErrBundleAheadOfLog = fmt.Errorf("bundle seq is ahead of the transaction log")
	// ErrUsernameTaken means the requested username is already in use
	// within the app.
	ErrUsernameTaken = fmt.Errorf("username already taken")
)

// PendingTransaction is a client-submitted operation that has not been
// assigned a sequence number yet.
type PendingTransaction struct {
	Command string
	ItemKey string
	Record  json.RawMessage
}

// Storage is the connection-agnostic backing store: users, sessions and the
// per-database transaction logs with their bundles.
type Storage struct {
	DatabasesTable    *DatabasesTable
	TransactionsTable *TransactionsTable
	BundlesTable      *BundlesTable
	UsersTable        *UsersTable
	SessionsTable     *SessionsTable
	DB                *sqlx.DB
}

func NewStorage(postgresURI, sessionSecret string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		// TODO: if we panic(), will sentry have a chance to flush the event?
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db, sessionSecret)
}

func NewStorageWithDB(db *sqlx.DB, sessionSecret string) *Storage {
	return &Storage{
		DatabasesTable:    NewDatabasesTable(db),
		TransactionsTable: NewTransactionsTable(db),
		BundlesTable:      NewBundlesTable(db),
		UsersTable:        NewUsersTable(db),
		SessionsTable:     NewSessionsTable(db, sessionSecret),
		DB:                db,
	}
}

// OpenDatabase resolves the database with this name hash for this user,
// creating an empty one under newDBID if it does not exist yet. When two
// connections race to create the same database, both resolve to the row
// that won; created reports whether our row was the winner. If the database
// does not exist and newDBID is empty, returns sql.ErrNoRows.
func (s *Storage) OpenDatabase(userID, nameHash, newDBID string) (row *DatabaseRow, created bool, err error) {
	err = sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		row, err = s.DatabasesTable.SelectByNameHash(txn, userID, nameHash)
		if err == nil {
			return nil
		}
		if err != sql.ErrNoRows {
			return err
		}
		if newDBID == "" {
			return sql.ErrNoRows
		}
		err = s.DatabasesTable.Insert(txn, &DatabaseRow{
			ID:       newDBID,
			UserID:   userID,
			NameHash: nameHash,
		})
		if err != nil {
			return err
		}
		row, err = s.DatabasesTable.SelectByNameHash(txn, userID, nameHash)
		if err != nil {
			return err
		}
		created = row.ID == newDBID
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return row, created, nil
}

// AppendTransactions commits the given operations to the end of the
// database's log, all or nothing. Sequence numbers are allocated with a
// compare-and-swap on the database head, so concurrent commits to the same
// database serialise: exactly one writer wins each seq range and losers get
// ErrWriteConflict, which callers should retry.
func (s *Storage) AppendTransactions(userID, dbID string, ops []PendingTransaction) ([]internal.Transaction, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("AppendTransactions: no operations")
	}
	now := time.Now().UTC()
	var committed []internal.Transaction
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		row, err := s.DatabasesTable.SelectByID(txn, dbID)
		if err != nil {
			return err
		}
		if row.UserID != userID {
			return ErrNotOwner
		}
		fromSeq := row.LatestSeq
		toSeq := fromSeq + int64(len(ops))
		if err := s.DatabasesTable.CompareAndSwapLatestSeq(txn, dbID, fromSeq, toSeq); err != nil {
			return err
		}
		committed = make([]internal.Transaction, len(ops))
		for i, op := range ops {
			committed[i] = internal.Transaction{
				DBID:        dbID,
				SeqNo:       fromSeq + int64(i) + 1,
				Command:     op.Command,
				ItemKey:     op.ItemKey,
				Record:      op.Record,
				CommittedAt: now,
			}
		}
		return s.TransactionsTable.Insert(txn, committed)
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// ReplayFrom returns what a reopening connection needs to catch up: the
// latest bundle if it covers more of the log than the client has seen, and
// every transaction after max(afterSeq, bundle seq) in order. bundle is nil
// when the client's state already covers the stored bundle.
func (s *Storage) ReplayFrom(userID, dbID string, afterSeq int64) (bundle *BundleRow, txns []internal.Transaction, err error) {
	err = sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		row, err := s.DatabasesTable.SelectByID(txn, dbID)
		if err != nil {
			return err
		}
		if row.UserID != userID {
			return ErrNotOwner
		}
		sinceSeq := afterSeq
		if row.BundleSeq > afterSeq {
			bundle, err = s.BundlesTable.SelectLatest(txn, dbID)
			if err == sql.ErrNoRows {
				// bundle_seq claims a bundle we don't have; fall back to a
				// full log replay rather than failing the open
				logger.Error().Str("db", dbID).Int64("bundle_seq", row.BundleSeq).Msg(
					"ReplayFrom: bundle_seq set but no bundle stored",
				)
				bundle = nil
			} else if err != nil {
				return err
			} else {
				sinceSeq = bundle.Seq
			}
		}
		txns, err = s.TransactionsTable.SelectAfter(txn, dbID, sinceSeq)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return bundle, txns, nil
}

// BundleTransactionLog stores a client-built bundle covering the log up to
// seq and prunes the bundles it supersedes. Rejects bundles that move
// backwards (ErrBundleNotMonotonic) or claim uncommitted transactions
// (ErrBundleAheadOfLog). Resubmitting at the same seq replaces the payload.
func (s *Storage) BundleTransactionLog(userID, dbID string, seq int64, bundle string) error {
	return sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		row, err := s.DatabasesTable.SelectByID(txn, dbID)
		if err != nil {
			return err
		}
		if row.UserID != userID {
			return ErrNotOwner
		}
		if seq < row.BundleSeq {
			return ErrBundleNotMonotonic
		}
		if seq > row.LatestSeq {
			return ErrBundleAheadOfLog
		}
		if err := s.BundlesTable.Upsert(txn, dbID, seq, bundle); err != nil {
			return err
		}
		if err := s.DatabasesTable.SetBundleSeq(txn, dbID, seq); err != nil {
			return err
		}
		pruned, err := s.BundlesTable.DeleteBefore(txn, dbID, seq)
		if err != nil {
			return err
		}
		if pruned > 0 {
			logger.Info().Str("db", dbID).Int64("seq", seq).Int64("pruned", pruned).Msg("superseded bundles pruned")
		}
		return nil
	})
}

// UpdateUser changes the username and/or profile of a live user.
func (s *Storage) UpdateUser(userID string, username *string, profile json.RawMessage) error {
	return s.UsersTable.Update(userID, username, profile)
}

// DeleteUser soft-deletes a user and revokes all their sessions. The user's
// transaction logs are left in place for out of band purging.
func (s *Storage) DeleteUser(userID string) error {
	return sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		if err := s.UsersTable.SoftDelete(txn, userID); err != nil {
			return err
		}
		revoked, err := s.SessionsTable.DeleteAllForUser(txn, userID)
		if err != nil {
			return err
		}
		logger.Info().Str("user", userID).Int64("sessions_revoked", revoked).Msg("user deleted")
		return nil
	})
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}
