package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/lockbase/lockbase/internal"
	"github.com/lockbase/lockbase/sqlutil"
	"github.com/tidwall/gjson"
)

func TestTransactionsTable(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewTransactionsTable(db)
	now := time.Now().UTC()

	txns := []internal.Transaction{
		{DBID: "db-t1", SeqNo: 1, Command: "Insert", ItemKey: "todo-1", Record: json.RawMessage(`{"v":"enc-1"}`), CommittedAt: now},
		{DBID: "db-t1", SeqNo: 2, Command: "Update", ItemKey: "todo-1", Record: json.RawMessage(`{"v":"enc-2"}`), CommittedAt: now},
		{DBID: "db-t1", SeqNo: 3, Command: "Delete", ItemKey: "todo-1", CommittedAt: now},
	}
	err := sqlutil.WithTransaction(db, func(txn *sqlx.Tx) error {
		t.Log("Insert a 3-transaction log, with a second database interleaved.")
		assertNoError(t, table.Insert(txn, txns))
		assertNoError(t, table.Insert(txn, []internal.Transaction{
			{DBID: "db-t2", SeqNo: 1, Command: "Insert", ItemKey: "other", Record: json.RawMessage(`{"v":"other"}`), CommittedAt: now},
		}))

		t.Log("A full replay returns the log in order.")
		got, err := table.SelectAfter(txn, "db-t1", 0)
		assertNoError(t, err)
		assertVal(t, "num txns", len(got), 3)
		for i := range got {
			assertVal(t, "db id", got[i].DBID, txns[i].DBID)
			assertVal(t, "seq", got[i].SeqNo, txns[i].SeqNo)
			assertVal(t, "command", got[i].Command, txns[i].Command)
			assertVal(t, "item key", got[i].ItemKey, txns[i].ItemKey)
			if got[i].CommittedAt.IsZero() {
				t.Errorf("seq %d: committed_at not persisted", got[i].SeqNo)
			}
		}
		// JSONB reformats whitespace so compare the value, not the bytes
		assertVal(t, "record 1", gjson.GetBytes(got[0].Record, "v").Str, "enc-1")
		assertVal(t, "record 2", gjson.GetBytes(got[1].Record, "v").Str, "enc-2")
		assertVal(t, "delete has no record", len(got[2].Record), 0)

		t.Log("A partial replay returns only later transactions.")
		got, err = table.SelectAfter(txn, "db-t1", 2)
		assertNoError(t, err)
		assertVal(t, "num txns", len(got), 1)
		assertVal(t, "seq", got[0].SeqNo, int64(3))

		highest, err := table.SelectHighestSeq(txn, "db-t1")
		assertNoError(t, err)
		assertVal(t, "highest seq", highest, int64(3))
		highest, err = table.SelectHighestSeq(txn, "db-404")
		assertNoError(t, err)
		assertVal(t, "empty log highest seq", highest, int64(0))
		return nil
	})
	assertNoError(t, err)
}

func TestChunkify(t *testing.T) {
	// Make 100 dummy transactions
	txns := make([]internal.Transaction, 100)
	for i := 0; i < len(txns); i++ {
		txns[i] = internal.Transaction{
			SeqNo: int64(i),
		}
	}
	txnChunker := TransactionChunker(txns)
	testCases := []struct {
		name             string
		numParamsPerStmt int
		maxParamsPerCall int
		chunkSizes       []int // length = number of chunks wanted, ints = txns in that chunk
	}{
		{
			name:             "below chunk limit returns 1 chunk",
			numParamsPerStmt: 3,
			maxParamsPerCall: 400,
			chunkSizes:       []int{100},
		},
		{
			name:             "just above chunk limit returns 2 chunks",
			numParamsPerStmt: 3,
			maxParamsPerCall: 297,
			chunkSizes:       []int{99, 1},
		},
		{
			name:             "way above chunk limit returns many chunks",
			numParamsPerStmt: 3,
			maxParamsPerCall: 30,
			chunkSizes:       []int{10, 10, 10, 10, 10, 10, 10, 10, 10, 10},
		},
		{
			name:             "fractional division rounds down",
			numParamsPerStmt: 3,
			maxParamsPerCall: 298,
			chunkSizes:       []int{99, 1},
		},
		{
			name:             "fractional division rounds down",
			numParamsPerStmt: 3,
			maxParamsPerCall: 299,
			chunkSizes:       []int{99, 1},
		},
	}
	for _, tc := range testCases {
		testCase := tc
		t.Run(testCase.name, func(t *testing.T) {
			chunks := sqlutil.Chunkify(testCase.numParamsPerStmt, testCase.maxParamsPerCall, txnChunker)
			if len(chunks) != len(testCase.chunkSizes) {
				t.Fatalf("got %d chunks, want %d", len(chunks), len(testCase.chunkSizes))
			}
			seq := int64(0)
			for i := 0; i < len(chunks); i++ {
				if chunks[i].Len() != testCase.chunkSizes[i] {
					t.Errorf("chunk %d got %d elements, want %d", i, chunks[i].Len(), testCase.chunkSizes[i])
				}
				txnChunk := chunks[i].(TransactionChunker)
				for j, txn := range txnChunk {
					if txn.SeqNo != seq {
						t.Errorf("chunk %d, element %d: got seq %d want %d", i, j, txn.SeqNo, seq)
					}
					seq++
				}
			}
		})
	}
}
