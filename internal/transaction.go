package internal

import (
	"encoding/json"
	"time"
)

// Command kinds for a transaction. The enumeration is closed: anything else is
// rejected before it reaches the log.
const (
	CommandInsert = "Insert"
	CommandUpdate = "Update"
	CommandDelete = "Delete"
)

func ValidCommand(command string) bool {
	switch command {
	case CommandInsert, CommandUpdate, CommandDelete:
		return true
	}
	return false
}

// Transaction is a single committed mutation in a database's log. Immutable once
// committed; the record payload is an opaque ciphertext document which the server
// never inspects. The same struct is used as the storage row and the wire form
// pushed to clients.
type Transaction struct {
	DBID        string          `db:"db_id" json:"dbId"`
	SeqNo       int64           `db:"seq" json:"seqNo"`
	Command     string          `db:"command" json:"command"`
	ItemKey     string          `db:"item_key" json:"itemKey"`
	Record      json.RawMessage `db:"record" json:"record,omitempty"`
	CommittedAt time.Time       `db:"committed_at" json:"timestamp"`
}
