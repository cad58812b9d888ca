package realtime

import (
	"encoding/json"
)

// Action is a client request type. The set is closed; anything else in an
// action field is a protocol error.
type Action string

const (
	ActionPong             Action = "Pong"
	ActionSignOut          Action = "SignOut"
	ActionUpdateUser       Action = "UpdateUser"
	ActionDeleteUser       Action = "DeleteUser"
	ActionValidateKey      Action = "ValidateKey"
	ActionGetPasswordSalts Action = "GetPasswordSalts"
	ActionOpenDatabase     Action = "OpenDatabase"
	ActionInsert           Action = "Insert"
	ActionUpdate           Action = "Update"
	ActionDelete           Action = "Delete"
	ActionBatchTransaction Action = "BatchTransaction"
	ActionBundle           Action = "Bundle"
)

var knownActions = map[Action]bool{
	ActionPong:             true,
	ActionSignOut:          true,
	ActionUpdateUser:       true,
	ActionDeleteUser:       true,
	ActionValidateKey:      true,
	ActionGetPasswordSalts: true,
	ActionOpenDatabase:     true,
	ActionInsert:           true,
	ActionUpdate:           true,
	ActionDelete:           true,
	ActionBatchTransaction: true,
	ActionBundle:           true,
}

// ParseAction maps a wire action to its Action, reporting whether it is one
// we know.
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	return a, knownActions[a]
}

// Request is a single client frame.
type Request struct {
	RequestID string          `json:"requestId"`
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// ValidateKeyParams carries the decrypted handshake challenge back to us,
// base64 encoded.
type ValidateKeyParams struct {
	ValidationMessage string `json:"validationMessage"`
}

// OpenDatabaseParams opens a database by name hash. NewDatabaseID is the ID
// to create the database under if it does not exist yet; without it the
// open only resolves. ReopenAtSeqNo is the last seq the client has applied,
// so the reply replays just the tail.
type OpenDatabaseParams struct {
	DBNameHash    string `json:"dbNameHash"`
	NewDatabaseID string `json:"newDatabaseId,omitempty"`
	ReopenAtSeqNo *int64 `json:"reopenAtSeqNo,omitempty"`
}

// CommandParams is the payload of the single-operation commands Insert,
// Update and Delete. Record is the client-encrypted item and stays opaque.
type CommandParams struct {
	DBID    string          `json:"dbId"`
	ItemKey string          `json:"itemKey"`
	Record  json.RawMessage `json:"record,omitempty"`
}

// BatchOperation is one operation inside a BatchTransaction.
type BatchOperation struct {
	Command string          `json:"command"`
	ItemKey string          `json:"itemKey"`
	Record  json.RawMessage `json:"record,omitempty"`
}

// BatchTransactionParams commits several operations atomically: they are
// assigned a contiguous seq range and every one of them lands or none do.
type BatchTransactionParams struct {
	DBID       string           `json:"dbId"`
	Operations []BatchOperation `json:"operations"`
}

// BundleParams stores a compacted snapshot of the log up to SeqNo. The
// bundle payload is client-encrypted and opaque.
type BundleParams struct {
	DBID   string `json:"dbId"`
	SeqNo  int64  `json:"seqNo"`
	Bundle string `json:"bundle"`
}

// UpdateUserParams changes the username and/or the encrypted profile
// document. Absent fields are left untouched.
type UpdateUserParams struct {
	Username *string         `json:"username,omitempty"`
	Profile  json.RawMessage `json:"profile,omitempty"`
}

// ForgotPasswordTokenFrame is the only frame a forgot-password client may
// send: the token we issued, decrypted and base64 encoded.
type ForgotPasswordTokenFrame struct {
	Token string `json:"forgotPasswordToken"`
}
