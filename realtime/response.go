package realtime

import (
	"net/http"

	"github.com/lockbase/lockbase/internal"
)

// Routes for server-initiated pushes. Replies to requests use the request's
// action as their route, so clients demux every inbound frame on one field.
const (
	RouteConnection                 = "Connection"
	RoutePing                       = "Ping"
	RouteApplyTransactions          = "ApplyTransactions"
	RouteApplyBundle                = "ApplyBundle"
	RouteError                      = "Error"
	RouteReceiveEncryptedToken      = "ReceiveEncryptedToken"
	RouteSuccessfullyForgotPassword = "SuccessfullyForgotPassword"
)

// Response is the reply to a single request, correlated by requestId.
type Response struct {
	RequestID string       `json:"requestId"`
	Route     string       `json:"route"`
	Response  ResponseBody `json:"response"`
}

// ResponseBody statuses mirror HTTP status codes.
type ResponseBody struct {
	Status int         `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	// RetryDelay is a backoff hint in milliseconds, only set on 429s.
	RetryDelay int `json:"retryDelay,omitempty"`
}

func NewResponse(requestID string, action Action, status int, data interface{}) *Response {
	return &Response{
		RequestID: requestID,
		Route:     string(action),
		Response: ResponseBody{
			Status: status,
			Data:   data,
		},
	}
}

func NewRateLimitResponse(requestID string, action Action) *Response {
	return &Response{
		RequestID: requestID,
		Route:     string(action),
		Response: ResponseBody{
			Status:     http.StatusTooManyRequests,
			RetryDelay: RetryDelayMS,
		},
	}
}

// ConnectionPush is the first frame on every realtime connection: the
// connection ID, the validation challenge encrypted to the user's public
// key, and the user's key salts. Everything the client needs to finish the
// handshake.
type ConnectionPush struct {
	Route                      string             `json:"route"`
	ConnectionID               string             `json:"connectionId"`
	EncryptedValidationMessage string             `json:"encryptedValidationMessage"`
	KeySalts                   *internal.KeySalts `json:"keySalts,omitempty"`
}

// PingPush asks the client to prove it is still there with a Pong request.
type PingPush struct {
	Route string `json:"route"`
}

// ApplyTransactionsPush streams committed transactions for a database the
// client has open, in seq order.
type ApplyTransactionsPush struct {
	Route        string                 `json:"route"`
	DBID         string                 `json:"dbId"`
	Transactions []internal.Transaction `json:"transactions"`
}

// ApplyBundlePush replaces the client's state for a database with a
// compacted snapshot covering the log up to SeqNo.
type ApplyBundlePush struct {
	Route  string `json:"route"`
	DBID   string `json:"dbId"`
	SeqNo  int64  `json:"seqNo"`
	Bundle string `json:"bundle"`
}

// ErrorPush tells the client why the server is about to hang up, outside of
// any request/response exchange. The realtime channel sets Message; the
// forgot-password channel sets Status and Data.
type ErrorPush struct {
	Route   string      `json:"route"`
	Status  int         `json:"status,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ReceiveEncryptedTokenPush carries the forgot-password challenge token,
// encrypted to the user's public key, plus the salt needed to derive the
// key that decrypts it.
type ReceiveEncryptedTokenPush struct {
	Route                        string `json:"route"`
	DHKeySalt                    []byte `json:"dhKeySalt,omitempty"`
	EncryptedForgotPasswordToken string `json:"encryptedForgotPasswordToken"`
}

// SuccessfullyForgotPasswordPush confirms the forgot-password challenge was
// answered and the recovery flow is under way.
type SuccessfullyForgotPasswordPush struct {
	Route    string       `json:"route"`
	Response ResponseBody `json:"response"`
}

// OpenDatabaseResult is the data of a successful OpenDatabase reply, sent
// after any catch-up pushes for the database.
type OpenDatabaseResult struct {
	DBID        string `json:"dbId"`
	LatestSeqNo int64  `json:"latestSeqNo"`
	BundleSeqNo int64  `json:"bundleSeqNo,omitempty"`
}

// CommitResult reports where a commit landed: SeqNo is the seq of the last
// transaction in it.
type CommitResult struct {
	DBID  string `json:"dbId"`
	SeqNo int64  `json:"seqNo"`
}
