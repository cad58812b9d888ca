package relay

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/lockbase/lockbase/internal"
)

// TransactionPusher pushes committed transactions to locally held
// connections. *realtime.ConnMap satisfies it.
type TransactionPusher interface {
	PushTransactions(userID, dbID string, txns []internal.Transaction)
}

// Handler receives notify-transaction calls from peer instances and fans the
// transaction out to this instance's connections. It pushes straight to the
// registry rather than republishing on pubsub: a republished payload would be
// relayed right back out to peers.
type Handler struct {
	Pusher TransactionPusher
	Secret string
}

func NewHandler(pusher TransactionPusher, secret string) *Handler {
	return &Handler{
		Pusher: pusher,
		Secret: secret,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	secret := req.Header.Get(SecretHeader)
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.Secret)) != 1 {
		logger.Warn().Str("remote", req.RemoteAddr).Msg("notify-transaction: bad relay secret")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var notif transactionNotification
	if err := json.NewDecoder(req.Body).Decode(&notif); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("malformed notification: " + err.Error()))
		return
	}
	if notif.UserID == "" || notif.Transaction.DBID == "" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("notification missing userId or transaction.dbId"))
		return
	}
	if err := h.push(&notif); err != nil {
		logger.Err(err).Str("user", notif.UserID).Str("db", notif.Transaction.DBID).Msg("notify-transaction: local fanout failed")
		sentry.CaptureException(err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("local fanout failed: " + err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// push fans out to local connections, converting a panicking registry into an
// error so the calling instance gets a 5xx instead of a severed socket.
func (h *Handler) push(notif *transactionNotification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during fanout: %v", r)
		}
	}()
	h.Pusher.PushTransactions(notif.UserID, notif.Transaction.DBID, []internal.Transaction{notif.Transaction})
	return nil
}
