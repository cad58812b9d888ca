// Package relay carries committed transactions between lockbase instances.
// Each instance that accepts a commit broadcasts it to every peer over a
// trusted internal HTTP endpoint so the peers can fan the transaction out to
// their own locally held connections. Delivery is at-least-once and carries
// no idempotency key beyond the transaction's own seqNo: clients dedupe by
// sequence number.
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/lockbase/lockbase/internal"
)

const (
	// NotifyTransactionPath is the trust-boundary endpoint peers expose to
	// receive transactions committed elsewhere. Serve it on the internal
	// bind address only, never on the public router.
	NotifyTransactionPath = "/internal/notify-transaction"
	// SecretHeader authenticates calling instances. Both sides of the relay
	// must be configured with the same value.
	SecretHeader = "Lockbase-Relay-Secret"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// transactionNotification is the body of a notify-transaction request. One
// body carries exactly one transaction; the transaction's own dbId and seqNo
// tell the receiving instance where it belongs.
type transactionNotification struct {
	Transaction internal.Transaction `json:"transaction"`
	UserID      string               `json:"userId"`
}

// Notifier broadcasts committed transactions to peer instances.
type Notifier interface {
	// Broadcast sends each transaction to every peer. It returns once the
	// work is queued, not once it is delivered: delivery is asynchronous and
	// a failed peer never unwinds the commit, which already happened.
	Broadcast(userID string, txns []internal.Transaction)
}

// HTTPNotifier broadcasts over HTTP POSTs guarded by a shared secret. One
// notifier is shared by the whole process; the worker pool bounds the number
// of in-flight requests to peers.
type HTTPNotifier struct {
	Client *http.Client
	Peers  []string
	Secret string
	pool   *internal.WorkerPool
}

func NewHTTPNotifier(peers []string, secret string, numWorkers int) *HTTPNotifier {
	n := &HTTPNotifier{
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
		Peers:  peers,
		Secret: secret,
		pool:   internal.NewWorkerPool(numWorkers),
	}
	n.pool.Start()
	return n
}

// Broadcast sends txns to every configured peer, one notification per
// transaction, preserving commit order per peer. Failures are logged and
// reported but not retried: the client dedupes and orders by seqNo, and a
// missed push only means that peer's connections catch up on their next
// reopen.
func (n *HTTPNotifier) Broadcast(userID string, txns []internal.Transaction) {
	if len(n.Peers) == 0 || len(txns) == 0 {
		return
	}
	bodies := make([][]byte, 0, len(txns))
	for _, txn := range txns {
		body, err := json.Marshal(transactionNotification{
			Transaction: txn,
			UserID:      userID,
		})
		if err != nil {
			logger.Err(err).Str("user", userID).Msg("Broadcast: failed to marshal notification")
			sentry.CaptureException(err)
			continue
		}
		bodies = append(bodies, body)
	}
	for _, peer := range n.Peers {
		peer := peer
		n.pool.Queue(func() {
			for _, body := range bodies {
				if err := n.notify(peer, body); err != nil {
					logger.Err(err).Str("peer", peer).Str("user", userID).Msg("Broadcast: peer notification failed")
					sentry.CaptureException(err)
				}
			}
		})
	}
}

func (n *HTTPNotifier) notify(peer string, body []byte) error {
	req, err := http.NewRequest("POST", peer+NotifyTransactionPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: NewRequest failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, n.Secret)
	res, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		diag, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("notify: %s returned HTTP %d: %s", peer, res.StatusCode, diag)
	}
	return nil
}
