package realtime

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/lockbase/lockbase/internal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrSessionExists means this user already has a live connection for the
// same client, so the new one must be refused.
var ErrSessionExists = fmt.Errorf("an open connection already exists for this session")

// ConnMap stores this instance's live connections. The TTL cache acts as a
// backstop: any connection which somehow escapes both the heartbeat sweep
// and socket teardown is force-closed once its max age passes without
// activity.
type ConnMap struct {
	cache *ttlcache.Cache[string, *Conn]

	// map of user_id to active connections. Inspect the Conn to find the client ID.
	userIDToConn map[string][]*Conn
	connIDToConn map[string]*Conn

	mu *sync.Mutex

	numConns prometheus.Gauge
}

func NewConnMap(enablePrometheus bool, maxConnAge time.Duration) *ConnMap {
	cm := &ConnMap{
		userIDToConn: make(map[string][]*Conn),
		connIDToConn: make(map[string]*Conn),
		cache:        ttlcache.New(ttlcache.WithTTL[string, *Conn](maxConnAge)),
		mu:           &sync.Mutex{},
	}
	cm.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Conn]) {
		if reason == ttlcache.EvictionReasonExpired {
			logger.Info().Str("conn", item.Key()).Msg("closing connection, max age reached")
		}
		cm.closeConn(item.Value())
	})
	go cm.cache.Start()

	if enablePrometheus {
		cm.numConns = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lockbase",
			Subsystem: "realtime",
			Name:      "num_active_conns",
			Help:      "Number of active websocket connections",
		})
		prometheus.MustRegister(cm.numConns)
	}

	return cm
}

func (m *ConnMap) Teardown() {
	m.cache.Stop()

	if m.numConns != nil {
		prometheus.Unregister(m.numConns)
	}
}

// Register wraps ws in a Conn, issues its validation challenge and adds it
// to the map. Fails with ErrSessionExists if the user already has a live
// connection for this client ID.
func (m *ConnMap) Register(userID, clientID, adminID, appID string, ws *websocket.Conn) (*Conn, error) {
	validationMsg := make([]byte, 32)
	if _, err := rand.Read(validationMsg); err != nil {
		return nil, fmt.Errorf("failed to generate validation message: %w", err)
	}
	conn := NewConn(userID, clientID, adminID, appID, ws, validationMsg, m.onConnClosed)

	m.mu.Lock()
	for _, existing := range m.userIDToConn[userID] {
		if existing.ClientID == clientID && !existing.Closed() {
			m.mu.Unlock()
			return nil, ErrSessionExists
		}
	}
	m.connIDToConn[conn.ID] = conn
	m.userIDToConn[userID] = append(m.userIDToConn[userID], conn)
	if m.numConns != nil {
		m.numConns.Inc()
	}
	m.mu.Unlock()

	// the cache Set must happen outside mu: eviction callbacks fire under the
	// cache's lock and take mu themselves
	m.cache.Set(conn.ID, conn, ttlcache.DefaultTTL)
	return conn, nil
}

// Conn returns the connection with this ID, or nil if there isn't one.
// Looking a connection up counts as activity for its max-age timer.
func (m *ConnMap) Conn(connID string) *Conn {
	item := m.cache.Get(connID)
	if item == nil {
		return nil
	}
	return item.Value()
}

// KeepAlive pushes back the max-age expiry for this connection.
func (m *ConnMap) KeepAlive(connID string) {
	m.cache.Touch(connID)
}

// Close terminates this connection and removes it from the map. Safe to
// call repeatedly and for connections which were never registered.
func (m *ConnMap) Close(conn *Conn) {
	conn.Terminate()
	m.cache.Delete(conn.ID)
}

// onConnClosed is Conn's termination callback. Terminate can fire on the
// writer goroutine in the middle of a cache operation, so the map cleanup
// happens on a fresh goroutine to keep lock ordering simple.
func (m *ConnMap) onConnClosed(conn *Conn) {
	go m.Close(conn)
}

func (m *ConnMap) closeConn(conn *Conn) {
	if conn == nil {
		return
	}
	conn.Terminate()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connIDToConn[conn.ID]; !ok {
		return // already cleaned up
	}
	// remove conn from all the maps
	delete(m.connIDToConn, conn.ID)
	conns := m.userIDToConn[conn.UserID]
	for i := 0; i < len(conns); i++ {
		if conns[i].ID == conn.ID {
			// delete without preserving order
			conns[i] = conns[len(conns)-1]
			conns = conns[:len(conns)-1]
			break
		}
	}
	if len(conns) == 0 {
		delete(m.userIDToConn, conn.UserID)
	} else {
		m.userIDToConn[conn.UserID] = conns
	}
	if m.numConns != nil {
		m.numConns.Dec()
	}
}

// PushTransactions delivers freshly committed transactions to every
// validated connection of this user which has the database open, including
// the one that submitted them. A connection whose send queue is full is
// terminated; it catches up from the log when it reconnects.
func (m *ConnMap) PushTransactions(userID, dbID string, txns []internal.Transaction) {
	for _, conn := range m.userConns(userID) {
		if !conn.Validated() || !conn.HasDB(dbID) {
			continue
		}
		err := conn.Enqueue(&ApplyTransactionsPush{
			Route:        RouteApplyTransactions,
			DBID:         dbID,
			Transactions: txns,
		})
		if err != nil {
			logger.Err(err).Str("user", userID).Str("conn", conn.ID).Msg("push failed, terminating connection")
			m.Close(conn)
		}
	}
}

// CloseUserConns terminates every connection this user has on this
// instance, for sign-out-everywhere and account deletion.
func (m *ConnMap) CloseUserConns(userID string) {
	for _, conn := range m.userConns(userID) {
		m.Close(conn)
	}
}

// AllConns returns every registered connection.
func (m *ConnMap) AllConns() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Conn, 0, len(m.connIDToConn))
	for _, conn := range m.connIDToConn {
		conns = append(conns, conn)
	}
	return conns
}

func (m *ConnMap) userConns(userID string) []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Conn, len(m.userIDToConn[userID]))
	copy(conns, m.userIDToConn[userID])
	return conns
}
