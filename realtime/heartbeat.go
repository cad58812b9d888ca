package realtime

import (
	"time"
)

// HeartbeatMonitor periodically sweeps every registered connection: clients
// which have shown no signs of life since the previous sweep are
// terminated, everyone else is sent a Ping push. If interval is 0 the
// monitor never fires on its own and Sweep must be driven manually, which
// is useful for tests.
type HeartbeatMonitor struct {
	conns    *ConnMap
	ticker   *time.Ticker
	done     chan struct{}
	interval time.Duration
}

func NewHeartbeatMonitor(conns *ConnMap, interval time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		conns:    conns,
		done:     make(chan struct{}),
		interval: interval,
	}
}

// Run the monitor. Blocks until Stop is called.
func (h *HeartbeatMonitor) Run() {
	if h.interval == 0 {
		return
	}
	h.ticker = time.NewTicker(h.interval)
	for {
		select {
		case <-h.done:
			return
		case <-h.ticker.C:
			h.Sweep()
		}
	}
}

// Stop sweeping.
func (h *HeartbeatMonitor) Stop() {
	if h.ticker != nil {
		h.ticker.Stop()
	}
	close(h.done)
}

// Sweep culls dead connections and pings live ones.
func (h *HeartbeatMonitor) Sweep() {
	for _, conn := range h.conns.AllConns() {
		if !conn.SweepLiveness() {
			logger.Info().Str("conn", conn.ID).Str("user", conn.UserID).Msg("no heartbeat, terminating connection")
			h.conns.Close(conn)
			continue
		}
		if err := conn.Enqueue(&PingPush{Route: RoutePing}); err != nil {
			h.conns.Close(conn)
		}
	}
}
