package lockbase

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lockbase/lockbase/internal"
	"github.com/lockbase/lockbase/pubsub"
	"github.com/lockbase/lockbase/realtime"
	"github.com/lockbase/lockbase/realtime/handler"
	"github.com/lockbase/lockbase/relay"
	"github.com/lockbase/lockbase/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

type Opts struct {
	// SessionSecret encrypts session tokens at rest. Required.
	SessionSecret string
	// Idle connections older than this are force-closed even if the
	// heartbeat somehow misses them. Defaults to 1 hour.
	MaxConnAge time.Duration
	// How often the heartbeat sweep runs. Defaults to 30 seconds.
	HeartbeatInterval time.Duration
	// Base URLs of peer instances to relay committed transactions to.
	// Leave empty when running a single instance.
	Peers []string
	// RelaySecret authenticates relay calls between instances. Both the
	// outbound notifier and the inbound endpoint require it; with no
	// secret the relay stays disabled even if peers are configured.
	RelaySecret string
	// Bounds concurrent in-flight relay requests. Defaults to 8.
	RelayWorkers int
	// Resetter performs the out-of-band side of the forgot-password flow.
	// Optional; with none configured a confirmed token only tells the
	// client it was valid.
	Resetter handler.PasswordResetter

	EnablePrometheus bool
}

// Handlers owns every long-lived component of one lockbase instance. Wire it
// into a listener with RunLockbaseServer, or mount the exported handlers on
// your own router.
type Handlers struct {
	Realtime       *handler.RealtimeHandler
	ForgotPassword *handler.ForgotPasswordHandler
	// Relay is the inbound trust-boundary endpoint. Nil when no relay
	// secret is configured; never mount it on the public router.
	Relay *relay.Handler

	Storage *state.Storage
	ConnMap *realtime.ConnMap

	heartbeat        *realtime.HeartbeatMonitor
	commitSub        *pubsub.CommitSub
	enablePrometheus bool
}

// commitFanout hears commit payloads from the pubsub channel and fans them
// out: local connections via the registry, peer instances via the relay.
// Inbound relay notifications bypass this entirely and push straight to the
// registry, else every relayed transaction would be relayed again.
type commitFanout struct {
	ConnMap *realtime.ConnMap
	Relay   relay.Notifier
}

func (f *commitFanout) OnTransactionsCommitted(p *pubsub.TransactionsCommitted) {
	f.ConnMap.PushTransactions(p.UserID, p.DBID, p.Transactions)
	if f.Relay != nil {
		f.Relay.Broadcast(p.UserID, p.Transactions)
	}
}

func (f *commitFanout) OnUserDeleted(p *pubsub.UserDeleted) {
	f.ConnMap.CloseUserConns(p.UserID)
}

// Setup creates a lockbase instance: storage, connection registry, heartbeat,
// commit fanout and the HTTP handlers. It panics on unusable configuration
// since nothing can run without it.
func Setup(postgresURI string, opts Opts) *Handlers {
	if opts.SessionSecret == "" {
		logger.Panic().Msg("Setup: missing session secret")
	}
	if opts.MaxConnAge == 0 {
		opts.MaxConnAge = time.Hour
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.RelayWorkers == 0 {
		opts.RelayWorkers = 8
	}

	store := state.NewStorage(postgresURI, opts.SessionSecret)
	connMap := realtime.NewConnMap(opts.EnablePrometheus, opts.MaxConnAge)

	ps := pubsub.NewPubSub(50)
	var notifier pubsub.Notifier = ps
	if opts.EnablePrometheus {
		notifier = pubsub.NewPromNotifier(ps, "realtime")
	}

	var relayNotifier relay.Notifier
	var relayHandler *relay.Handler
	if opts.RelaySecret != "" {
		relayHandler = relay.NewHandler(connMap, opts.RelaySecret)
		if len(opts.Peers) > 0 {
			relayNotifier = relay.NewHTTPNotifier(opts.Peers, opts.RelaySecret, opts.RelayWorkers)
		}
	} else if len(opts.Peers) > 0 {
		logger.Panic().Msg("Setup: peers configured without a relay secret")
	}

	commitSub := pubsub.NewCommitSub(ps, &commitFanout{
		ConnMap: connMap,
		Relay:   relayNotifier,
	})
	go func() {
		defer internal.ReportPanicsToSentry()
		if err := commitSub.Listen(); err != nil {
			logger.Err(err).Msg("commit listener terminated")
		}
	}()

	heartbeat := realtime.NewHeartbeatMonitor(connMap, opts.HeartbeatInterval)
	go heartbeat.Run()

	return &Handlers{
		Realtime:         handler.NewRealtimeHandler(store, connMap, notifier),
		ForgotPassword:   handler.NewForgotPasswordHandler(store, opts.Resetter),
		Relay:            relayHandler,
		Storage:          store,
		ConnMap:          connMap,
		heartbeat:        heartbeat,
		commitSub:        commitSub,
		enablePrometheus: opts.EnablePrometheus,
	}
}

func (h *Handlers) Teardown() {
	h.heartbeat.Stop()
	h.commitSub.Teardown()
	h.Realtime.Teardown()
	h.ForgotPassword.Teardown()
	h.ConnMap.Teardown()
	h.Storage.Teardown()
}

// RunLockbaseServer is the main entry point to the server. The public bind
// serves the two websocket endpoints; the internal bind serves the relay
// endpoint and prometheus metrics and must never be reachable from outside
// the deployment. Blocks forever.
func RunLockbaseServer(h *Handlers, bindAddr, internalBindAddr string) {
	// HTTP path routing
	r := mux.NewRouter()
	r.Handle("/v1/realtime", allowCORS(h.Realtime))
	r.Handle("/v1/forgot-password", allowCORS(h.ForgotPassword))

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
		},
		final: r,
	}

	if internalBindAddr != "" {
		im := http.NewServeMux()
		if h.Relay != nil {
			im.Handle(relay.NotifyTransactionPath, h.Relay)
		}
		if h.enablePrometheus {
			im.Handle("/metrics", promhttp.Handler())
		}
		go func() {
			defer internal.ReportPanicsToSentry()
			logger.Info().Msgf("internal endpoints listening on %s", internalBindAddr)
			if err := http.ListenAndServe(internalBindAddr, im); err != nil {
				logger.Fatal().Err(err).Msg("failed to listen and serve internal endpoints")
			}
		}()
	} else if h.Relay != nil {
		logger.Warn().Msg("relay secret configured but no internal bind address, peers cannot notify this instance")
	}

	// Block forever
	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, otelhttp.NewHandler(srv, "lockbase")); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
