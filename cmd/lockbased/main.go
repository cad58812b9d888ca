package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"

	"github.com/lockbase/lockbase"
	"github.com/lockbase/lockbase/internal"
)

// GitCommit is set at build time via -ldflags
var GitCommit string

const version = "1.0.0"

var (
	flagBindAddr     = flag.String("bind", ":8080", "Bind address for the public websocket endpoints")
	flagInternalAddr = flag.String("internal-bind", "", "Bind address for the internal relay and metrics endpoints. Never expose this publicly. Empty disables them.")
	flagPostgres     = flag.String("db", "user=postgres dbname=lockbase sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagSecret       = flag.String("secret", os.Getenv("LOCKBASE_SECRET"), "Secret which encrypts session tokens at rest. Defaults to $LOCKBASE_SECRET.")
	flagPeers        = flag.String("peers", "", "Comma-separated base URLs of peer instances to relay commits to")
	flagRelaySecret  = flag.String("relay-secret", os.Getenv("LOCKBASE_RELAY_SECRET"), "Shared secret authenticating relay calls between instances. Defaults to $LOCKBASE_RELAY_SECRET.")
	flagMetrics      = flag.Bool("metrics", false, "Serve prometheus metrics on the internal bind address")
	flagPPROF        = flag.String("pprof", "", "Bind address for the pprof listener, e.g. localhost:6060. Empty disables it.")
	flagSentryDSN    = flag.String("sentry-dsn", os.Getenv("SENTRY_DSN"), "Sentry DSN for error reporting. Defaults to $SENTRY_DSN.")
	flagOTLPURL      = flag.String("otlp-url", "", "OTLP HTTP collector URL for tracing")
	flagOTLPUser     = flag.String("otlp-user", "", "Basic auth username for the OTLP collector")
	flagOTLPPass     = flag.String("otlp-pass", os.Getenv("LOCKBASE_OTLP_PASSWORD"), "Basic auth password for the OTLP collector. Defaults to $LOCKBASE_OTLP_PASSWORD.")
)

func main() {
	flag.Parse()
	fmt.Printf("lockbase [%s] (%s)\n", version, GitCommit)
	if args := flag.Args(); len(args) > 0 && args[0] == "migrate" {
		executeMigrations(*flagPostgres, args[1:])
		return
	}
	if *flagSecret == "" {
		fmt.Fprintln(os.Stderr, "no session secret: pass -secret or set LOCKBASE_SECRET")
		flag.Usage()
		os.Exit(1)
	}

	if *flagSentryDSN != "" {
		fmt.Printf("Configuring Sentry reporting: %s\n", *flagSentryDSN)
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     *flagSentryDSN,
			Release: version,
		})
		if err != nil {
			panic(err)
		}
	}
	if *flagOTLPURL != "" {
		fmt.Printf("Configuring OTLP collector: %s\n", *flagOTLPURL)
		if err := internal.ConfigureOTLP(*flagOTLPURL, *flagOTLPUser, *flagOTLPPass, version); err != nil {
			panic(err)
		}
	}
	if *flagPPROF != "" {
		go func() {
			fmt.Printf("starting pprof listener on %s\n", *flagPPROF)
			if err := http.ListenAndServe(*flagPPROF, nil); err != nil {
				panic(err)
			}
		}()
	}

	var peers []string
	if *flagPeers != "" {
		peers = strings.Split(*flagPeers, ",")
	}
	h := lockbase.Setup(*flagPostgres, lockbase.Opts{
		SessionSecret:    *flagSecret,
		Peers:            peers,
		RelaySecret:      *flagRelaySecret,
		EnablePrometheus: *flagMetrics,
	})
	lockbase.RunLockbaseServer(h, *flagBindAddr, *flagInternalAddr)
}
