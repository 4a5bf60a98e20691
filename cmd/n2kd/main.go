// Command n2kd aggregates decoded NMEA 2000 JSON records read from its
// standard input and fans them out to snapshot, JSON-stream and
// NMEA0183-stream TCP clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aldas/n2k-aggregator/metrics"
	"github.com/aldas/n2k-aggregator/reactor"
)

func main() {
	fs := flag.NewFlagSet("n2kd", flag.ContinueOnError)
	debug := fs.Bool("d", false, "verbose (debug) logging")
	quiet := fs.Bool("q", false, "errors-only logging")
	outputCopy := fs.Bool("o", false, "set standard-output to output-copy mode")
	outputSink := fs.Bool("r", false, "set standard-output to output-sink mode")
	port := fs.Int("p", 2597, "use <port> (JSON) and <port>+1 (NMEA 0183)")
	metricsAddr := fs.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9100)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1) // fs has already written the usage message to stderr
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "n2kd: unrecognized argument %q\n", fs.Arg(0))
		fs.Usage()
		os.Exit(1)
	}

	if *outputCopy && *outputSink {
		log.Fatal("n2kd: -o and -r are mutually exclusive\n")
	}

	if *debug && *quiet {
		log.Fatal("n2kd: -d and -q are mutually exclusive\n")
	}
	// Fatal errors always reach the operator via log.Fatal regardless of
	// -d/-q; LogFunc only carries the debug-level trace lines the engine
	// and store emit (new-PGN, accept, drop-on-floor events). -q is the
	// default-equivalent no-op LogFunc made explicit for the operator.
	logf := quietLogFunc
	if *debug {
		logf = func(format string, a ...any) { fmt.Fprintf(os.Stderr, format, a...) }
	}

	mode := reactor.OutputStream
	switch {
	case *outputCopy:
		mode = reactor.OutputCopy
	case *outputSink:
		mode = reactor.OutputSink
	}

	engine, err := reactor.New(reactor.Config{
		Port:       *port,
		OutputMode: mode,
		LogFunc:    logf,
	})
	if err != nil {
		log.Fatalf("n2kd: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *metricsAddr != "" {
		startMetricsServer(ctx, *metricsAddr, engine)
	}

	log.Printf("n2kd: listening on :%d (JSON) and :%d (NMEA 0183)\n", *port, *port+1)
	if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("n2kd: fatal reactor error: %v\n", err)
	}
}

func quietLogFunc(string, ...any) {}

func startMetricsServer(ctx context.Context, addr string, engine *reactor.Engine) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(engine))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("n2kd: unable to open metrics listener: %v\n", err)
	}

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("n2kd: metrics server error: %v\n", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Printf("n2kd: serving metrics on %s/metrics\n", addr)
}
