// adsyncd is the directory sync daemon: it mirrors Active Directory
// forests into the local sync database, pushes the changes to the cloud
// over SCIM and exposes a loopback RPC surface for the management UI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ocprom "contrib.go.opencensus.io/exporter/prometheus"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	ocview "go.opencensus.io/stats/view"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scimbridge/adsync/internal/directory"
	"github.com/scimbridge/adsync/internal/events"
	"github.com/scimbridge/adsync/internal/forest"
	"github.com/scimbridge/adsync/internal/monitor"
	"github.com/scimbridge/adsync/internal/pusher"
	"github.com/scimbridge/adsync/internal/rpcserver"
	"github.com/scimbridge/adsync/internal/scim"
	"github.com/scimbridge/adsync/internal/stats"
	"github.com/scimbridge/adsync/internal/status"
	"github.com/scimbridge/adsync/internal/store"
)

var setupLog logr.Logger

func main() {
	var (
		dbPath      string
		configPath  string
		rpcAddr     string
		metricsAddr string
		debugLogs   bool
	)
	flag.StringVar(&dbPath, "db", "adsync.db", "Path to the SQLite sync database.")
	flag.StringVar(&configPath, "config", "", "Optional JSON configuration file applied at startup.")
	flag.StringVar(&rpcAddr, "rpc-addr", "127.0.0.1:9610", "The loopback address the RPC control surface binds to.")
	flag.StringVar(&metricsAddr, "metrics-addr", ":8080", "The address the metric endpoint binds to.")
	flag.BoolVar(&debugLogs, "debug-logs", false, "Shows verbose logs in a human-friendly format.")
	flag.Parse()

	log := makeLogger(debugLogs)
	setupLog = log.WithName("setup")

	st, err := store.Open(log.WithName("store"), dbPath)
	if err != nil {
		setupLog.Error(err, "unable to open sync database", "path", dbPath)
		os.Exit(1)
	}
	defer st.Close()

	recorder := &events.Recorder{Log: log.WithName("events"), Sink: st}
	dialer := &directory.LDAP{Log: log.WithName("directory")}
	manager := forest.NewManager(log.WithName("forest"), st, dialer)
	adProgress := status.NewTracker()
	webProgress := status.NewTracker()
	client := scim.NewClient(log.WithName("scim"), "", "")
	push := pusher.New(log.WithName("pusher"), st, client, recorder, webProgress)
	mon := monitor.New(log.WithName("monitor"), st, dialer, manager, push, recorder, adProgress, webProgress)
	rpc := rpcserver.New(log.WithName("rpc"), mon, st)

	stats.StartRecordingMetrics(log.WithName("stats"))
	exporter, err := ocprom.NewExporter(ocprom.Options{Registry: prometheus.NewRegistry()})
	if err != nil {
		setupLog.Error(err, "unable to create the metrics exporter")
		os.Exit(1)
	}
	ocview.RegisterExporter(exporter)
	ocview.SetReportingPeriod(stats.ReportingInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		if err := applyConfigFile(ctx, mon, configPath); err != nil {
			setupLog.Error(err, "unable to apply the startup configuration", "path", configPath)
			os.Exit(1)
		}
	} else {
		setupLog.Info("No startup configuration, waiting for reloadConfig")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return rpc.Run(ctx, rpcAddr) })
	g.Go(func() error { return serveMetrics(ctx, exporter, metricsAddr) })

	setupLog.Info("adsyncd started", "rpcAddr", rpcAddr, "metricsAddr", metricsAddr, "db", dbPath)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		setupLog.Error(err, "daemon exited")
		os.Exit(1)
	}
}

func makeLogger(debug bool) logr.Logger {
	var zl *zap.Logger
	var err error
	if debug {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return zapr.NewLogger(zl)
}

// applyConfigFile loads the JSON configuration map and hands it to the
// monitor the same way the reloadConfig RPC would.
func applyConfigFile(ctx context.Context, mon *monitor.Monitor, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	body := map[string]interface{}{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return err
	}
	return mon.SetConfig(ctx, monitor.ConfigFromMap(body))
}

func serveMetrics(ctx context.Context, handler http.Handler, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
