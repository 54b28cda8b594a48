// Command geosync runs one node of the replication engine that keeps
// secondary sites in sync with a primary site.
//
// A node configured with role "primary" serves the transfer protocol next to
// the authoritative object store. A node with role "secondary" follows the
// primary's event log and replicates objects into its local storage root.
//
// Additionally, geosync has subcommands for common tasks:
//
// SQL Ping
//
// The subcommand "sql-ping" checks if the database configured in the config
// file is reachable:
//
//     geosync -config PATH_TO_CONFIG sql-ping
//
// SQL Migrate
//
// The subcommand "sql-migrate" will apply any outstanding SQL migrations.
//
//     geosync -config PATH_TO_CONFIG sql-migrate [-ignore-unknown=true|false]
//
// By default, the migration will ignore any unknown migrations that are
// not known by the geosync binary.
//
// SQL Migrate Status
//
// The subcommand "sql-migrate-status" will show which SQL migrations have
// been applied and which ones have not:
//
//     geosync -config PATH_TO_CONFIG sql-migrate-status
//
// Status
//
// The subcommand "status" prints the replication state of every tracked
// object together with per-state totals:
//
//     geosync -config PATH_TO_CONFIG status [-kind <object-kind>]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/geosync/internal/dontpanic"
	"gitlab.com/gitlab-org/geosync/internal/geosync"
	"gitlab.com/gitlab-org/geosync/internal/geosync/blob"
	"gitlab.com/gitlab-org/geosync/internal/geosync/config"
	"gitlab.com/gitlab-org/geosync/internal/geosync/datastore"
	"gitlab.com/gitlab-org/geosync/internal/geosync/transfer"
	"gitlab.com/gitlab-org/geosync/internal/helper"
	"gitlab.com/gitlab-org/geosync/internal/log"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")

	// version is set at build time via -ldflags.
	version = "dev"
)

const progname = "geosync"

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	if *flagVersion {
		fmt.Printf("%s, version %s\n", progname, version)
		os.Exit(0)
	}

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	log.Configure(log.Loggers, conf.Logging.Format, conf.Logging.Level)

	if args := flag.Args(); len(args) > 0 {
		os.Exit(subCommand(conf, args[0], args[1:]))
	}

	configureSentry(conf.Sentry)

	logger.WithFields(logrus.Fields{
		"version": version,
		"role":    conf.Role,
		"node":    conf.NodeName,
	}).Info("Starting " + progname)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, prometheus.DefaultRegisterer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("%v", err)
	}
}

func initConfig() (config.Config, error) {
	var conf config.Config

	if *flagConfig == "" {
		return conf, errNoConfigFile
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		return conf, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

func configureSentry(conf config.Sentry) {
	if conf.DSN == "" {
		return
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         conf.DSN,
		Environment: conf.Environment,
		Release:     progname + "@" + version,
	}); err != nil {
		logger.WithError(err).Warn("unable to initialize sentry client")
	}
}

func run(ctx context.Context, conf config.Config, promreg prometheus.Registerer) error {
	stores, err := openStores(ctx, conf)
	if err != nil {
		return err
	}
	defer stores.close()

	promreg.MustRegister(datastore.NewRegistryCollector(logger, stores.registry))

	if conf.PrometheusListenAddr != "" {
		logger.WithField("address", conf.PrometheusListenAddr).Info("Starting prometheus listener")
		servePrometheus(conf.PrometheusListenAddr)
	}

	switch conf.Role {
	case config.RolePrimary:
		return runPrimary(ctx, conf, stores)
	case config.RoleSecondary:
		return runSecondary(ctx, conf, stores, promreg)
	default:
		return fmt.Errorf("unhandled role: %q", conf.Role)
	}
}

func runPrimary(ctx context.Context, conf config.Config, stores nodeStores) error {
	locator := blob.HashedLocator{Root: conf.StorageRoot}
	store := blob.NewLocalStore(locator)

	// Recover the announced objects from the durable event log; anything
	// the log does not announce re-registers through the PUT endpoint.
	replayed, err := store.SeedFromEvents(ctx, stores.events)
	if err != nil {
		return fmt.Errorf("seeding object store from event log: %w", err)
	}
	logger.WithField("events", replayed).Info("object store seeded from event log")

	server, err := transfer.NewServer(logger, store, conf.Primary.AuthToken)
	if err != nil {
		return fmt.Errorf("creating transfer server: %w", err)
	}

	httpSrv := &http.Server{Addr: conf.ListenAddr, Handler: server}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("address", conf.ListenAddr).Info("transfer server listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("transfer server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down transfer server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.GracefulStopTimeout.Duration())
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("transfer server shutdown: %w", err)
	}
	return ctx.Err()
}

func runSecondary(ctx context.Context, conf config.Config, stores nodeStores, promreg prometheus.Registerer) error {
	client := transfer.NewClient(
		logger,
		conf.Primary.URL,
		conf.Primary.AuthToken,
		conf.Replication.FetchTimeout.Duration(),
	)
	promreg.MustRegister(client)

	locator := blob.HashedLocator{Root: conf.StorageRoot}
	strategy := blob.NewStrategy(logger, stores.registry, client, locator, conf.Backoff())

	repl := geosync.NewReplMgr(
		logger,
		conf.NodeName,
		conf.StorageName,
		stores.events,
		stores.cursors,
		stores.registry,
		strategy,
		geosync.WithBatchSize(int(conf.Replication.BatchSize)),
	)
	promreg.MustRegister(repl)

	backlog := dontpanic.NewForever(time.Second)
	backlog.Go(func() {
		if err := repl.ProcessBacklog(ctx, helper.NewTimerTicker(conf.Replication.PollInterval.Duration())); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("replication backlog processing exited")
		}
	})
	defer backlog.Cancel()
	logger.Info("background started: processing of the replication events")

	retries := dontpanic.NewForever(time.Second)
	retries.Go(func() {
		if err := repl.ProcessRetries(ctx, helper.NewTimerTicker(conf.Replication.RetrySweepInterval.Duration())); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("replication retry sweep exited")
		}
	})
	defer retries.Cancel()
	logger.Info("background started: retry sweep of failed replication records")

	<-ctx.Done()
	return ctx.Err()
}

func servePrometheus(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.WithError(err).Errorf("Unable to start prometheus listener: %v", addr)
		}
	}()
}
