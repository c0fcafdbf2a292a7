package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"landlot/api"
	"landlot/auction"
	"landlot/build"
	"landlot/debug"
	"landlot/store"
	"landlot/store/memstore"
	"landlot/store/pgstore"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v3"
)

const program = "auctiond"

func main() {
	err := runMain(context.Background(), os.Args[1:])
	switch {
	case err == nil:
		os.Exit(0)
	case errors.Is(err, flag.ErrHelp):
		os.Exit(0)
	case isSignalError(err):
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	var (
		apiAddr              = fs.String("api-addr", ":4420", "public API HTTP server address")
		debugAddr            = fs.String("debug-addr", ":4421", "private debug HTTP server address")
		storeConnStr         = fs.String("store-conn-str", "mem://store", "store connection string")
		sweepInterval        = fs.Duration("sweep-interval", time.Minute, "how often to close expired auctions")
		storeMetricsInterval = fs.Duration("store-metrics-interval", 10*time.Second, "how often to update store metrics")
		version              = fs.Bool("version", false, "print version information and exit")
		logLevel             = fs.String("log-level", "info", "debug, info, warn, error")
		_                    = fs.String("config", "", "config file")
	)
	if err := ff.Parse(fs, args,
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("AUCTIOND"),
	); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	if *version {
		fmt.Fprintf(os.Stdout, "%s version %s date %s\n", program, build.Version, build.Date)
		return nil
	}

	var logger log.Logger
	{
		logger = log.NewLogfmtLogger(os.Stderr)
		logger = level.NewFilter(logger, level.Allow(level.ParseDefault(*logLevel, level.InfoValue())))
	}

	level.Info(logger).Log("program", program, "build_version", build.Version, "build_date", build.Date)

	var st store.Store
	{
		switch {
		case strings.HasPrefix(*storeConnStr, "postgres"):
			level.Info(logger).Log("store", "postgres")
			s, err := pgstore.NewStore(ctx, *storeConnStr, log.With(logger, "module", "store"))
			if err != nil {
				return fmt.Errorf("create Postgres store: %w", err)
			}
			defer func() {
				level.Debug(logger).Log("msg", "closing Postgres store")
				if err := s.Close(); err != nil {
					level.Error(logger).Log("msg", "close Postgres store failed", "err", err)
				}
			}()
			st = s

		default:
			level.Warn(logger).Log("store", "in-memory")
			st = memstore.NewStore()
		}
	}

	service := auction.NewCoreService(st, log.With(logger, "module", "auction"))

	var g run.Group

	{
		logger := log.With(logger, "module", "api")
		apiHandler := api.NewHandler(service, logger)
		server := &http.Server{Handler: apiHandler, Addr: *apiAddr}
		g.Add(func() error {
			level.Info(logger).Log("api_addr", *apiAddr)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		})
	}

	{
		logger := log.With(logger, "module", "debug")
		debugHandler := debug.NewHandler()
		server := &http.Server{Handler: debugHandler, Addr: *debugAddr}
		g.Add(func() error {
			level.Info(logger).Log("debug_addr", *debugAddr)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		})
	}

	{
		logger := log.With(logger, "module", "sweep")
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Info(logger).Log("interval", *sweepInterval)
			ticker := time.NewTicker(*sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := service.CloseExpired(ctx); err != nil {
						level.Error(logger).Log("error", err)
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}, func(error) {
			cancel()
		})
	}

	{
		logger := log.With(logger, "module", "store_metrics")
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Info(logger).Log("interval", *storeMetricsInterval)
			ticker := time.NewTicker(*storeMetricsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := store.UpdateMetrics(ctx, st); err != nil {
						level.Error(logger).Log("error", err)
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))
	}

	level.Debug(logger).Log("msg", "running")

	return g.Run()
}

func isSignalError(err error) bool {
	var (
		sigErrVal run.SignalError
		sigErrPtr *run.SignalError
	)
	return errors.As(err, &sigErrVal) || errors.As(err, &sigErrPtr)
}
