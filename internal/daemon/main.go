package daemon

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/spf13/cobra"

	"github.com/jsherman999/livefeed/internal/api"
	"github.com/jsherman999/livefeed/internal/config"
	"github.com/jsherman999/livefeed/internal/conn"
	"github.com/jsherman999/livefeed/internal/db"
	"github.com/jsherman999/livefeed/internal/dispatch"
	"github.com/jsherman999/livefeed/internal/logger"
	"github.com/jsherman999/livefeed/internal/multiplex"
	"github.com/jsherman999/livefeed/internal/store"
	"github.com/jsherman999/livefeed/internal/versions"
	"github.com/jsherman999/livefeed/internal/waiter"
	"github.com/jsherman999/livefeed/internal/watcher"
	"github.com/jsherman999/livefeed/internal/webhook"
	"github.com/jsherman999/livefeed/internal/worker"
)

var log = loggo.GetLogger("livefeed.daemon")

func Main() {
	var (
		cfgPath string
		verbose bool
	)

	root := &cobra.Command{Use: "livefeedd", Short: "Livefeed daemon (API + update dispatch)"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "trace logging")

	root.AddCommand(migrateCmd(&cfgPath, &verbose))
	root.AddCommand(serveCmd(&cfgPath, &verbose))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func load(cfgPath string, verbose bool) (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Configure(cfg.Log.Levels); err != nil {
		return nil, err
	}
	if verbose {
		logger.Verbose(true)
	}
	return cfg, nil
}

func migrateCmd(cfgPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(*cfgPath, *verbose)
			if err != nil {
				return err
			}
			if cfg.DB.DSN == "" {
				return errors.NotValidf("migrate without db.dsn")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			dbConn, err := db.Open(ctx, cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer dbConn.Close()
			n, err := db.ApplyMigrations(ctx, dbConn)
			if err != nil {
				return err
			}
			log.Infof("applied %d migration(s)", n)
			return nil
		},
	}
}

func serveCmd(cfgPath *string, verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(*cfgPath, *verbose)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	ctx := context.Background()
	clk := clock.WallClock

	var (
		st     store.Store
		dbConn *db.DB
	)
	if cfg.DB.DSN != "" {
		var err error
		dbConn, err = db.Open(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer dbConn.Close()
		if _, err := db.ApplyMigrations(ctx, dbConn); err != nil {
			return err
		}
		st = store.NewPostgres(dbConn)
	} else {
		log.Warningf("no db.dsn configured; resources are kept in memory")
		st = store.NewMemory(clk)
	}

	vs := versions.New(versions.Options{Validity: cfg.Checkpoints.Validity, Clock: clk})
	vs.Start()
	defer vs.Stop()

	reg := waiter.New(vs, clk)
	disp := dispatch.New(reg, st, dispatch.Options{
		HintUpgradeAfter: cfg.Hints.UpgradeAfter,
		MaxValuePayload:  cfg.Dispatch.MaxValuePayload,
		Clock:            clk,
	})
	hooks := webhook.NewManager(webhook.Options{
		Sender: webhook.NewSender(webhook.SenderOptions{
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
			Timeout:        cfg.Webhook.Timeout,
			Clock:          clk,
		}),
		Store: disp.Reads(),
		Clock: clk,
	})
	disp.SetHooks(hooks)
	conns := conn.NewHub(clk, cfg.Socket.Outbox)

	h := api.New(api.Deps{
		Config:     cfg,
		Store:      st,
		Dispatcher: disp,
		Aggregator: multiplex.New(reg, clk),
		Webhooks:   hooks,
		Conns:      conns,
		Clock:      clk,
	})
	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// writes made by other processes reach waiters through LISTEN/NOTIFY
	if cfg.Watcher.Enabled && dbConn != nil {
		go func() {
			w := watcher.New(dbConn, st, disp, watcher.Options{DedupeWindow: cfg.Watcher.DedupeWindow, Clock: clk})
			w.Run(bgCtx)
		}()
	}

	if cfg.Worker.PruneInterval > 0 {
		go func() {
			pw := worker.NewPruneWorker(st, clk, cfg.Worker.PruneInterval, cfg.Checkpoints.Validity)
			pw.Run(bgCtx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("livefeedd listening on %s", cfg.API.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serveErr:
		return errors.Annotate(err, "listen")
	}
	log.Infof("shutting down")

	// Held long-polls and streams only end once their connections close.
	n := conns.CloseAll()
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		return errors.Annotate(err, "shutdown")
	}
	bgCancel()
	hooks.Close()
	log.Infof("closed %d connection(s)", n)
	return nil
}
