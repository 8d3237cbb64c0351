// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/dicom-gateway/internal/admin"
	"github.com/flyingrobots/dicom-gateway/internal/catalog"
	"github.com/flyingrobots/dicom-gateway/internal/config"
	"github.com/flyingrobots/dicom-gateway/internal/forwarder"
	"github.com/flyingrobots/dicom-gateway/internal/jobqueue"
	"github.com/flyingrobots/dicom-gateway/internal/obs"
	"github.com/flyingrobots/dicom-gateway/internal/objectstore"
	"github.com/flyingrobots/dicom-gateway/internal/receiver"
	"github.com/flyingrobots/dicom-gateway/internal/supervisor"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var jobIDs string
	var studyUID string
	var destIDs string
	var dlqLimit int
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: receiver|forwarder|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|dead-letter|retry|retry-all|cancel|replay")
	fs.StringVar(&jobIDs, "job-ids", "", "Comma-separated ForwardJob IDs for retry/cancel")
	fs.StringVar(&studyUID, "study", "", "StudyInstanceUID for replay")
	fs.StringVar(&destIDs, "destinations", "", "Comma-separated destination IDs for replay (default: all enabled)")
	fs.IntVar(&dlqLimit, "limit", 100, "Max rows for admin dead-letter listing")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = obs.TracerShutdown(context.Background(), tp) }()
	}

	db, err := catalog.Open(cfg)
	if err != nil {
		logger.Fatal("failed to open catalog database", obs.Err(err))
	}
	defer db.Close()
	if err := catalog.Migrate(context.Background(), db); err != nil {
		logger.Fatal("failed to apply catalog migrations", obs.Err(err))
	}

	cat := catalog.New(db, logger)
	store := objectstore.New(cfg.ObjectStore.DataRoot, logger)
	q := jobqueue.New(db, cfg, logger)

	if role != "admin" {
		readyCheck := func(c context.Context) error {
			return db.PingContext(c)
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.Supervisor.DrainDeadline):
			logger.Warn("drain deadline exceeded, exiting")
			os.Exit(1)
		}
	}()

	switch role {
	case "receiver":
		recv := receiver.New(cfg, store, cat, logger)
		sup := supervisor.New(cfg, q, store, logger)
		go sup.Run(ctx)
		if err := recv.Run(ctx); err != nil {
			logger.Fatal("receiver error", obs.Err(err))
		}
	case "forwarder":
		wakeups, stop, err := q.Wakeups(cfg.Catalog.DSN)
		if err != nil {
			logger.Fatal("failed to open job queue listener", obs.Err(err))
		}
		defer stop()
		fwd := forwarder.New(cfg, q, cat, store, logger, wakeups)
		if err := fwd.Run(ctx); err != nil {
			logger.Fatal("forwarder error", obs.Err(err))
		}
	case "all":
		wakeups, stop, err := q.Wakeups(cfg.Catalog.DSN)
		if err != nil {
			logger.Fatal("failed to open job queue listener", obs.Err(err))
		}
		defer stop()

		recv := receiver.New(cfg, store, cat, logger)
		fwd := forwarder.New(cfg, q, cat, store, logger, wakeups)
		sup := supervisor.New(cfg, q, store, logger)
		go sup.Run(ctx)
		go func() {
			if err := fwd.Run(ctx); err != nil {
				logger.Error("forwarder error", obs.Err(err))
				cancel()
			}
		}()
		if err := recv.Run(ctx); err != nil {
			logger.Fatal("receiver error", obs.Err(err))
		}
	case "admin":
		a := admin.New(q, cat, logger)
		runAdmin(ctx, a, logger, adminCmd, jobIDs, studyUID, destIDs, dlqLimit)
		return
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runAdmin(ctx context.Context, a *admin.Admin, logger *zap.Logger, cmd, jobIDs, studyUID, destIDs string, limit int) {
	switch cmd {
	case "stats":
		res, err := a.Stats(ctx)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		printJSON(res)
	case "dead-letter":
		res, err := a.ListDeadLetter(ctx, limit)
		if err != nil {
			logger.Fatal("admin dead-letter error", obs.Err(err))
		}
		printJSON(res)
	case "retry":
		if jobIDs == "" {
			logger.Fatal("admin retry requires --job-ids")
		}
		n, err := a.Retry(ctx, splitIDs(jobIDs))
		if err != nil {
			logger.Fatal("admin retry error", obs.Err(err))
		}
		printJSON(struct {
			Retried int64 `json:"retried"`
		}{n})
	case "retry-all":
		n, err := a.RetryAllDeadLetter(ctx)
		if err != nil {
			logger.Fatal("admin retry-all error", obs.Err(err))
		}
		printJSON(struct {
			Retried int64 `json:"retried"`
		}{n})
	case "cancel":
		if jobIDs == "" {
			logger.Fatal("admin cancel requires --job-ids")
		}
		n, err := a.Cancel(ctx, splitIDs(jobIDs))
		if err != nil {
			logger.Fatal("admin cancel error", obs.Err(err))
		}
		printJSON(struct {
			Canceled int64 `json:"canceled"`
		}{n})
	case "replay":
		if studyUID == "" {
			logger.Fatal("admin replay requires --study")
		}
		n, err := a.Replay(ctx, studyUID, splitIDs(destIDs))
		if err != nil {
			logger.Fatal("admin replay error", obs.Err(err))
		}
		printJSON(struct {
			JobsCreated int64 `json:"jobs_created"`
		}{n})
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
