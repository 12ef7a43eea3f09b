package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vigil-run/vigil/internal/alerting"
	"github.com/vigil-run/vigil/internal/config"
	"github.com/vigil-run/vigil/internal/dispatch"
	"github.com/vigil-run/vigil/internal/events"
	"github.com/vigil-run/vigil/internal/objectstore"
	"github.com/vigil-run/vigil/internal/reports"
	"github.com/vigil-run/vigil/internal/store"
	"github.com/vigil-run/vigil/internal/transport"
)

func main() {
	os.Exit(runCLI(os.Args[1:], os.Stdout, os.Stderr))
}

type commandContext struct {
	stdout io.Writer
	stderr io.Writer
}

func smtpConfig(cfg config.Config) transport.SMTPConfig {
	return transport.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		User:     cfg.SMTP.User,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}
}

func sendAlerts(ctx commandContext, numWorkers int, pool bool) int {
	cfg := config.Load()
	initLogger(cfg.LogLevel)
	if numWorkers <= 0 {
		numWorkers = cfg.NumWorkers
	}

	st, err := store.New(cfg.DBName, store.Options{Pool: pool})
	if err != nil {
		slog.Error("store init failed", "db", cfg.DBName, "err", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	hub := events.NewHub()
	dispatcher := dispatch.New(st, dispatch.Options{
		Workers: numWorkers,
		Env: transport.Env{
			Store:    st,
			SiteRoot: cfg.SiteRoot,
			SMTP:     smtpConfig(cfg),
		},
		Hub: hub,
	})
	service := alerting.New(st, alerting.Options{Dispatcher: dispatcher})

	eventCh, unsubscribe := hub.Subscribe(64)
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		for event := range eventCh {
			renderEvent(ctx.stdout, event)
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(runCtx)
	slog.Info("sendalerts started", "db", cfg.DBName, "workers", numWorkers, "pool", pool)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownCh
	slog.Info("shutting down...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	service.Stop(stopCtx)
	stopCancel()
	unsubscribe()
	<-renderDone
	slog.Info("sendalerts stopped")
	return 0
}

func sendReports(ctx commandContext, loop bool, to string) int {
	cfg := config.Load()
	initLogger(cfg.LogLevel)

	recipients := splitRecipients(to)
	if len(recipients) == 0 {
		writeln(ctx.stderr, "at least one recipient is required (--to)")
		return 2
	}

	st, err := store.New(cfg.DBName, store.Options{})
	if err != nil {
		slog.Error("store init failed", "db", cfg.DBName, "err", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	service := reports.New(st, reports.Options{
		SiteRoot: cfg.SiteRoot,
		SMTP:     smtpConfig(cfg),
		To:       recipients,
	})

	if !loop {
		if err := service.SendOnce(context.Background()); err != nil {
			slog.Error("report failed", "err", err)
			return 1
		}
		return 0
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(runCtx)
	slog.Info("sendreports started", "to", strings.Join(recipients, ","))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownCh
	slog.Info("shutting down...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	service.Stop(stopCtx)
	stopCancel()
	slog.Info("sendreports stopped")
	return 0
}

func splitRecipients(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// prune removes expired flips and trims each check's ping history, deleting
// offloaded bodies from object storage when it is configured.
func prune(ctx commandContext, keepPings int64) int {
	cfg := config.Load()
	initLogger(cfg.LogLevel)

	st, err := store.New(cfg.DBName, store.Options{})
	if err != nil {
		slog.Error("store init failed", "db", cfg.DBName, "err", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	runCtx := context.Background()
	s3cfg := objectstore.Config{
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		Bucket:    cfg.S3.Bucket,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
	}
	var blobs *objectstore.S3
	if s3cfg.Enabled() {
		if blobs, err = objectstore.New(runCtx, s3cfg); err != nil {
			slog.Error("object storage init failed", "err", err)
			return 1
		}
	}

	flips, err := st.PruneFlips(runCtx, time.Now())
	if err != nil {
		slog.Error("flip prune failed", "err", err)
		return 1
	}

	checks, err := st.ListChecks(runCtx)
	if err != nil {
		slog.Error("list checks failed", "err", err)
		return 1
	}
	var pings, objects int
	failed := false
	for i := range checks {
		offloaded, err := st.PrunePings(runCtx, checks[i].ID, keepPings)
		if err != nil {
			slog.Error("ping prune failed", "check", checks[i].Code, "err", err)
			failed = true
			continue
		}
		pings += len(offloaded)
		if len(offloaded) > 0 && blobs != nil {
			if err := blobs.Remove(runCtx, checks[i].Code, offloaded); err != nil {
				slog.Error("object prune failed", "check", checks[i].Code, "err", err)
				failed = true
				continue
			}
			objects += len(offloaded)
		}
	}

	writef(ctx.stdout, "pruned %d flips, %d offloaded pings, %d objects\n", flips, pings, objects)
	if failed {
		return 1
	}
	return 0
}

func initLogger(level string) {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}
