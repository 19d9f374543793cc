package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/redact"
	"github.com/harunnryd/scribe/pkg/runner"
	"github.com/harunnryd/scribe/pkg/session"
	"github.com/harunnryd/scribe/pkg/transcript"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scribe:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env", ".env", "dotenv file loaded before the config")
	outPath := flag.String("out", "", "write the final transcript snapshot as JSON to this file")
	drain := flag.Duration("drain", 30*time.Second, "how long to wait for pending transcriptions on stop")
	dialTo := flag.String("dial_to", "", "twilio: number to call and transcribe")
	dialFrom := flag.String("dial_from", "", "twilio: caller ID for the outbound call")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}
	cfg, err := session.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dialTo != "" {
		if cfg.Capture.Settings == nil {
			cfg.Capture.Settings = map[string]any{}
		}
		cfg.Capture.Settings["dial_to"] = *dialTo
		if *dialFrom != "" {
			cfg.Capture.Settings["dial_from"] = *dialFrom
		}
	}

	logger := logging.NewLogger(os.Stderr, logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(logger)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	obs := session.NewObservability(cfg, logger)
	defer func() {
		if err := obs.Close(); err != nil {
			logger.Warn("observability_close_failed", slog.String("error", err.Error()))
		}
	}()
	metricsSrv := serveMetrics(cfg.Observability.MetricsAddr, obs, logger)

	sess, err := session.Build(cfg, session.DefaultRegistry(), logger, obs.Observer)
	if err != nil {
		return err
	}
	logger.Info("scribe_init",
		slog.String("environment", cfg.Environment),
		slog.String("session_id", sess.ID),
		slog.String("capture", cfg.Capture.Provider),
		slog.String("transcription", cfg.Transcription.Provider),
		slog.Bool("recognition", cfg.Recognition.Enabled),
	)

	events, unsubscribe := sess.Store().Subscribe(256)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(events)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	lc := runner.NewLifecycleRunner(sess, runner.Hooks{
		OnStart: func() { logger.Info("scribe_running", slog.String("session_id", sess.ID)) },
		OnStop:  func() { logger.Info("scribe_stopped", slog.String("session_id", sess.ID)) },
	}, *drain)
	runErr := lc.Run(ctx)

	unsubscribe()
	<-printed
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if *outPath != "" {
		if err := writeSnapshot(*outPath, sess.Store().Snapshot()); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

func serveMetrics(addr string, obs *session.Observability, logger *slog.Logger) *http.Server {
	h := obs.MetricsHandler()
	if addr == "" || h == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics_server_started", slog.String("addr", addr))
	return srv
}

// printEvents writes committed text to stdout as it arrives, one line per
// event, prefixed with the channel it belongs to.
func printEvents(events <-chan transcript.Event) {
	for ev := range events {
		switch ev.Kind {
		case transcript.EventFinal, transcript.EventResult:
			if ev.Text != "" {
				fmt.Fprintf(os.Stdout, "[%s] %s\n", ev.Channel, ev.Text)
			}
		case transcript.EventError:
			if ev.Err != nil {
				fmt.Fprintf(os.Stdout, "[%s] error: %v\n", ev.Channel, ev.Err)
			}
		}
	}
}

func writeSnapshot(path string, snap transcript.Snapshot) error {
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
