package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/fedlink/internal/api"
	"github.com/user/fedlink/internal/bus"
	"github.com/user/fedlink/internal/capture"
	"github.com/user/fedlink/internal/config"
	"github.com/user/fedlink/internal/delivery"
	"github.com/user/fedlink/internal/flush"
	"github.com/user/fedlink/internal/link"
	"github.com/user/fedlink/internal/pulse"
	"github.com/user/fedlink/internal/registry"
	"github.com/user/fedlink/internal/scheduler"
	"github.com/user/fedlink/internal/session"
	"github.com/user/fedlink/internal/sheets"
	"github.com/user/fedlink/internal/state"
	"github.com/user/fedlink/internal/supervisor"
	"github.com/user/fedlink/internal/telegram"
	"github.com/user/fedlink/internal/types"
)

const presentTick = 100 * time.Millisecond

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fedlink daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func sessionOptions(cfg *config.Config) session.Options {
	opts := session.DefaultOptions()
	opts.FlushInterval = cfg.FlushInterval()
	opts.FinalFlushTimeout = cfg.FinalFlushTimeout()
	opts.MaxConcurrent = int64(cfg.Flush.MaxConcurrent)
	opts.Retry = flush.RetryPolicy{
		MaxAttempts:  cfg.Flush.MaxAttempts,
		InitialDelay: cfg.FlushDelay(),
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		Retryable:    sheets.IsRateLimited,
	}
	opts.IdleTimeout = cfg.IdleTimeout()
	opts.ExtendedIdleTimeout = cfg.ExtendedIdle()
	opts.Poll = cfg.Poll()
	opts.ConnectAttempts = cfg.Serial.ConnectAttempts
	opts.ConnectDelay = cfg.ConnectDelay()
	return opts
}

func openSheet(ctx context.Context, credentials, spreadsheetID string) (flush.Sink, error) {
	return sheets.New(ctx, spreadsheetID, sheets.CredentialOptions(credentials)...)
}

func openPulse(cfg *config.Config) pulse.Notifier {
	if !cfg.GPIO.Enabled {
		return pulse.Nop{}
	}
	pins := make(map[types.DeviceID]pulse.Pins, len(cfg.GPIO.Devices))
	for id, p := range cfg.GPIO.Devices {
		pins[types.DeviceID(id)] = pulse.Pins{Left: p.Left, Right: p.Right, Pellet: p.Pellet}
	}
	g, err := pulse.OpenGPIO(pins, cfg.PulseWidth())
	if err != nil {
		slog.Warn("pulse output disabled", "error", err)
		return pulse.Nop{}
	}
	slog.Info("pulse output enabled", "devices", len(pins))
	return g
}

// journalHandler appends every presented message to the active session's
// journal.
func journalHandler(journal types.Journal, ctrl *session.Controller) delivery.Handler {
	return func(msg types.Message) error {
		id := ctrl.SessionID()
		if id == "" {
			return nil
		}
		return journal.Append(context.Background(), &types.JournalEntry{SessionID: id, Message: msg})
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config (see fedlink config check): %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Stores
	sessions := state.NewSessionStore(cfg.DataDir)
	journal := state.NewEventStore(cfg.DataDir)

	b := bus.New(cfg.QueueSize)
	reg := registry.New(b)
	opener := link.Opener(cfg.Serial.Baud, cfg.ReadTimeout())
	sched := scheduler.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := openPulse(cfg)
	ctrl := session.NewController(ctx, session.Deps{
		Registry:  reg,
		Bus:       b,
		Opener:    opener,
		Scheduler: sched,
		Store:     sessions,
		Sinks:     openSheet,
		Cameras: func(index int) (session.Camera, error) {
			return capture.Open(index, cfg.Recording.FPS, cfg.Recording.Codec)
		},
		Pulse: notifier,
	}, sessionOptions(cfg))

	sup := supervisor.New(func() ([]types.Port, error) {
		return link.ListPorts(cfg.Serial.VID, cfg.Serial.PID)
	}, opener, reg, b, ctrl, cfg.Settle())

	// Presentation
	deliveryReg := delivery.NewRegistry()
	deliveryReg.Register("", delivery.Console(os.Stdout))
	deliveryReg.Register("", journalHandler(journal, ctrl))

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.ChatID, func() (session.Snapshot, []types.Device) {
			return ctrl.Status(), reg.Devices()
		})
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		deliveryReg.Register("", adapter.AlertHandler())
		slog.Info("telegram adapter started", "chat_id", cfg.Telegram.ChatID)
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	loopDone := make(chan struct{})
	go func() {
		bus.Loop(ctx, b, presentTick, deliveryReg)
		close(loopDone)
	}()

	// Port discovery
	sup.Reconcile(ctx)
	if err := sched.Every("reconcile", cfg.Reconcile(), func() { sup.Reconcile(ctx) }); err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	sched.Start()
	slog.Info("scheduler started", "jobs", sched.Jobs())

	// Control API
	if cfg.HTTP.Enabled {
		apiSrv := api.NewServer(ctrl, reg.Devices, sup.Ports, sessions, journal, session.Params{
			OutputDir:     cfg.OutputDir,
			Credentials:   cfg.Sheets.CredentialsFile,
			SpreadsheetID: cfg.Sheets.SpreadsheetID,
			Trigger:       cfg.Recording.Trigger,
		})
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: apiSrv,
		}
		go func() {
			slog.Info("api server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("api server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	slog.Info("fedlink started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"vid", cfg.Serial.VID,
		"pid", cfg.Serial.PID,
		"pid_file", pidPath,
	)

	shutdown := func() {
		if ctrl.Status().State == session.StateActive {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.FinalFlushTimeout()+10*time.Second)
			if _, err := ctrl.Stop(stopCtx); err != nil {
				slog.Error("stop session on shutdown", "error", err)
			}
			stopCancel()
		}
		sched.Stop()
		sup.Stop()
		cancel()
		<-loopDone
		if g, ok := notifier.(*pulse.GPIO); ok {
			g.Wait()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			if ctrl.Status().State != session.StateIdle {
				slog.Warn("restart refused while a session is running")
				continue
			}
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			shutdown()
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				return err
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		shutdown()
		return nil
	}
}
