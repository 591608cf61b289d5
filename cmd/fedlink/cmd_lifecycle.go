package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/fedlink/internal/config"
	"github.com/user/fedlink/internal/session"
	"github.com/user/fedlink/internal/types"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
	stopCmd.Flags().Bool("signal-only", false, "skip the session stop request and only signal the daemon")
}

var errNoDaemon = errors.New("no running daemon")

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "fedlink.pid")
}

// readPID returns the daemon's PID after checking with signal 0 that the
// process still exists.
func readPID(cfg *config.Config) (int, error) {
	data, err := os.ReadFile(pidPath(cfg.DataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w (PID file not found)", errNoDaemon)
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	if !alive(pid) {
		return 0, fmt.Errorf("%w (process %d not found)", errNoDaemon, pid)
	}
	return pid, nil
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func signalDaemon(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}
	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("send %v: %w", sig, err)
	}
	return nil
}

// sessionState asks the daemon for its session state. ok is false when
// the control API is disabled or unreachable.
func sessionState(cfg *config.Config) (session.Snapshot, bool) {
	var snap session.Snapshot
	if err := callDaemon(cfg, http.MethodGet, "/api/session", nil, &snap); err != nil {
		return snap, false
	}
	return snap, true
}

// stopSession ends an active session through the control API so the final
// flush runs before the daemon is signalled. It returns nil when no session
// was active or the API cannot be reached.
func stopSession(cfg *config.Config) (*types.SessionIndex, error) {
	snap, ok := sessionState(cfg)
	switch {
	case !ok:
		fmt.Println("Control API unreachable; the daemon will stop the session on SIGTERM.")
		return nil, nil
	case snap.State == session.StateStopping:
		fmt.Println("Session is already stopping.")
		return nil, nil
	case snap.State != session.StateActive:
		return nil, nil
	}
	var info types.SessionIndex
	if err := callDaemon(cfg, http.MethodPost, "/api/session/stop", nil, &info); err != nil {
		return nil, fmt.Errorf("stop session: %w", err)
	}
	return &info, nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running session, then the daemon",
	Long: `Stop asks the daemon to end a running session through the control API,
which finalises the spreadsheet flush and the CSV files, and then sends
SIGTERM and waits for the daemon to exit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		pid, err := readPID(cfg)
		if err != nil {
			return err
		}

		signalOnly, _ := cmd.Flags().GetBool("signal-only")
		if !signalOnly {
			info, err := stopSession(cfg)
			if err != nil {
				return err
			}
			if info != nil {
				printStopSummary(info)
			}
		}

		if err := signalDaemon(pid, syscall.SIGTERM); err != nil {
			return err
		}
		fmt.Printf("Sent SIGTERM to daemon (PID %d).\n", pid)

		deadline := time.Now().Add(cfg.FinalFlushTimeout() + 10*time.Second)
		for alive(pid) {
			if time.Now().After(deadline) {
				return fmt.Errorf("daemon (PID %d) still running after SIGTERM", pid)
			}
			time.Sleep(200 * time.Millisecond)
		}
		fmt.Println("Daemon stopped.")
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		pid, err := readPID(cfg)
		if err != nil {
			return err
		}
		if snap, ok := sessionState(cfg); ok && snap.State != session.StateIdle {
			return fmt.Errorf("session is %s; stop it before restarting", snap.State)
		}
		if err := signalDaemon(pid, syscall.SIGHUP); err != nil {
			return err
		}
		fmt.Printf("Sent SIGHUP to daemon (PID %d) for restart.\n", pid)
		return nil
	},
}
