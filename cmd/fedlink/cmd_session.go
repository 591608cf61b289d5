package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/fedlink/internal/config"
	"github.com/user/fedlink/internal/session"
	"github.com/user/fedlink/internal/state"
	"github.com/user/fedlink/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionEventsCmd, sessionStartCmd, sessionStopCmd, sessionStatusCmd)

	sessionEventsCmd.Flags().Int("limit", 50, "number of journal entries")
	sessionStartCmd.Flags().String("experimenter", "", "experimenter name (required)")
	sessionStartCmd.Flags().String("experiment", "", "experiment name (required)")
	sessionStartCmd.Flags().String("output", "", "output directory (default from config)")
	sessionStartCmd.Flags().String("trigger", "", "recording trigger: Pellet, Left, Right or All (default from config)")
	_ = sessionStartCmd.MarkFlagRequired("experimenter")
	_ = sessionStartCmd.MarkFlagRequired("experiment")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage logging sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List past and running sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)

		list, err := sessions.List(context.Background())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tEXPERIMENTER\tEXPERIMENT\tROWS\tSTARTED")
		for _, s := range list {
			rows := 0
			for _, n := range s.Rows {
				rows += n
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				s.SessionID,
				s.Status,
				s.Experimenter,
				s.Experiment,
				rows,
				s.StartedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionEventsCmd = &cobra.Command{
	Use:   "events <id>",
	Short: "Show the message journal of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		limit, _ := cmd.Flags().GetInt("limit")
		journal := state.NewEventStore(cfg.DataDir)

		entries, err := journal.Tail(context.Background(), types.SessionID(args[0]), limit)
		if err != nil {
			return fmt.Errorf("read journal: %w", err)
		}
		for _, e := range entries {
			source := string(e.Device)
			if source == "" {
				source = string(e.Port)
			}
			if source == "" {
				source = "system"
			}
			fmt.Printf("%s [%s] %s\n", e.At.Format("2006-01-02 15:04:05"), source, e.Text)
		}
		return nil
	},
}

var sessionStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session on the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		p := session.Params{}
		p.Experimenter, _ = cmd.Flags().GetString("experimenter")
		p.Experiment, _ = cmd.Flags().GetString("experiment")
		p.OutputDir, _ = cmd.Flags().GetString("output")
		p.Trigger, _ = cmd.Flags().GetString("trigger")

		var info types.SessionIndex
		if err := callDaemon(cfg, http.MethodPost, "/api/session/start", p, &info); err != nil {
			return err
		}
		fmt.Printf("Session %s started.\nOutput: %s\n", info.SessionID, info.Folder)
		return nil
	},
}

var sessionStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		var info types.SessionIndex
		if err := callDaemon(cfg, http.MethodPost, "/api/session/stop", nil, &info); err != nil {
			return err
		}
		printStopSummary(&info)
		return nil
	},
}

func printStopSummary(info *types.SessionIndex) {
	fmt.Printf("Session %s stopped.\n", info.SessionID)
	ids := make([]string, 0, len(info.Files))
	for id := range info.Files {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("  device %s: %d rows -> %s\n", id, info.Rows[types.DeviceID(id)], info.Files[types.DeviceID(id)])
	}
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's session state and devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		var snap session.Snapshot
		if err := callDaemon(cfg, http.MethodGet, "/api/session", nil, &snap); err != nil {
			return err
		}
		var devices []types.Device
		if err := callDaemon(cfg, http.MethodGet, "/api/devices", nil, &devices); err != nil {
			return err
		}

		fmt.Printf("State: %s\n", snap.State)
		if s := snap.Session; s != nil {
			fmt.Printf("Session: %s (%s / %s)\n", s.SessionID, s.Experimenter, s.Experiment)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE\tPORT\tSTATUS\tCAPTURE\tRECORDING")
		for _, d := range devices {
			capture := "-"
			if d.CaptureIndex != nil {
				capture = fmt.Sprint(*d.CaptureIndex)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", d.ID, d.Port, d.Status, capture, d.Recording)
		}
		return w.Flush()
	},
}

// callDaemon sends a JSON request to the daemon's control API.
func callDaemon(cfg *config.Config, method, path string, body, out any) error {
	if !cfg.HTTP.Enabled {
		return fmt.Errorf("control API is disabled (http.enabled = false)")
	}
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequest(method, "http://"+cfg.HTTP.Listen+path, &payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: cfg.FinalFlushTimeout() + 30*time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("daemon: %s", strings.TrimSpace(e.Error))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
