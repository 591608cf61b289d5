package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/fedlink/internal/config"
	"github.com/user/fedlink/internal/link"
	"github.com/user/fedlink/internal/types"
)

func init() {
	rootCmd.AddCommand(portsCmd, deviceCmd)
	deviceCmd.AddCommand(deviceSyncTimeCmd, deviceSetModeCmd)
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List attached feeding devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ports, err := link.ListPorts(cfg.Serial.VID, cfg.Serial.PID)
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Printf("No devices found (VID %s, PID %s).\n", cfg.Serial.VID, cfg.Serial.PID)
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PORT")
		for _, p := range ports {
			fmt.Fprintln(w, p)
		}
		return w.Flush()
	},
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Send commands to a device",
}

type deviceRequest struct {
	Command string `json:"command"`
	Mode    *int   `json:"mode,omitempty"`
}

// sendDeviceCommand routes req through the daemon when it is running,
// since the daemon holds every device port. Otherwise target must be a
// port and direct opens it.
func sendDeviceCommand(target string, req deviceRequest, direct func(ctx context.Context, l types.Link) error) error {
	cfg := loadConfig()
	if _, err := readPID(cfg); err == nil {
		id, err := resolveDevice(cfg, target)
		if err != nil {
			return err
		}
		return callDaemon(cfg, http.MethodPost, "/api/devices/"+url.PathEscape(id)+"/command", req, nil)
	} else if !errors.Is(err, errNoDaemon) {
		return err
	}

	l, err := link.Open(types.Port(target), cfg.Serial.Baud, cfg.ReadTimeout())
	if err != nil {
		return err
	}
	defer l.Close()
	return direct(context.Background(), l)
}

// resolveDevice maps a port path to the id of the device bound to it.
// Anything that is not a known port is taken as a device id.
func resolveDevice(cfg *config.Config, target string) (string, error) {
	var devices []types.Device
	if err := callDaemon(cfg, http.MethodGet, "/api/devices", nil, &devices); err != nil {
		return "", err
	}
	for _, d := range devices {
		if string(d.Port) == target {
			return string(d.ID), nil
		}
	}
	return target, nil
}

var deviceSyncTimeCmd = &cobra.Command{
	Use:   "sync-time <device-id|port>",
	Short: "Set the device clock to the local time",
	Long: `Set the device clock. While the daemon runs the command goes through its
control API, also during a session. Otherwise the port is opened directly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		err := sendDeviceCommand(args[0], deviceRequest{Command: "sync-time"}, func(ctx context.Context, l types.Link) error {
			return link.SyncTime(ctx, l, time.Now())
		})
		if err != nil {
			return err
		}
		fmt.Printf("Clock set on %s.\n", args[0])
		return nil
	},
}

var deviceSetModeCmd = &cobra.Command{
	Use:   "set-mode <device-id|port> <mode>",
	Short: "Switch the device to another session mode",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := strconv.Atoi(args[1])
		if err != nil || mode < 0 {
			return fmt.Errorf("invalid mode %q", args[1])
		}
		err = sendDeviceCommand(args[0], deviceRequest{Command: "set-mode", Mode: &mode}, func(ctx context.Context, l types.Link) error {
			return link.SetMode(ctx, l, mode)
		})
		if err != nil {
			return err
		}
		fmt.Printf("Mode %d set on %s.\n", mode, args[0])
		return nil
	},
}
