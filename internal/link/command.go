package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/fedlink/internal/types"
)

var (
	ErrCommandFailed = errors.New("device rejected command")
	ErrNoReply       = errors.New("no confirmation from device")
)

// Command is one line sent to a device and the replies that settle it.
type Command struct {
	Name    string
	Payload string
	OK      string
	Fail    string
	Wait    time.Duration
}

// SyncTimeCommand sets the device clock to now. Devices answer TIME_SET_OK
// or TIME_SET_FAIL; some firmware answers nothing.
func SyncTimeCommand(now time.Time) Command {
	return Command{
		Name: "sync-time",
		Payload: fmt.Sprintf("SET_TIME:%d,%d,%d,%d,%d,%d\n",
			now.Year(), int(now.Month()), now.Day(), now.Hour(), now.Minute(), now.Second()),
		OK:   "TIME_SET_OK",
		Fail: "TIME_SET_FAIL",
		Wait: 2 * time.Second,
	}
}

// SetModeCommand switches the device's session mode. The device restarts
// after answering MODE_SET_OK, which drops its link.
func SetModeCommand(mode int) Command {
	return Command{
		Name:    "set-mode",
		Payload: fmt.Sprintf("SET_MODE:%d\n", mode),
		OK:      "MODE_SET_OK",
		Fail:    "MODE_SET_FAIL",
		Wait:    3 * time.Second,
	}
}

// Settle reports whether reply answers the command, and with what result.
func (c Command) Settle(reply string) (bool, error) {
	switch reply {
	case c.OK:
		return true, nil
	case c.Fail:
		return true, fmt.Errorf("%s: %w", c.Name, ErrCommandFailed)
	}
	return false, nil
}

// SyncTime runs SyncTimeCommand on a link the caller reads itself.
func SyncTime(ctx context.Context, l types.Link, now time.Time) error {
	return Exec(ctx, l, SyncTimeCommand(now))
}

// SetMode runs SetModeCommand on a link the caller reads itself.
func SetMode(ctx context.Context, l types.Link, mode int) error {
	return Exec(ctx, l, SetModeCommand(mode))
}

// Exec writes cmd and reads l until the reply arrives or cmd.Wait elapses.
// Only for links no reader owns; telemetry read meanwhile is discarded.
func Exec(ctx context.Context, l types.Link, cmd Command) error {
	if _, err := l.Write([]byte(cmd.Payload)); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Name, err)
	}
	deadline := time.Now().Add(cmd.Wait)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := l.ReadLine()
		if err != nil {
			return err
		}
		if done, err := cmd.Settle(line); done {
			return err
		}
	}
	return fmt.Errorf("%s: %w", cmd.Name, ErrNoReply)
}

// IsReply reports whether a line is a command acknowledgement rather than
// telemetry.
func IsReply(line string) bool {
	switch line {
	case "TIME_SET_OK", "TIME_SET_FAIL", "MODE_SET_OK", "MODE_SET_FAIL":
		return true
	}
	return false
}
