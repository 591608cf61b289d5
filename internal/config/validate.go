package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/user/fedlink/internal/telemetry"
)

var usbID = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)

// Validate checks the values the daemon cannot run without. All problems
// are reported together, each prefixed with its key.
func Validate(cfg *Config) error {
	var errs []error
	bad := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: "+format, append([]any{key}, args...)...))
	}
	positive := func(key string, n int) {
		if n <= 0 {
			bad(key, "must be positive, got %d", n)
		}
	}
	nonNegative := func(key string, n int) {
		if n < 0 {
			bad(key, "must not be negative, got %d", n)
		}
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		bad("log_level", "want debug, info, warn or error, got %q", cfg.LogLevel)
	}
	positive("queue_size", cfg.QueueSize)
	positive("reconcile_interval", cfg.ReconcileInterval)

	if !usbID.MatchString(cfg.Serial.VID) {
		bad("serial.vid", "%q is not a 4-digit hex id", cfg.Serial.VID)
	}
	if !usbID.MatchString(cfg.Serial.PID) {
		bad("serial.pid", "%q is not a 4-digit hex id", cfg.Serial.PID)
	}
	positive("serial.baud", cfg.Serial.Baud)
	positive("serial.read_timeout_ms", cfg.Serial.ReadTimeoutMS)
	positive("serial.connect_attempts", cfg.Serial.ConnectAttempts)
	nonNegative("serial.settle_ms", cfg.Serial.SettleMS)
	nonNegative("serial.connect_delay_ms", cfg.Serial.ConnectDelayMS)

	positive("flush.interval", cfg.Flush.Interval)
	positive("flush.max_attempts", cfg.Flush.MaxAttempts)
	positive("flush.max_concurrent", cfg.Flush.MaxConcurrent)
	positive("flush.final_timeout_s", cfg.Flush.FinalTimeoutS)
	nonNegative("flush.initial_delay_ms", cfg.Flush.InitialDelayMS)

	positive("recording.idle_timeout_s", cfg.Recording.IdleTimeoutS)
	if cfg.Recording.ExtendedIdleTimeoutS < cfg.Recording.IdleTimeoutS {
		bad("recording.extended_idle_timeout_s", "must be at least recording.idle_timeout_s (%d), got %d",
			cfg.Recording.IdleTimeoutS, cfg.Recording.ExtendedIdleTimeoutS)
	}
	positive("recording.poll_ms", cfg.Recording.PollMS)
	if cfg.Recording.FPS <= 0 {
		bad("recording.fps", "must be positive, got %g", cfg.Recording.FPS)
	}
	if len(cfg.Recording.Codec) != 4 {
		bad("recording.codec", "want a four-character code, got %q", cfg.Recording.Codec)
	}
	if _, err := telemetry.ParseTrigger(cfg.Recording.Trigger); err != nil {
		bad("recording.trigger", "%v (want Pellet, Left, Right or All)", err)
	}

	positive("gpio.pulse_ms", cfg.GPIO.PulseMS)

	if cfg.HTTP.Enabled {
		if _, _, err := net.SplitHostPort(cfg.HTTP.Listen); err != nil {
			bad("http.listen", "%q is not host:port", cfg.HTTP.Listen)
		}
	}
	return errors.Join(errs...)
}
