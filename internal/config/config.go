package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Pins names the GPIO lines wired to one device's TTL inputs.
type Pins struct {
	Left   string `json:"left"`
	Right  string `json:"right"`
	Pellet string `json:"pellet"`
}

type Config struct {
	DataDir           string `json:"data_dir"`
	OutputDir         string `json:"output_dir"`
	LogLevel          string `json:"log_level"`
	QueueSize         int    `json:"queue_size"`
	ReconcileInterval int    `json:"reconcile_interval"`
	Serial            struct {
		Baud            int    `json:"baud"`
		ReadTimeoutMS   int    `json:"read_timeout_ms"`
		VID             string `json:"vid"`
		PID             string `json:"pid"`
		SettleMS        int    `json:"settle_ms"`
		ConnectAttempts int    `json:"connect_attempts"`
		ConnectDelayMS  int    `json:"connect_delay_ms"`
	} `json:"serial"`
	Flush struct {
		Interval       int `json:"interval"`
		MaxAttempts    int `json:"max_attempts"`
		InitialDelayMS int `json:"initial_delay_ms"`
		MaxConcurrent  int `json:"max_concurrent"`
		FinalTimeoutS  int `json:"final_timeout_s"`
	} `json:"flush"`
	Recording struct {
		IdleTimeoutS         int     `json:"idle_timeout_s"`
		ExtendedIdleTimeoutS int     `json:"extended_idle_timeout_s"`
		PollMS               int     `json:"poll_ms"`
		FPS                  float64 `json:"fps"`
		Codec                string  `json:"codec"`
		Trigger              string  `json:"trigger"`
	} `json:"recording"`
	Sheets struct {
		CredentialsFile string `json:"credentials_file"`
		SpreadsheetID   string `json:"spreadsheet_id"`
	} `json:"sheets"`
	GPIO struct {
		Enabled bool            `json:"enabled"`
		PulseMS int             `json:"pulse_ms"`
		Devices map[string]Pins `json:"devices,omitempty"`
	} `json:"gpio"`
	Telegram struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
}

// Defaults returns the configuration written on first run.
func Defaults() *Config {
	home := os.Getenv("HOME")
	cfg := &Config{
		DataDir:           filepath.Join(home, ".fedlink"),
		OutputDir:         filepath.Join(home, "fedlink-data"),
		LogLevel:          "info",
		QueueSize:         256,
		ReconcileInterval: 5,
	}
	cfg.Serial.Baud = 115200
	cfg.Serial.ReadTimeoutMS = 100
	cfg.Serial.VID = "239A"
	cfg.Serial.PID = "800B"
	cfg.Serial.SettleMS = 1000
	cfg.Serial.ConnectAttempts = 5
	cfg.Serial.ConnectDelayMS = 2000
	cfg.Flush.Interval = 5
	cfg.Flush.MaxAttempts = 3
	cfg.Flush.InitialDelayMS = 1000
	cfg.Flush.MaxConcurrent = 4
	cfg.Flush.FinalTimeoutS = 30
	cfg.Recording.IdleTimeoutS = 30
	cfg.Recording.ExtendedIdleTimeoutS = 60
	cfg.Recording.PollMS = 50
	cfg.Recording.FPS = 20
	cfg.Recording.Codec = "MJPG"
	cfg.Recording.Trigger = "Pellet"
	cfg.GPIO.PulseMS = 100
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:8484"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if creds := os.Getenv("FEDLINK_CREDENTIALS"); creds != "" {
		cfg.Sheets.CredentialsFile = creds
	}
	if id := os.Getenv("FEDLINK_SPREADSHEET_ID"); id != "" {
		cfg.Sheets.SpreadsheetID = id
	}
	if tgToken := os.Getenv("FEDLINK_TELEGRAM_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}
	if chat := os.Getenv("FEDLINK_TELEGRAM_CHAT_ID"); chat != "" {
		if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}

	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues returns cfg as dot-separated keys, optionally masking secrets.
func ListValues(cfg *Config, masked bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := leaves(m)
	if masked {
		for k, v := range flat {
			if IsSecretKey(k) {
				flat[k] = mask(v)
			}
		}
	}
	return flat, nil
}

// GetValue loads the config at path and returns the value at key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	if v, ok := flat[key]; ok {
		return v, nil
	}
	// Keys outside the struct live only in the file.
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := leaves(raw)[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue sets key in the config file at path. The value is parsed as
// JSON when possible (numbers, booleans) and stored as a string otherwise.
// The file is left untouched when the result would not load or validate.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	setPath(raw, key, parseValue(value))

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%s: invalid value %q: %w", key, value, err)
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	return writeFile(path, append(data, '\n'))
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) ReadTimeout() time.Duration { return ms(c.Serial.ReadTimeoutMS) }
func (c *Config) Settle() time.Duration { return ms(c.Serial.SettleMS) }
func (c *Config) ConnectDelay() time.Duration { return ms(c.Serial.ConnectDelayMS) }
func (c *Config) Reconcile() time.Duration { return secs(c.ReconcileInterval) }
func (c *Config) FlushInterval() time.Duration { return secs(c.Flush.Interval) }
func (c *Config) FlushDelay() time.Duration { return ms(c.Flush.InitialDelayMS) }
func (c *Config) FinalFlushTimeout() time.Duration { return secs(c.Flush.FinalTimeoutS) }
func (c *Config) IdleTimeout() time.Duration { return secs(c.Recording.IdleTimeoutS) }
func (c *Config) ExtendedIdle() time.Duration { return secs(c.Recording.ExtendedIdleTimeoutS) }
func (c *Config) Poll() time.Duration { return ms(c.Recording.PollMS) }
func (c *Config) PulseWidth() time.Duration { return ms(c.GPIO.PulseMS) }
