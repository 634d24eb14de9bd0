package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mvdberg/couchsync/internal/util"
)

type Config struct {
	Server  Server  `json:"server"`
	Sync    Sync    `json:"sync"`
	Control Control `json:"control"`
	Storage Storage `json:"storage"`
}

type Server struct {
	// Base URL of the coordination server, e.g. "https://media.example.org".
	URL string `json:"url"`

	// Bearer token for authenticated requests. May be empty for servers that
	// do not require auth.
	Token string `json:"token"`

	// Stable identifier for this client instance. Generated on first run.
	DeviceID string `json:"device_id"`
}

type Sync struct {
	// Minimum drift (ms) between local position and a command's target
	// before a corrective seek is issued.
	SeekThresholdMs int `json:"seek_threshold_ms"`

	// Position tolerance (ms) of the readiness handshake: waits announced
	// within this distance count as the same wait.
	ReadyToleranceMs int `json:"ready_tolerance_ms"`

	// Upper bound (ms) on a computed command delay. Larger delays mean the
	// clock estimate is off; the command runs immediately instead.
	MaxCommandDelayMs int `json:"max_command_delay_ms"`

	// How long (seconds) a ready acknowledgement waits on the local buffer
	// before going out regardless.
	ReadyTimeoutSec int `json:"ready_timeout_seconds"`
}

type Control struct {
	// Listen address of the local control API. Empty disables it.
	HTTPAddr string `json:"http_addr"`
}

type Storage struct {
	// SQLite database for the group join history, relative to the client
	// directory. Empty disables persistence.
	DBPath string `json:"db_path"`
}

func Default() Config {
	return Config{
		Server: Server{
			URL:      "http://127.0.0.1:8096",
			DeviceID: uuid.NewString(),
		},
		Sync: Sync{
			SeekThresholdMs:   500,
			ReadyToleranceMs:  100,
			MaxCommandDelayMs: 5000,
			ReadyTimeoutSec:   10,
		},
		Control: Control{
			HTTPAddr: "127.0.0.1:8099",
		},
		Storage: Storage{
			DBPath: "data/couchsync.db",
		},
	}
}

// SeekThreshold returns the corrective-seek threshold as a duration.
func (s Sync) SeekThreshold() time.Duration {
	return time.Duration(s.SeekThresholdMs) * time.Millisecond
}

// ReadyTolerance returns the readiness position tolerance as a duration.
func (s Sync) ReadyTolerance() time.Duration {
	return time.Duration(s.ReadyToleranceMs) * time.Millisecond
}

// MaxCommandDelay returns the scheduling sanity bound as a duration.
func (s Sync) MaxCommandDelay() time.Duration {
	return time.Duration(s.MaxCommandDelayMs) * time.Millisecond
}

// ReadyTimeout returns the bounded readiness wait as a duration.
func (s Sync) ReadyTimeout() time.Duration {
	return time.Duration(s.ReadyTimeoutSec) * time.Second
}

func (c *Config) Validate() error {
	// Server
	raw := strings.TrimSpace(c.Server.URL)
	if raw == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("server.url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("server.url scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("server.url is missing a host")
	}
	if strings.TrimSpace(c.Server.DeviceID) == "" {
		return errors.New("server.device_id is required")
	}

	// Sync tunables
	if c.Sync.SeekThresholdMs < 0 || c.Sync.SeekThresholdMs > 10000 {
		return errors.New("sync.seek_threshold_ms must be 0..10000")
	}
	if c.Sync.ReadyToleranceMs <= 0 || c.Sync.ReadyToleranceMs > 5000 {
		return errors.New("sync.ready_tolerance_ms must be 1..5000")
	}
	if c.Sync.MaxCommandDelayMs < 100 || c.Sync.MaxCommandDelayMs > 60000 {
		return errors.New("sync.max_command_delay_ms must be 100..60000")
	}
	if c.Sync.ReadyTimeoutSec < 1 || c.Sync.ReadyTimeoutSec > 120 {
		return errors.New("sync.ready_timeout_seconds must be 1..120")
	}

	// Control
	if a := strings.TrimSpace(c.Control.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("control.http_addr: %v", err)
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
