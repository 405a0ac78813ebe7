// Package config loads the optional on-disk server configuration file.
// Process-level wiring (listen addresses, database path) stays on flags
// in main.go; this package covers the larger, rarely-changed settings
// spec §6 enumerates: database backend selection, storage roots, plugin
// directory, heartbeat/timeout tuning, and the rate-limit table.
// Grounded on wingedpig-trellis's internal/config.Loader: hjson parsed
// into an intermediate map, round-tripped through encoding/json into a
// typed struct that starts out as Default(), so any field the file
// leaves unset keeps its default value.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hjson/hjson-go/v4"
)

// Config is the full set of file-configurable server settings.
type Config struct {
	Storage  Storage  `json:"storage"`
	Plugins  Plugins  `json:"plugins"`
	Timeouts Timeouts `json:"timeouts"`
	RateLimits RateLimits `json:"rate_limits"`
	Permissions Permissions `json:"permissions"`
}

// Storage picks the persistence driver and the on-disk roots spec §6
// names ("file storage root").
type Storage struct {
	// Backend is "sqlite" or "postgres". Defaults to "sqlite".
	Backend string `json:"backend"`
	// DSN is the sqlite file path or the postgres connection string,
	// depending on Backend.
	DSN string `json:"dsn"`
	// BlobRoot is where internal/blob stores content-addressed files.
	BlobRoot string `json:"blob_root"`
}

// Plugins configures the Plugin Host's directory and trust list.
type Plugins struct {
	// Dir is watched for new *.plugin.json manifests (spec §4.7).
	Dir string `json:"dir"`
	// TrustedSigners are signer IDs exempt from the unsigned-plugin
	// install confirmation prompt.
	TrustedSigners []string `json:"trusted_signers"`
}

// Timeouts covers the handshake/heartbeat/plugin-call/retry deadlines
// spec §4.2 and §4.7 call out as "distinct configurable deadlines".
type Timeouts struct {
	Handshake       Duration `json:"handshake"`
	HeartbeatPeriod Duration `json:"heartbeat_period"`
	MissedHeartbeats int     `json:"missed_heartbeats"`
	PluginCall      Duration `json:"plugin_call"`
	RepositoryRetry Duration `json:"repository_retry"`
}

// RateLimits configures the Commander's per-IP/per-token token buckets
// (spec §4.6) and the Media Router's per-peer congestion policy
// (spec §4.4's "leaky bucket at the configured peak bitrate × safety
// factor").
type RateLimits struct {
	CommanderPerMinute          int `json:"commander_per_minute"`
	CommanderExpensivePerMinute int `json:"commander_expensive_per_minute"`
	// VoicePeakBitrateBps feeds internal/media.NewRouter's per-source
	// congestion bucket (spec: "leaky bucket at the configured peak
	// bitrate x safety factor" — the safety factor itself is the
	// Router's own congestionFactor, not separately configurable here).
	VoicePeakBitrateBps int `json:"voice_peak_bitrate_bps"`
}

// Permissions configures plugin-capability install prompts and other
// permission-resolver defaults that aren't per-channel/per-group state
// (that state lives in the Repository, not this file).
type Permissions struct {
	// RequireConfirmationForCapabilities lists plugin capabilities that
	// always require an explicit install-time confirmation, in addition
	// to any unsigned-manifest prompt (spec §4.7 "server_config" row and
	// similar sensitive capability gates).
	RequireConfirmationForCapabilities []string `json:"require_confirmation_for_capabilities"`
}

// Duration is a time.Duration that unmarshals from an hjson/json string
// like "30s" or "5m", matching how humans actually write config files.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Value() time.Duration { return time.Duration(d) }

// Load reads and parses path as hjson, defaulting any field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(jsonData, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config populated with the values a fresh Speakeasy
// install runs with before any file is written.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Backend:  "sqlite",
			DSN:      "speakeasy.db",
			BlobRoot: "blobs",
		},
		Plugins: Plugins{
			Dir: "plugins",
		},
		Timeouts: Timeouts{
			Handshake:        Duration(10 * time.Second),
			HeartbeatPeriod:  Duration(10 * time.Second),
			MissedHeartbeats: 3,
			PluginCall:       Duration(2 * time.Second),
			RepositoryRetry:  Duration(5 * time.Second),
		},
		RateLimits: RateLimits{
			CommanderPerMinute:          1200, // ~20/s, matches commander.NewLimiter's default burst pairing
			CommanderExpensivePerMinute: 60,
			VoicePeakBitrateBps:         64000,
		},
	}
}
