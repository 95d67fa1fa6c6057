// Package config provides configuration loading, validation, and hot-reload
// for the bbscore messaging core.
//
// Configuration file: /etc/bbscore/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Process listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - The reloaded Config replaces the shared *Config; components see new
//     values only for fields they read from it at use time.
//   - Values copied at startup (engine retry/backoff settings, log level,
//     DB path, adapter config, callsign) keep their startup values until
//     restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The process does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (hop limits, weights, intervals).
//   - Invalid config on startup: process refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for bbscore.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// Callsign is this BBS's short, uppercase federation identity (e.g. "ADV").
	Callsign string `yaml:"callsign"`

	// NodeIdentity is this BBS's own radio node identity string (e.g. "!a1b2c3d4").
	NodeIdentity string `yaml:"node_identity"`

	Crypto        CryptoConfig        `yaml:"crypto"`
	Transport     TransportConfig     `yaml:"transport"`
	Mail          MailConfig          `yaml:"mail"`
	MRP           MRPConfig           `yaml:"mrp"`
	RAP           RAPConfig           `yaml:"rap"`
	BSP           BSPConfig           `yaml:"bsp"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// CryptoConfig tunes the password KDF and AEAD envelope (component A).
type CryptoConfig struct {
	// KdfMemoryKiB is the argon2id memory parameter. Default: 32768 (32 MiB).
	KdfMemoryKiB uint32 `yaml:"kdf_memory_kib"`
	// KdfPasses is the argon2id time parameter. Default: 3.
	KdfPasses uint32 `yaml:"kdf_passes"`
	// KdfLanes is the argon2id parallelism parameter. Default: 1.
	KdfLanes uint8 `yaml:"kdf_lanes"`
	// MasterKeyPath is the path to the operator's 32-byte master key file,
	// used to seal/unseal per-user encryption keys for recovery.
	MasterKeyPath string `yaml:"master_key_path"`
	// LegacyAADSearchWindow bounds the brute-force AAD timestamp search on
	// read for rows written before a clock or metadata change. Default: 1h.
	LegacyAADSearchWindow time.Duration `yaml:"legacy_aad_search_window"`
}

// TransportConfig tunes the packet transport facade (component C).
type TransportConfig struct {
	// SendFloor is the minimum wall-clock interval between successive
	// outbound sends. Default: 3.5s.
	SendFloor time.Duration `yaml:"send_floor"`
	// ReconnectBackoffMin/Max bound the reconnect backoff ladder.
	// Defaults: 5s / 5m.
	ReconnectBackoffMin time.Duration `yaml:"reconnect_backoff_min"`
	ReconnectBackoffMax time.Duration `yaml:"reconnect_backoff_max"`
	// ReconnectMaxAttempts is the attempt budget before the facade goes
	// terminal. Default: 10.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
	// ReplyContextTTL bounds how long a stashed reply-context entry lives.
	// Default: 5m.
	ReplyContextTTL time.Duration `yaml:"reply_context_ttl"`
}

// MailConfig tunes the local mail delivery engine (component D).
type MailConfig struct {
	// AckTimeout is the base unit of the delivery-notify backoff ladder
	// ({1x, 2x, 4x}). Default: 30s.
	AckTimeout time.Duration `yaml:"ack_timeout"`
	// SweepInterval is the background delivery loop's tick. Default: 10s.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// MaxAttempts before a local row is handed to the relay path. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`
	// MaxHop is the hop count ceiling before a row is abandoned. Default: 3.
	MaxHop int `yaml:"max_hop"`
	// MailExpiry is the default expiry for mail messages. Default: 30 days.
	MailExpiry time.Duration `yaml:"mail_expiry"`
}

// MRPConfig tunes the remote-mail protocol (component E).
type MRPConfig struct {
	// MaxBodyLen is the max compose-time body length. Default: 450.
	MaxBodyLen int `yaml:"max_body_len"`
	// ChunkLen is the max per-MAILDAT chunk length. Default: 150.
	ChunkLen int `yaml:"chunk_len"`
	// MaxHop is the relay hop cap. Default: 5.
	MaxHop int `yaml:"max_hop"`
	// ReqRetryIntervals are the seconds since the previous MAILREQ send after
	// which AWAIT_ACK retries (or, once MaxAttempts is reached, gives up).
	// Default: [30, 60, 90].
	ReqRetryIntervals []int `yaml:"req_retry_intervals"`
	// DlvRetryIntervals are the equivalent ladder for AWAIT_DLV. Default: [60, 120, 180].
	DlvRetryIntervals []int `yaml:"dlv_retry_intervals"`
	// MaxAttempts bounds both ladders above. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`
	// ChunkAckRetries is the per-chunk link-ACK retry budget. Default: 3.
	ChunkAckRetries int `yaml:"chunk_ack_retries"`
	// ChunkJitterMin/Max bound the inter-chunk send jitter. Default: 2.2s/2.6s.
	ChunkJitterMin time.Duration `yaml:"chunk_jitter_min"`
	ChunkJitterMax time.Duration `yaml:"chunk_jitter_max"`
	// AwaitingChunksTimeout drops receiver-side pending state. Default: 5m.
	AwaitingChunksTimeout time.Duration `yaml:"awaiting_chunks_timeout"`
	// RelayStateTimeout drops relay pass-through state. Default: 10m.
	RelayStateTimeout time.Duration `yaml:"relay_state_timeout"`
}

// RAPConfig tunes the route-announcement protocol (component F).
type RAPConfig struct {
	// HeartbeatInterval between RAP_PING probes. Default: 12h.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// PongTimeout bounds how long a PING awaits a PONG. Default: 60s.
	PongTimeout time.Duration `yaml:"pong_timeout"`
	// FullTableShareInterval between unsolicited RAP_ROUTES broadcasts. Default: 24h.
	FullTableShareInterval time.Duration `yaml:"full_table_share_interval"`
	// RouteExpiry is how long a learned route survives without refresh. Default: 36h.
	RouteExpiry time.Duration `yaml:"route_expiry"`
	// PendingMailExpiry is how long queued outbound mail waits for a route. Default: 24h.
	PendingMailExpiry time.Duration `yaml:"pending_mail_expiry"`
	// UnreachableAfter/DeadAfter are consecutive-miss thresholds for the
	// peer health state machine. Defaults: 2 / 5.
	UnreachableAfter int `yaml:"unreachable_after"`
	DeadAfter        int `yaml:"dead_after"`
	// MaxHop bounds route ingestion (hop+1 <= MaxHop is accepted). Default: 5.
	MaxHop int `yaml:"max_hop"`
}

// BSPConfig tunes the bulletin sync protocol (component G).
type BSPConfig struct {
	// FlushCountThreshold triggers a flush once this many posts have
	// accumulated since the last sync. Default: 10.
	FlushCountThreshold int `yaml:"flush_count_threshold"`
	// FlushMaxAge triggers a flush once any post has waited this long.
	// Default: 1h.
	FlushMaxAge time.Duration `yaml:"flush_max_age"`
	// ChunkLen is the max per-BOARDDAT chunk length. Default: 150.
	ChunkLen int `yaml:"chunk_len"`
	// BulletinExpiry is the default expiry for synced bulletin posts. Default: 90 days.
	BulletinExpiry time.Duration `yaml:"bulletin_expiry"`
}

// StorageConfig holds bbolt parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the bbolt file.
	// Default: /var/lib/bbscore/bbscore.db.
	DBPath string `yaml:"db_path"`
	// SweepInterval is how often expired messages/routes/pending-mail are
	// physically removed. Default: 1h.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`
	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`
	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Crypto: CryptoConfig{
			KdfMemoryKiB:          32 * 1024,
			KdfPasses:             3,
			KdfLanes:              1,
			LegacyAADSearchWindow: time.Hour,
		},
		Transport: TransportConfig{
			SendFloor:            3500 * time.Millisecond,
			ReconnectBackoffMin:  5 * time.Second,
			ReconnectBackoffMax:  5 * time.Minute,
			ReconnectMaxAttempts: 10,
			ReplyContextTTL:      5 * time.Minute,
		},
		Mail: MailConfig{
			AckTimeout:    30 * time.Second,
			SweepInterval: 10 * time.Second,
			MaxAttempts:   3,
			MaxHop:        3,
			MailExpiry:    30 * 24 * time.Hour,
		},
		MRP: MRPConfig{
			MaxBodyLen:            450,
			ChunkLen:              150,
			MaxHop:                5,
			ReqRetryIntervals:     []int{30, 60, 90},
			DlvRetryIntervals:     []int{60, 120, 180},
			MaxAttempts:           3,
			ChunkAckRetries:       3,
			ChunkJitterMin:        2200 * time.Millisecond,
			ChunkJitterMax:        2600 * time.Millisecond,
			AwaitingChunksTimeout: 5 * time.Minute,
			RelayStateTimeout:     10 * time.Minute,
		},
		RAP: RAPConfig{
			HeartbeatInterval:      12 * time.Hour,
			PongTimeout:            60 * time.Second,
			FullTableShareInterval: 24 * time.Hour,
			RouteExpiry:            36 * time.Hour,
			PendingMailExpiry:      24 * time.Hour,
			UnreachableAfter:       2,
			DeadAfter:              5,
			MaxHop:                 5,
		},
		BSP: BSPConfig{
			FlushCountThreshold: 10,
			FlushMaxAge:         time.Hour,
			ChunkLen:            150,
			BulletinExpiry:      90 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			SweepInterval: time.Hour,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// DefaultDBPath mirrors the store package's default for use in config defaults.
const DefaultDBPath = "/var/lib/bbscore/bbscore.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Callsign == "" {
		errs = append(errs, "callsign must not be empty")
	}
	if cfg.NodeIdentity == "" {
		errs = append(errs, "node_identity must not be empty")
	}
	if cfg.Crypto.KdfMemoryKiB < 8*1024 {
		errs = append(errs, fmt.Sprintf("crypto.kdf_memory_kib must be >= 8192, got %d", cfg.Crypto.KdfMemoryKiB))
	}
	if cfg.Crypto.KdfPasses < 1 {
		errs = append(errs, "crypto.kdf_passes must be >= 1")
	}
	if cfg.Crypto.KdfLanes < 1 {
		errs = append(errs, "crypto.kdf_lanes must be >= 1")
	}
	if cfg.Transport.SendFloor < time.Second {
		errs = append(errs, fmt.Sprintf("transport.send_floor must be >= 1s, got %s", cfg.Transport.SendFloor))
	}
	if cfg.Transport.ReconnectMaxAttempts < 1 {
		errs = append(errs, "transport.reconnect_max_attempts must be >= 1")
	}
	if cfg.Mail.MaxAttempts < 1 {
		errs = append(errs, "mail.max_attempts must be >= 1")
	}
	if cfg.Mail.MaxHop < 1 {
		errs = append(errs, "mail.max_hop must be >= 1")
	}
	if cfg.MRP.MaxBodyLen < cfg.MRP.ChunkLen {
		errs = append(errs, "mrp.max_body_len must be >= mrp.chunk_len")
	}
	if cfg.MRP.MaxHop < 1 || cfg.MRP.MaxHop > 20 {
		errs = append(errs, fmt.Sprintf("mrp.max_hop must be in [1, 20], got %d", cfg.MRP.MaxHop))
	}
	if len(cfg.MRP.ReqRetryIntervals) == 0 {
		errs = append(errs, "mrp.req_retry_intervals must not be empty")
	}
	if len(cfg.MRP.DlvRetryIntervals) == 0 {
		errs = append(errs, "mrp.dlv_retry_intervals must not be empty")
	}
	if cfg.RAP.UnreachableAfter < 1 || cfg.RAP.DeadAfter <= cfg.RAP.UnreachableAfter {
		errs = append(errs, "rap.dead_after must be > rap.unreachable_after >= 1")
	}
	if cfg.RAP.MaxHop < 1 {
		errs = append(errs, "rap.max_hop must be >= 1")
	}
	if cfg.BSP.FlushCountThreshold < 1 {
		errs = append(errs, "bsp.flush_count_threshold must be >= 1")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
