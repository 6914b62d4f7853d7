// Package config loads the admin node configuration from an optional YAML
// file and DIST_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// EnvPrefix marks environment overrides. `__` separates levels, so
// DIST_TRANSFER__MAX_RETRIES sets transfer.max_retries.
const EnvPrefix = "DIST_"

type Config struct {
	Keys       KeysConfig       `koanf:"keys"`
	Transfer   TransferConfig   `koanf:"transfer"`
	Keystore   KeystoreConfig   `koanf:"keystore"`
	Blockstore BlockstoreConfig `koanf:"blockstore"`
	Hardware   HardwareConfig   `koanf:"hardware"`
	Notify     NotifyConfig     `koanf:"notify"`
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
}

type KeysConfig struct {
	DefaultLifetimeDays int           `koanf:"default_lifetime_days"`
	DrainPeriod         time.Duration `koanf:"drain_period"`
	CleanupInterval     time.Duration `koanf:"cleanup_interval"`
}

type TransferConfig struct {
	MaxRetries   int           `koanf:"max_retries"`
	BaseDelay    time.Duration `koanf:"base_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
	Parallelism  int           `koanf:"parallelism"`
	ArchiveLimit int           `koanf:"archive_limit"`
}

type KeystoreConfig struct {
	// URI is a keystore location, see keystore.Open.
	URI string `koanf:"uri"`

	// Seal selects how the master key sealing persisted material is obtained:
	// "none", "passphrase" or "shamir".
	Seal string `koanf:"seal"`

	// PassphraseEnv names the environment variable holding the passphrase.
	PassphraseEnv string `koanf:"passphrase_env"`
	Salt          string `koanf:"salt"`

	// Shamir unseal parameters.
	Threshold     int           `koanf:"threshold"`
	AdminKeysFile string        `koanf:"admin_keys_file"`
	UnsealTimeout time.Duration `koanf:"unseal_timeout"`
}

type BlockstoreConfig struct {
	URIs      []string `koanf:"uris"`
	BlockSize int      `koanf:"block_size"`
}

type HardwareConfig struct {
	// Binder is "host", "tdx" or "static:<fingerprint>".
	Binder string `koanf:"binder"`
}

type NotifyConfig struct {
	Endpoints map[string]string `koanf:"endpoints"`
	DNSDomain string            `koanf:"dns_domain"`
	DNSServer string            `koanf:"dns_server"`
	Retries   int               `koanf:"retries"`
	Timeout   time.Duration     `koanf:"timeout"`
}

type ServerConfig struct {
	ListenAddr               string        `koanf:"listen_addr"`
	MetricsAddr              string        `koanf:"metrics_addr"`
	EnablePprof              bool          `koanf:"pprof"`
	DrainDuration            time.Duration `koanf:"drain_duration"`
	GracefulShutdownDuration time.Duration `koanf:"graceful_shutdown_duration"`
	ReadTimeout              time.Duration `koanf:"read_timeout"`
	WriteTimeout             time.Duration `koanf:"write_timeout"`
}

type LogConfig struct {
	Debug   bool   `koanf:"debug"`
	JSON    bool   `koanf:"json"`
	Service string `koanf:"service"`
	UID     bool   `koanf:"uid"`
}

func Default() Config {
	return Config{
		Keys: KeysConfig{
			DefaultLifetimeDays: 90,
			CleanupInterval:     time.Hour,
		},
		Transfer: TransferConfig{
			MaxRetries:   3,
			BaseDelay:    500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Parallelism:  4,
			ArchiveLimit: 256,
		},
		Keystore: KeystoreConfig{
			URI:           "memory://",
			Seal:          "none",
			PassphraseEnv: "DIST_KEYSTORE_PASSPHRASE",
			UnsealTimeout: 5 * time.Minute,
		},
		Blockstore: BlockstoreConfig{
			URIs:      []string{"memory://"},
			BlockSize: 4 << 20,
		},
		Hardware: HardwareConfig{Binder: "host"},
		Notify: NotifyConfig{
			Retries: 3,
			Timeout: 10 * time.Second,
		},
		Server: ServerConfig{
			ListenAddr:               "127.0.0.1:8080",
			MetricsAddr:              "127.0.0.1:8090",
			DrainDuration:            45 * time.Second,
			GracefulShutdownDuration: 30 * time.Second,
			ReadTimeout:              60 * time.Second,
			WriteTimeout:             30 * time.Second,
		},
		Log: LogConfig{Service: "model-dist"},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	return unmarshal(k)
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Keys.DefaultLifetimeDays <= 0 {
		errs = append(errs, errors.New("keys.default_lifetime_days must be positive"))
	}
	if cfg.Keys.DrainPeriod < 0 {
		errs = append(errs, errors.New("keys.drain_period must not be negative"))
	}
	if cfg.Keys.CleanupInterval <= 0 {
		errs = append(errs, errors.New("keys.cleanup_interval must be positive"))
	}
	if err := cfg.Transfer.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Keystore.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(cfg.Blockstore.URIs) == 0 {
		errs = append(errs, errors.New("blockstore.uris must not be empty"))
	}
	if cfg.Blockstore.BlockSize <= 0 {
		errs = append(errs, errors.New("blockstore.block_size must be positive"))
	}
	if cfg.Notify.DNSDomain != "" && cfg.Notify.DNSServer == "" {
		errs = append(errs, errors.New("notify.dns_server is required with notify.dns_domain"))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr must be set"))
	}
	return errors.Join(errs...)
}

func (cfg *TransferConfig) Validate() error {
	switch {
	case cfg.MaxRetries < 1:
		return errors.New("transfer.max_retries must be at least 1")
	case cfg.BaseDelay <= 0:
		return errors.New("transfer.base_delay must be positive")
	case cfg.MaxDelay < cfg.BaseDelay:
		return errors.New("transfer.max_delay must not be below transfer.base_delay")
	case cfg.Parallelism < 1:
		return errors.New("transfer.parallelism must be at least 1")
	case cfg.ArchiveLimit < 0:
		return errors.New("transfer.archive_limit must not be negative")
	}
	return nil
}

func (cfg *KeystoreConfig) Validate() error {
	if cfg.URI == "" {
		return errors.New("keystore.uri must be set")
	}
	switch cfg.Seal {
	case "none":
		return nil
	case "passphrase":
		if cfg.PassphraseEnv == "" || cfg.Salt == "" {
			return errors.New("keystore.passphrase_env and keystore.salt are required for passphrase sealing")
		}
		return nil
	case "shamir":
		if cfg.Threshold < 2 {
			return errors.New("keystore.threshold must be at least 2")
		}
		if cfg.AdminKeysFile == "" {
			return errors.New("keystore.admin_keys_file is required for shamir sealing")
		}
		return nil
	default:
		return fmt.Errorf("unknown keystore.seal %q", cfg.Seal)
	}
}
