// Package config loads ironpki settings. Values are layered, later sources
// winning: built-in defaults, an optional YAML file, IRONPKI_ environment
// variables and finally explicit overrides such as command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jmcleod/ironpki/internal/util"
	"github.com/jmcleod/ironpki/pki"
	"github.com/jmcleod/ironpki/renewal"
)

// EnvPrefix prefixes every environment variable read by Load. A single "_"
// separates nesting levels and "__" stands for a literal underscore, so
// IRONPKI_STORAGE_BOLT_PATH sets storage.bolt.path and IRONPKI_DATA__DIR
// sets data_dir.
const EnvPrefix = "IRONPKI_"

// Storage backends.
const (
	BackendBolt     = "bbolt"
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Toolchain kinds.
const (
	ToolchainNative  = "native"
	ToolchainOpenSSL = "openssl"
)

// MinSealingSaltLength is the shortest accepted argon2id salt, in bytes.
const MinSealingSaltLength = 16

type Config struct {
	DataDir   string          `koanf:"data_dir"`
	Log       LogConfig       `koanf:"log"`
	Storage   StorageConfig   `koanf:"storage"`
	Toolchain ToolchainConfig `koanf:"toolchain"`
	CA        CAConfig        `koanf:"ca"`
	Renewal   renewal.Config  `koanf:"renewal"`
	Server    ServerConfig    `koanf:"server"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type StorageConfig struct {
	Backend  string         `koanf:"backend"`
	Bolt     BoltConfig     `koanf:"bolt"`
	Postgres PostgresConfig `koanf:"postgres"`
	Mongo    MongoConfig    `koanf:"mongo"`
	Sealing  SealingConfig  `koanf:"sealing"`
}

type BoltConfig struct {
	// Path defaults to <data_dir>/ironpki.db.
	Path    string        `koanf:"path"`
	Timeout time.Duration `koanf:"timeout"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

type MongoConfig struct {
	URI      string `koanf:"uri"`
	Database string `koanf:"database"`
	Bucket   string `koanf:"bucket"`
}

// SealingConfig enables at-rest encryption of artifacts.
type SealingConfig struct {
	Enabled    bool                `koanf:"enabled"`
	Passphrase string              `koanf:"passphrase"`
	Salt       string              `koanf:"salt"`
	Argon2id   util.Argon2idParams `koanf:"argon2id"`
}

type ToolchainConfig struct {
	Kind    string        `koanf:"kind"`
	OpenSSL OpenSSLConfig `koanf:"openssl"`
}

type OpenSSLConfig struct {
	Binary  string        `koanf:"binary"`
	Timeout time.Duration `koanf:"timeout"`
	RSABits int           `koanf:"rsa_bits"`
}

type CAConfig struct {
	Subject      pki.Subject        `koanf:"subject"`
	ValidityDays int                `koanf:"validity_days"`
	CRLDays      int                `koanf:"crl_days"`
	Intermediate IntermediateConfig `koanf:"intermediate"`
}

// IntermediateConfig turns on the intermediate CSR step of CA creation.
type IntermediateConfig struct {
	Enabled bool        `koanf:"enabled"`
	Subject pki.Subject `koanf:"subject"`
}

// ServerConfig is the HTTP listener for the ops and lifecycle endpoints. TLS
// is used when both TLSCert and TLSKey are set.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	TLSCert         string        `koanf:"tls_cert"`
	TLSKey          string        `koanf:"tls_key"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend: BackendBolt,
			Bolt:    BoltConfig{Timeout: time.Second},
			Mongo:   MongoConfig{Database: "ironpki", Bucket: "ca_files"},
			Sealing: SealingConfig{Argon2id: util.DefaultArgon2idParams()},
		},
		Toolchain: ToolchainConfig{
			Kind: ToolchainNative,
			OpenSSL: OpenSSLConfig{
				Binary:  pki.DefaultOpenSSLBinary,
				Timeout: pki.DefaultOpenSSLTimeout,
				RSABits: pki.DefaultRSABits,
			},
		},
		CA: CAConfig{
			Subject:      pki.DefaultSubject(),
			ValidityDays: 3650,
			CRLDays:      30,
		},
		Renewal: renewal.Config{
			Interval: renewal.DefaultInterval,
		},
		Server: ServerConfig{
			Addr:            ":8443",
			ShutdownTimeout: 15 * time.Second,
		},
	}
}

// Load reads configuration from defaults, then configPath when non-empty,
// then the environment, then overrides (keys in koanf dotted form).
func Load(configPath string, overrides map[string]any) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("failed to access config file %s: %w", configPath, err)
		}
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load overrides: %w", err)
		}
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.StringToTimeDurationHookFunc(),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps IRONPKI_STORAGE_BOLT_PATH to storage.bolt.path.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	switch c.Storage.Backend {
	case BackendBolt, BackendMemory:
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, errors.New("storage.postgres.dsn is required for the postgres backend"))
		}
	case BackendMongo:
		if c.Storage.Mongo.URI == "" || c.Storage.Mongo.Database == "" {
			errs = append(errs, errors.New("storage.mongo.uri and storage.mongo.database are required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}
	if c.Storage.Sealing.Enabled {
		if c.Storage.Sealing.Passphrase == "" {
			errs = append(errs, errors.New("storage.sealing.passphrase is required when sealing is enabled"))
		}
		if salt, err := util.HexDecode(c.Storage.Sealing.Salt); err != nil || len(salt) < MinSealingSaltLength {
			errs = append(errs, fmt.Errorf("storage.sealing.salt must be at least %d hex-encoded bytes", MinSealingSaltLength))
		}
		if c.Storage.Sealing.Argon2id.KeyLen != util.AESKeySize {
			errs = append(errs, fmt.Errorf("storage.sealing.argon2id.key_len must be %d", util.AESKeySize))
		}
	}

	switch c.Toolchain.Kind {
	case ToolchainNative:
	case ToolchainOpenSSL:
		if c.Toolchain.OpenSSL.Timeout <= 0 {
			errs = append(errs, errors.New("toolchain.openssl.timeout must be positive"))
		}
		if c.Toolchain.OpenSSL.RSABits < 2048 {
			errs = append(errs, errors.New("toolchain.openssl.rsa_bits must be at least 2048"))
		}
	default:
		errs = append(errs, fmt.Errorf("toolchain.kind %q must be native or openssl", c.Toolchain.Kind))
	}

	if c.CA.ValidityDays < 1 {
		errs = append(errs, errors.New("ca.validity_days must be positive"))
	}
	if c.CA.CRLDays < 1 {
		errs = append(errs, errors.New("ca.crl_days must be positive"))
	}
	if c.Renewal.Interval < 0 {
		errs = append(errs, errors.New("renewal.interval must not be negative"))
	}
	if c.Renewal.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("renewal.retry.max_attempts must not be negative"))
	}
	for _, d := range c.Renewal.Retry.Backoff {
		if d <= 0 {
			errs = append(errs, errors.New("renewal.retry.backoff entries must be positive"))
			break
		}
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// BoltPath returns the bbolt database file.
func (c *Config) BoltPath() string {
	if c.Storage.Bolt.Path != "" {
		return c.Storage.Bolt.Path
	}
	return filepath.Join(c.DataDir, "ironpki.db")
}

// WorkDir returns the root of the engine workspace.
func (c *Config) WorkDir() string {
	return filepath.Join(c.DataDir, "work")
}

// SealingSalt decodes the configured argon2id salt.
func (c *Config) SealingSalt() ([]byte, error) {
	return util.HexDecode(c.Storage.Sealing.Salt)
}
