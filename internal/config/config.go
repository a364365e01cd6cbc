// Package config loads the server configuration from TOML with ARCHZERO_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	MirrorSQLite = "sqlite"
	MirrorMemory = "memory"
)

type Config struct {
	Server      ServerConfig      `toml:"server"`
	EntityStore EntityStoreConfig `toml:"entity_store"`
	Mirror      MirrorConfig      `toml:"mirror"`
	Saga        SagaConfig        `toml:"saga"`
	Log         LogConfig         `toml:"log"`
}

type ServerConfig struct {
	Addr   string `toml:"addr"`
	Socket string `toml:"socket"`
}

type EntityStoreConfig struct {
	Path string `toml:"path"`
}

type MirrorConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type SagaConfig struct {
	CompensationTimeout Duration `toml:"compensation_timeout"`
	KeyedLocking        bool     `toml:"keyed_locking"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration decodes TOML strings such as "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() Config {
	return Config{
		Server:      ServerConfig{Addr: ":8080", Socket: "/tmp/archzero.sock"},
		EntityStore: EntityStoreConfig{Path: "archzero.db"},
		Mirror:      MirrorConfig{Driver: MirrorSQLite, Path: "archzero-graph.db"},
		Saga:        SagaConfig{CompensationTimeout: Duration{10 * time.Second}},
		Log:         LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults. An empty path skips the file and only
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadToml(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadToml(path string, out *Config) error {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ARCHZERO_SERVER_ADDR", &cfg.Server.Addr)
	str("ARCHZERO_SERVER_SOCKET", &cfg.Server.Socket)
	str("ARCHZERO_ENTITY_STORE_PATH", &cfg.EntityStore.Path)
	str("ARCHZERO_MIRROR_DRIVER", &cfg.Mirror.Driver)
	str("ARCHZERO_MIRROR_PATH", &cfg.Mirror.Path)
	str("ARCHZERO_LOG_LEVEL", &cfg.Log.Level)
	str("ARCHZERO_LOG_FORMAT", &cfg.Log.Format)

	if v, ok := lookup("ARCHZERO_SAGA_COMPENSATION_TIMEOUT"); ok && v != "" {
		if err := cfg.Saga.CompensationTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("parse ARCHZERO_SAGA_COMPENSATION_TIMEOUT: %w", err)
		}
	}
	if v, ok := lookup("ARCHZERO_SAGA_KEYED_LOCKING"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse ARCHZERO_SAGA_KEYED_LOCKING: %w", err)
		}
		cfg.Saga.KeyedLocking = b
	}
	return nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("server config missing addr")
	}
	if strings.TrimSpace(cfg.EntityStore.Path) == "" {
		return fmt.Errorf("entity_store config missing path")
	}
	switch cfg.Mirror.Driver {
	case MirrorSQLite:
		if strings.TrimSpace(cfg.Mirror.Path) == "" {
			return fmt.Errorf("mirror config missing path for sqlite driver")
		}
		if cfg.Mirror.Path == cfg.EntityStore.Path {
			return fmt.Errorf("mirror path must differ from entity_store path")
		}
	case MirrorMemory:
	default:
		return fmt.Errorf("mirror config has unknown driver %q", cfg.Mirror.Driver)
	}
	if cfg.Saga.CompensationTimeout.Duration <= 0 {
		return fmt.Errorf("saga config compensation_timeout must be positive")
	}
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log config has unknown format %q", cfg.Log.Format)
	}
	return nil
}
