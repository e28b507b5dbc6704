// Package config loads the sbfverify configuration file. Every field has a
// default, so the file is optional.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/sbfverify/internal/logging"
	"github.com/cochaviz/sbfverify/internal/verify"
)

const appName = "sbfverify"

// DefaultRPCURL is the public mainnet endpoint.
const DefaultRPCURL = "https://api.mainnet-beta.solana.com"

type Config struct {
	RPCURL string `yaml:"rpc_url"`
	// StateDir holds workspaces, retained artifacts and the job database.
	StateDir string `yaml:"state_dir"`

	Build            BuildConfig            `yaml:"build"`
	Canonicalization CanonicalizationConfig `yaml:"canonicalization"`
	Attestation      AttestationConfig      `yaml:"attestation"`
	Remote           RemoteConfig           `yaml:"remote"`
	Server           ServerConfig           `yaml:"server"`
	Log              LogConfig              `yaml:"log"`
}

type BuildConfig struct {
	Docker  string        `yaml:"docker"`
	Git     string        `yaml:"git"`
	Timeout time.Duration `yaml:"timeout"`
	Jobs    int           `yaml:"jobs"`
	// Catalog is an optional YAML file overlaid on the built in toolchain
	// catalog.
	Catalog string `yaml:"catalog"`
}

type CanonicalizationConfig struct {
	// Sections lists ELF sections zeroed before hashing, on top of trailing
	// zero trimming.
	Sections []string `yaml:"sections"`
}

type AttestationConfig struct {
	Registry string `yaml:"registry"`
	Keypair  string `yaml:"keypair"`
}

type RemoteConfig struct {
	URL             string        `yaml:"url"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Listen  string `yaml:"listen"`
	Workers int    `yaml:"workers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		RPCURL:   DefaultRPCURL,
		StateDir: defaultStateDir(),
		Build: BuildConfig{
			Docker:  "docker",
			Git:     "git",
			Timeout: 30 * time.Minute,
		},
		Attestation: AttestationConfig{Registry: verify.DefaultRegistry},
		Remote: RemoteConfig{
			InitialInterval: 2 * time.Second,
			MaxInterval:     30 * time.Second,
			Timeout:         30 * time.Minute,
		},
		Server: ServerConfig{Listen: "127.0.0.1:8080", Workers: 1},
		Log:    LogConfig{Level: "info", Format: string(logging.FormatText)},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/sbfverify/config.yaml, or the platform
// equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appName, "config.yaml")
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", appName)
	}
	return filepath.Join(os.TempDir(), appName)
}

// Load reads path over the defaults. An empty path means DefaultPath, which
// may be absent; an explicit path must exist.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode overlays the YAML document data onto cfg and validates the result.
// Unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return err
		}
	}
	return cfg.Validate()
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if strings.TrimSpace(c.RPCURL) == "" {
		return errors.New("rpc_url must not be empty")
	}
	if c.Build.Timeout < 0 || c.Remote.Timeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Build.Jobs < 0 {
		return errors.New("build.jobs must not be negative")
	}
	if c.Remote.InitialInterval < 0 || c.Remote.MaxInterval < 0 ||
		(c.Remote.MaxInterval > 0 && c.Remote.InitialInterval > c.Remote.MaxInterval) {
		return errors.New("remote poll intervals are inconsistent")
	}
	if c.Server.Workers < 0 {
		return errors.New("server.workers must not be negative")
	}
	if c.Attestation.Registry != "" {
		if _, err := solana.PublicKeyFromBase58(c.Attestation.Registry); err != nil {
			return fmt.Errorf("attestation.registry: %w", err)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return err
	}
	return nil
}

// WorkDir holds per invocation build workspaces.
func (c Config) WorkDir() string { return filepath.Join(c.StateDir, "work") }

// ArtifactDir holds retained build artifacts.
func (c Config) ArtifactDir() string { return filepath.Join(c.StateDir, "artifacts") }

// JobsDB is the bolt database mirroring remote jobs on the client side.
func (c Config) JobsDB() string { return filepath.Join(c.StateDir, "jobs.db") }

// ServerDB is the job server's own database.
func (c Config) ServerDB() string { return filepath.Join(c.StateDir, "server.db") }

// EnsureStateDirs creates the state directories.
func (c Config) EnsureStateDirs() error {
	for _, dir := range []string{c.StateDir, c.WorkDir(), c.ArtifactDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
