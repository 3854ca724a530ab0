// Package config assembles the directory controller's script-visible
// configuration surface from an optional YAML file and CLI flag
// overrides, the way the scripting VM's embedder would set these keys
// before handing control to the directory core.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LogTag is one of the fixed log categories the configuration surface's
// log_level key can select, used instead of (or alongside) a numeric
// verbosity level.
type LogTag string

const (
	LogTagVideo     LogTag = "video"
	LogTagAudio     LogTag = "audio"
	LogTagSystem    LogTag = "system"
	LogTagEvent     LogTag = "event"
	LogTagTransfer  LogTag = "transfer"
	LogTagDebug     LogTag = "debug"
	LogTagMissing   LogTag = "missing"
	LogTagAlloc     LogTag = "alloc"
	LogTagCrypto    LogTag = "crypto"
	LogTagVDetail   LogTag = "vdetail"
	LogTagBinary    LogTag = "binary"
	LogTagSecurity  LogTag = "security"
	LogTagDirectory LogTag = "directory"
)

var knownLogTags = map[LogTag]bool{
	LogTagVideo: true, LogTagAudio: true, LogTagSystem: true, LogTagEvent: true,
	LogTagTransfer: true, LogTagDebug: true, LogTagMissing: true, LogTagAlloc: true,
	LogTagCrypto: true, LogTagVDetail: true, LogTagBinary: true, LogTagSecurity: true,
	LogTagDirectory: true,
}

// SecurityConfig is the sub-namespace the original C config surface keeps
// separate from general paths/permissions: anything that weakens the
// cryptographic or authentication posture of a session lives here rather
// than alongside ordinary directory settings.
type SecurityConfig struct {
	// SoftAuth accepts unknown peers as unauthenticated sessions rather
	// than rejecting the handshake outright. Applied only at session
	// creation — see DESIGN.md's "soft_auth" Open Question decision.
	SoftAuth bool `yaml:"soft_auth"`
	// RekeyBytes is the byte count after which a session forces a rekey.
	RekeyBytes uint64 `yaml:"rekey_bytes"`
	// DisableCipher is a debug-only escape hatch that skips the AEAD
	// layer entirely; never set true outside local development.
	DisableCipher bool `yaml:"disable_cipher"`
}

// Config is the directory controller's full script-visible configuration
// surface, covering every key named in the configuration surface
// section plus the grouped security and path sub-namespaces the original
// C config table keeps distinct.
type Config struct {
	AllowTunnel     bool     `yaml:"allow_tunnel"`
	DiscoverBeacon  bool     `yaml:"discover_beacon"`
	DirectoryServer bool     `yaml:"directory_server"`
	FlushReport     bool     `yaml:"flush_report"`
	LogLevel        int      `yaml:"log_level"`
	LogTags         []LogTag `yaml:"log_tags"`
	LogTarget       string   `yaml:"log_target"`
	ListenPort      int      `yaml:"listen_port"`
	RunnerProcess   bool     `yaml:"runner_process"`

	Security SecurityConfig `yaml:"security"`
	Paths    PathsConfig    `yaml:"paths"`

	Permissions map[string]map[string]string `yaml:"permissions"` // capability -> identity-pattern -> "allow"
}

// PathsConfig groups the on-disk locations the controller and its runners
// need, kept apart from Security per the original config table shape.
type PathsConfig struct {
	ApplBase    string `yaml:"appl_base"`
	KeystoreDir string `yaml:"keystore_dir"`
	SocketRoot  string `yaml:"socket_root"`
	StagingRoot string `yaml:"staging_root"`
}

// Default returns a Config populated with the same defaults the original
// embedder's config table ships: listening on port 6680, runners spawned
// as separate processes, soft_auth off, rekey every 64MiB.
func Default() Config {
	return Config{
		ListenPort:    6680,
		RunnerProcess: true,
		Security: SecurityConfig{
			RekeyBytes: 64 * 1024 * 1024,
		},
		Paths: PathsConfig{
			ApplBase:    "./appl",
			KeystoreDir: "./keystore",
			SocketRoot:  "/tmp/a12-runners",
			StagingRoot: "/tmp/a12-staging",
		},
	}
}

// Load reads a YAML config file, if path is non-empty, and merges it over
// Default(). An empty path is not an error and yields Default(); a
// non-empty path naming a file that cannot be read is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the constraints the configuration surface documents
// explicitly (listen_port range, known log tags).
func (c Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen_port %d out of range 1..65535", c.ListenPort)
	}
	for _, t := range c.LogTags {
		if !knownLogTags[t] {
			return fmt.Errorf("config: unknown log tag %q", t)
		}
	}
	return nil
}
