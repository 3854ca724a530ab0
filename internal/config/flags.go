package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// FlagSet binds a flag.FlagSet to a Config, the way the teacher's
// cliConfig binds rtmp-server's flags, so each directory-role subcommand
// gets the same override surface over a YAML-loaded Config without
// duplicating flag-definition code per subcommand.
type FlagSet struct {
	fs *flag.FlagSet

	configPath string
	listenPort int
	logLevel   string
	softAuth   bool
	rekeyBytes uint64
	applBase   string
	keystore   string
	socketRoot string
	staging    string
	runnerProc bool
}

// NewFlagSet registers the shared configuration flags on fs, returning a
// handle used to apply the parsed values onto a Config after fs.Parse.
func NewFlagSet(fs *flag.FlagSet) *FlagSet {
	f := &FlagSet{fs: fs}
	fs.StringVar(&f.configPath, "config", "", "path to a YAML configuration file")
	fs.IntVar(&f.listenPort, "listen-port", 0, "TCP listen port (0 = use config file value)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug|info|warn|error (empty = use config file value)")
	fs.BoolVar(&f.softAuth, "soft-auth", false, "accept unknown peers as unauthenticated sessions")
	fs.Uint64Var(&f.rekeyBytes, "rekey-bytes", 0, "bytes before forcing a session rekey (0 = use config file value)")
	fs.StringVar(&f.applBase, "appl-base", "", "directory containing installed appls")
	fs.StringVar(&f.keystore, "keystore-dir", "", "directory containing per-tag keystore entries")
	fs.StringVar(&f.socketRoot, "socket-root", "", "directory for per-runner unix sockets")
	fs.StringVar(&f.staging, "staging-root", "", "directory for in-flight appl bundle staging")
	fs.BoolVar(&f.runnerProc, "runner-process", false, "spawn runners as separate OS processes (default true unless -runner-process=false is explicit)")
	return f
}

// ConfigPath returns the -config flag's value, for the caller to pass to
// Load before Apply.
func (f *FlagSet) ConfigPath() string { return f.configPath }

// Apply overlays any explicitly-set flags onto cfg, returning the result.
// Flags left at their zero value do not override a value the config file
// already set.
func (f *FlagSet) Apply(cfg Config) (Config, error) {
	seen := make(map[string]bool)
	f.fs.Visit(func(fl *flag.Flag) { seen[fl.Name] = true })

	if seen["listen-port"] {
		cfg.ListenPort = f.listenPort
	}
	if seen["log-level"] {
		lvl, err := parseLogLevel(f.logLevel)
		if err != nil {
			return cfg, err
		}
		cfg.LogLevel = lvl
	}
	if seen["soft-auth"] {
		cfg.Security.SoftAuth = f.softAuth
	}
	if seen["rekey-bytes"] {
		cfg.Security.RekeyBytes = f.rekeyBytes
	}
	if seen["appl-base"] {
		cfg.Paths.ApplBase = f.applBase
	}
	if seen["keystore-dir"] {
		cfg.Paths.KeystoreDir = f.keystore
	}
	if seen["socket-root"] {
		cfg.Paths.SocketRoot = f.socketRoot
	}
	if seen["staging-root"] {
		cfg.Paths.StagingRoot = f.staging
	}
	if seen["runner-process"] {
		cfg.RunnerProcess = f.runnerProc
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseLogLevel(s string) (int, error) {
	switch strings.ToLower(s) {
	case "debug":
		return -4, nil
	case "info":
		return 0, nil
	case "warn":
		return 4, nil
	case "error":
		return 8, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	return 0, fmt.Errorf("config: invalid log-level %q", s)
}
