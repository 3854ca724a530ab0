package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/arcan-os/a12/internal/config"
	"github.com/arcan-os/a12/internal/directory"
	"github.com/arcan-os/a12/internal/keystore"
	"github.com/arcan-os/a12/internal/logger"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: a12 <directory-server|directory-link|directory-reference|runner> [flags]")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "directory-server":
		err = runDirectoryServer(os.Args[2:])
	case "directory-link":
		err = runDirectoryFederation(os.Args[2:], true)
	case "directory-reference":
		err = runDirectoryFederation(os.Args[2:], false)
	case "runner":
		err = runWorker(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "a12:", err)
		os.Exit(1)
	}
}

// newIdentity generates a fresh ephemeral x25519 identity for this
// process. A deployment that needs a stable identity across restarts
// pins one in its own keystore entry instead; nothing in this CLI
// persists one today.
func newIdentity() (secret, public [32]byte, err error) {
	if _, err = rand.Read(secret[:]); err != nil {
		return
	}
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(public[:], pub)
	return
}

func runDirectoryServer(args []string) error {
	fs := flag.NewFlagSet("directory-server", flag.ExitOnError)
	cfgFlags := registerConfigFlags(fs)
	hookFlagSet := registerHookFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(cfgFlags.ConfigPath())
	if err != nil {
		return err
	}
	cfg, err = cfgFlags.Apply(cfg)
	if err != nil {
		return err
	}

	logger.Init()
	log := logger.Logger().With("component", "cli", "role", "directory-server")

	ks, err := keystore.Open(cfg.Paths.KeystoreDir)
	if err != nil {
		return err
	}
	registry, err := directory.NewRegistry(cfg.Paths.ApplBase, log)
	if err != nil {
		return err
	}
	hookMgr, err := hookFlagSet.buildHookManager()
	if err != nil {
		return err
	}

	secret, public, err := newIdentity()
	if err != nil {
		return err
	}

	var spawner directory.Spawner
	if cfg.RunnerProcess {
		spawner = directory.NewProcessSpawner(cfg.Paths.ApplBase, cfg.Paths.SocketRoot, log)
	} else {
		spawner = directory.NewInProcessSpawner(directory.DebugRunnerEntry, log)
	}

	ctrl := directory.New(directory.Config{
		ListenAddr:    fmt.Sprintf(":%d", cfg.ListenPort),
		LocalSecret:   secret,
		LocalPublic:   public,
		SoftAuth:      cfg.Security.SoftAuth,
		RekeyBytes:    cfg.Security.RekeyBytes,
		RunnerProcess: cfg.RunnerProcess,
		SocketRoot:    cfg.Paths.SocketRoot,
		StagingRoot:   cfg.Paths.StagingRoot,
		Keystore:      ks.KeystoreFunc(),
	}, registry, spawner, hookMgr, log)

	stopWatch := make(chan struct{})
	if err := registry.Watch(stopWatch, func() {}); err != nil {
		log.Warn("applbase watch unavailable", "error", err)
	}
	defer close(stopWatch)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start directory controller: %w", err)
	}
	log.Info("directory controller started", "listen_port", cfg.ListenPort)

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		if err := ctrl.Stop(); err != nil {
			log.Error("controller stop error", "error", err)
		}
		close(done)
	}()
	select {
	case <-done:
		log.Info("controller stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after shutdown timeout")
	}
	return nil
}

func runDirectoryFederation(args []string, persistent bool) error {
	name := "directory-reference"
	if persistent {
		name = "directory-link"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgFlags := registerConfigFlags(fs)
	tag := fs.String("tag", "", "keystore tag of the remote directory")
	addr := fs.String("addr", "", "host:port of the remote directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tag == "" || *addr == "" {
		return fmt.Errorf("%s requires -tag and -addr", name)
	}

	cfg, err := config.Load(cfgFlags.ConfigPath())
	if err != nil {
		return err
	}
	cfg, err = cfgFlags.Apply(cfg)
	if err != nil {
		return err
	}

	logger.Init()
	log := logger.Logger().With("component", "cli", "role", name)

	ks, err := keystore.Open(cfg.Paths.KeystoreDir)
	if err != nil {
		return err
	}
	registry, err := directory.NewRegistry(cfg.Paths.ApplBase, log)
	if err != nil {
		return err
	}
	secret, public, err := newIdentity()
	if err != nil {
		return err
	}
	spawner := directory.NewInProcessSpawner(directory.DebugRunnerEntry, log)
	ctrl := directory.New(directory.Config{
		LocalSecret: secret,
		LocalPublic: public,
		Keystore:    ks.KeystoreFunc(),
	}, registry, spawner, nil, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if persistent {
		if _, err := ctrl.LinkDirectory(ctx, *tag, *addr, ks.LookupByTag); err != nil {
			return fmt.Errorf("link directory %s: %w", *tag, err)
		}
		log.Info("directory link established", "tag", *tag, "addr", *addr)
		<-ctx.Done()
		return nil
	}

	l, err := ctrl.ReferenceDirectory(ctx, *tag, *addr, ks.LookupByTag)
	if err != nil {
		return fmt.Errorf("reference directory %s: %w", *tag, err)
	}
	log.Info("directory reference resolved", "tag", *tag, "addr", *addr, "status", l.GetStatus().String())
	return nil
}

func runWorker(args []string) error {
	fs := flag.NewFlagSet("runner", flag.ExitOnError)
	socket := fs.String("socket", "", "unix socket path to connect to the controlling directory")
	applID := fs.String("appl", "", "appl id this worker serves")
	root := fs.String("root", "", "appl root path on disk")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *socket == "" || *applID == "" {
		return fmt.Errorf("runner requires -socket and -appl")
	}
	_ = root // reserved for the scripting VM embedding, out of scope here

	logger.Init()
	log := logger.Logger().With("component", "cli", "role", "runner", "appl_id", *applID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return directory.RunWorkerProcess(ctx, *socket, *applID, log)
}
