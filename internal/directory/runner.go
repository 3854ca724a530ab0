package directory

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"

	"github.com/arcan-os/a12/internal/a12/handshake"
	"github.com/arcan-os/a12/internal/a12/session"
	"github.com/arcan-os/a12/internal/a12/stream"
	a12err "github.com/arcan-os/a12/internal/errors"
)

// RunnerState is one active controller worker for an appl: the spawned
// process (or goroutine, in debug mode), its control-channel session, and
// the per-appl KV store it mediates access to.
type RunnerState struct {
	Appl *AppletMeta

	mu          sync.Mutex
	proc        *exec.Cmd
	ctrl        *session.Session
	kv          *kvStore
	bootstrap   chan struct{}
	bootstrapOK bool
	exited      chan struct{}
	exitErr     error
}

// bootstrapComplete is called once the runner's script initialisation has
// finished; any caller blocked in WaitBootstrap unblocks at that instant
// rather than polling a flag.
func (rs *RunnerState) bootstrapComplete() {
	rs.mu.Lock()
	if !rs.bootstrapOK {
		rs.bootstrapOK = true
		close(rs.bootstrap)
	}
	rs.mu.Unlock()
}

// WaitBootstrap blocks until the runner reports bootstrap-complete, the
// context is cancelled, or the runner exits first.
func (rs *RunnerState) WaitBootstrap(ctx context.Context) error {
	select {
	case <-rs.bootstrap:
		return nil
	case <-rs.exited:
		if rs.exitErr != nil {
			return rs.exitErr
		}
		return fmt.Errorf("runner exited before completing bootstrap")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session returns the control-channel session used to send KV/launch
// messages to this runner.
func (rs *RunnerState) Session() *session.Session { return rs.ctrl }

// Stop tears down the runner's control session and, for process-mode
// runners, signals the child to exit.
func (rs *RunnerState) Stop() error {
	var err error
	if rs.ctrl != nil {
		err = rs.ctrl.Close()
	}
	if rs.proc != nil && rs.proc.Process != nil {
		_ = rs.proc.Process.Kill()
	}
	return err
}

// runnerLocalKeypair generates a fresh ephemeral x25519 keypair used only
// to authenticate the controller<->runner local-socket handshake; these
// keys are never persisted, since the pairing is implicit in who holds
// the other end of the socket.
func runnerLocalKeypair() (secret, public [32]byte, err error) {
	if _, err = rand.Read(secret[:]); err != nil {
		return
	}
	pubBytes, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(public[:], pubBytes)
	return
}

// localHandshakeConfig builds a handshake.Config for one end of a
// controller<->runner pipe. Trust here comes from the transport, not the
// identity: the pipe (or per-runner unix socket) is process-private, so
// whoever is on the other end of it is by construction the runner (or
// controller) that set it up, and is admitted unconditionally.
func localHandshakeConfig(secret, public [32]byte) handshake.Config {
	return handshake.Config{
		LocalLongTermSecret: secret,
		LocalLongTermPublic: public,
		Keystore: func(peer [32]byte) (handshake.KeystoreResult, error) {
			return handshake.KeystoreResult{Authentic: true}, nil
		},
	}
}

// runSessionHandshake drives the handshake for one end of a
// controller<->runner pipe and wraps the result into a Session.
func runSessionHandshake(ctx context.Context, role handshake.Role, conn net.Conn, secret, public [32]byte, cfg session.Config, log *slog.Logger) (*session.Session, error) {
	hcfg := localHandshakeConfig(secret, public)
	res, err := handshake.New(role, hcfg).Run(ctx, conn)
	if err != nil {
		return nil, a12err.NewTerminalError(a12err.KindHandshakeFailed, "runner.handshake", err)
	}
	sess, err := session.New(role, conn, res, cfg, log)
	if err != nil {
		return nil, err
	}
	sess.Start()
	return sess, nil
}

// runWorkerSide drives the worker end of a controller<->runner pipe: it
// is the Responder to the controller's Initiator handshake, and once the
// control session is up it announces bootstrap completion and idles. The
// scripting VM embedding this would otherwise drive is out of scope; this
// is the minimal worker behaviour the sandboxing contract requires of
// whatever does embed it.
func runWorkerSide(ctx context.Context, conn net.Conn, log *slog.Logger) error {
	secret, public, err := runnerLocalKeypair()
	if err != nil {
		return err
	}
	sess, err := runSessionHandshake(ctx, handshake.RoleResponder, conn, secret, public, session.Config{}, log)
	if err != nil {
		return err
	}
	if err := sess.SendEvent(0, stream.EventRecord{
		Category: byte(stream.EventCategoryMisc),
		Data:     []byte("bootstrap_complete"),
		Terminal: true,
	}); err != nil {
		return err
	}
	select {
	case <-sess.Done():
	case <-ctx.Done():
		_ = sess.Close()
	}
	return nil
}

// DebugRunnerEntry is the InProcessSpawner entry point: it drives the
// worker side of an in-memory pipe, voiding the sandboxing contract since
// it shares the controller's address space.
func DebugRunnerEntry(ctx context.Context, conn net.Conn, appl *AppletMeta) {
	log := slog.Default().With("appl_id", appl.ID, "mode", "in-process-debug")
	if err := runWorkerSide(ctx, conn, log); err != nil {
		log.Warn("debug runner exited with error", "error", err)
	}
}

// RunWorkerProcess is the entry point for the `a12 runner` subcommand: it
// dials the unix socket a ProcessSpawner is listening on and drives the
// worker side of the control session.
func RunWorkerProcess(ctx context.Context, socketPath, applID string, log *slog.Logger) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("runner: dial %s: %w", socketPath, err)
	}
	return runWorkerSide(ctx, conn, log.With("appl_id", applID))
}

// Spawner starts a runner worker and returns a connected, open net.Conn
// for its control channel. InProcessSpawner and ProcessSpawner are the
// two concrete implementations named by the sandboxing contract: the
// former is a debug convenience, the latter the production path.
type Spawner interface {
	// Spawn starts the worker for appl and returns the controller-side end
	// of its control socket plus a handle usable to stop it later.
	Spawn(ctx context.Context, appl *AppletMeta) (conn net.Conn, proc *exec.Cmd, err error)
}

// InProcessSpawner runs the runner entry point in a goroutine within the
// controller's own process, connected via an in-memory pipe. Per the
// spec this is a debug mode only: it grants the "runner" full access to
// the controller's address space, voiding the sandboxing contract.
type InProcessSpawner struct {
	// Entry is invoked in a new goroutine with the runner's end of the
	// pipe; it must run until the connection closes.
	Entry func(ctx context.Context, conn net.Conn, appl *AppletMeta)
	log   *slog.Logger
}

// NewInProcessSpawner builds a debug-mode spawner. It logs a warning on
// every spawn, per the spec's requirement that debug mode be clearly
// flagged.
func NewInProcessSpawner(entry func(ctx context.Context, conn net.Conn, appl *AppletMeta), log *slog.Logger) *InProcessSpawner {
	if log == nil {
		log = slog.Default()
	}
	return &InProcessSpawner{Entry: entry, log: log}
}

func (s *InProcessSpawner) Spawn(ctx context.Context, appl *AppletMeta) (net.Conn, *exec.Cmd, error) {
	s.log.Warn("spawning runner in-process (debug mode, no sandbox isolation)", "appl_id", appl.ID)
	controllerEnd, runnerEnd := net.Pipe()
	go s.Entry(ctx, runnerEnd, appl)
	return controllerEnd, nil, nil
}

// ProcessSpawner starts the runner as a child process of the current
// binary, invoked with `a12 runner -socket <path> -appl <id>`, and
// accepts its control-socket connection over a unix socket in a
// per-runner temp directory.
type ProcessSpawner struct {
	ExecPath   string // defaults to os.Executable()
	ApplBase   string
	SocketRoot string // directory for ephemeral per-runner unix sockets
	log        *slog.Logger
}

// NewProcessSpawner builds a production-mode spawner.
func NewProcessSpawner(applBase, socketRoot string, log *slog.Logger) *ProcessSpawner {
	if log == nil {
		log = slog.Default()
	}
	exe, err := os.Executable()
	if err != nil {
		exe = "a12"
	}
	return &ProcessSpawner{ExecPath: exe, ApplBase: applBase, SocketRoot: socketRoot, log: log}
}

func (s *ProcessSpawner) Spawn(ctx context.Context, appl *AppletMeta) (net.Conn, *exec.Cmd, error) {
	if err := os.MkdirAll(s.SocketRoot, 0o700); err != nil {
		return nil, nil, fmt.Errorf("spawner: socket dir: %w", err)
	}
	sockPath := fmt.Sprintf("%s/runner-%s-%d.sock", s.SocketRoot, appl.ID, time.Now().UnixNano())
	_ = os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, nil, fmt.Errorf("spawner: listen: %w", err)
	}
	defer ln.Close()
	defer os.Remove(sockPath)

	cmd := exec.CommandContext(ctx, s.ExecPath, "runner", "-socket", sockPath, "-appl", appl.ID, "-root", appl.RootPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("spawner: start runner: %w", err)
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		c, err := ln.Accept()
		accepted <- acceptResult{c, err}
	}()

	select {
	case r := <-accepted:
		if r.err != nil {
			_ = cmd.Process.Kill()
			return nil, nil, fmt.Errorf("spawner: accept: %w", r.err)
		}
		return r.conn, cmd, nil
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		return nil, nil, fmt.Errorf("spawner: runner %s did not connect within timeout", appl.ID)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return nil, nil, ctx.Err()
	}
}
