package directory

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"sync"

	"golang.org/x/crypto/curve25519"

	"github.com/arcan-os/a12/internal/a12/handshake"
	"github.com/arcan-os/a12/internal/a12/session"
	"github.com/arcan-os/a12/internal/a12/stream"
	a12err "github.com/arcan-os/a12/internal/errors"
	"github.com/arcan-os/a12/internal/directory/hooks"
	"github.com/arcan-os/a12/internal/directory/link"
	"github.com/arcan-os/a12/internal/directory/permission"
)

// Config collects the runtime settings a Controller needs. internal/config
// builds one of these from the script-visible configuration surface.
type Config struct {
	ListenAddr    string
	LocalSecret   [32]byte
	LocalPublic   [32]byte
	SoftAuth      bool
	RekeyBytes    uint64
	RunnerProcess bool // false => in-process debug runner
	SocketRoot    string
	StagingRoot   string
	Perms         *permission.Table
	Keystore      handshake.KeystoreFunc // nil treats every peer as unknown
}

// Controller is the directory process: a listening endpoint, an appl
// registry, the set of connected DirectoryClients, and the per-appl
// RunnerStates it supervises.
type Controller struct {
	cfg Config
	log *slog.Logger

	registry *Registry
	spawner  Spawner
	hookMgr  *hooks.HookManager

	mu      sync.RWMutex
	ln      net.Listener
	closing bool
	clients map[string]*DirectoryClient
	runners map[string]*RunnerState // appl id -> runner
	linkMgr *link.Manager            // outbound federation links, keyed by tag

	acceptWg sync.WaitGroup
	nextConn uint64
}

// New builds a Controller bound to registry, using spawner to start
// per-appl runner workers.
func New(cfg Config, registry *Registry, spawner Spawner, hookMgr *hooks.HookManager, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		cfg:      cfg,
		log:      log.With("component", "directory_controller"),
		registry: registry,
		spawner:  spawner,
		hookMgr:  hookMgr,
		clients:  make(map[string]*DirectoryClient),
		runners:  make(map[string]*RunnerState),
	}
	c.linkMgr = link.NewManager(nil, c.log)
	return c
}

// Start begins listening and launches the accept loop. AutoStart appls are
// spawned after the listener is bound but before the accept loop starts,
// so no client is accepted until their runners are already bootstrapping.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ln != nil {
		c.mu.Unlock()
		return errors.New("directory: controller already started")
	}
	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("directory: listen %s: %w", c.cfg.ListenAddr, err)
	}
	c.ln = ln
	c.mu.Unlock()

	for _, id := range c.registry.AutoStartIDs() {
		if _, err := c.EnsureRunner(ctx, id); err != nil {
			c.log.Warn("autostart failed", "appl_id", id, "error", err)
		}
	}

	c.log.Info("directory controller listening", "addr", ln.Addr().String())
	c.acceptWg.Add(1)
	go c.acceptLoop(ctx)
	return nil
}

func (c *Controller) acceptLoop(ctx context.Context) {
	defer c.acceptWg.Done()
	for {
		c.mu.RLock()
		ln := c.ln
		c.mu.RUnlock()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			c.mu.RLock()
			closing := c.closing
			c.mu.RUnlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			c.log.Warn("accept error", "error", err)
			continue
		}
		go c.handleAccept(ctx, conn)
	}
}

// Stop closes the listener, every connected session, and every runner.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.ln == nil {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	ln := c.ln
	c.ln = nil
	clients := make([]*DirectoryClient, 0, len(c.clients))
	for _, dc := range c.clients {
		clients = append(clients, dc)
	}
	runners := make([]*RunnerState, 0, len(c.runners))
	for _, rs := range c.runners {
		runners = append(runners, rs)
	}
	c.mu.Unlock()

	_ = ln.Close()
	for _, dc := range clients {
		_ = dc.Session().Close()
	}
	for _, rs := range runners {
		_ = rs.Stop()
	}
	c.acceptWg.Wait()
	_ = c.linkMgr.Close()
	c.log.Info("directory controller stopped")
	return nil
}

func (c *Controller) handshakeConfig() handshake.Config {
	keystoreFn := c.cfg.Keystore
	if keystoreFn == nil {
		keystoreFn = func(peer [32]byte) (handshake.KeystoreResult, error) {
			return handshake.KeystoreResult{Authentic: false}, nil
		}
	}
	return handshake.Config{
		LocalLongTermSecret: c.cfg.LocalSecret,
		LocalLongTermPublic: c.cfg.LocalPublic,
		SoftAuth:            c.cfg.SoftAuth,
		Keystore:            keystoreFn,
		RegisterUnknown: func(peer [32]byte) (bool, []byte, error) {
			// Unresolved peers fall through here, gated by soft_auth: the
			// handshake package only admits them as unauthenticated when
			// SoftAuth is set, so returning admit=true is safe either way.
			return true, nil, nil
		},
	}
}

func (c *Controller) handleAccept(ctx context.Context, conn net.Conn) {
	res, err := handshake.New(handshake.RoleResponder, c.handshakeConfig()).Run(ctx, conn)
	if err != nil {
		c.log.Warn("handshake failed", "remote", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	c.mu.Lock()
	c.nextConn++
	id := fmt.Sprintf("dircl%06d", c.nextConn)
	c.mu.Unlock()

	dc := NewDirectoryClient(id, res.PeerLongTerm, 0, permission.Resolve(c.cfg.Perms, hex.EncodeToString(res.PeerLongTerm[:])), nil)

	sess, err := session.New(handshake.RoleResponder, conn, res, session.Config{
		RekeyBytes: c.cfg.RekeyBytes,
		EventSink:  func(ch uint8, payload []byte) { c.handleControlEvent(ctx, dc, ch, payload) },
		BinaryHandler: func(h stream.TransferHeader) (stream.Disposition, io.WriteCloser, error) {
			return stream.DispositionDefer, nil, nil
		},
	}, c.log.With("dircl_id", id))
	if err != nil {
		c.log.Warn("session init failed", "error", err)
		_ = conn.Close()
		return
	}
	dc.sess = sess

	c.mu.Lock()
	c.clients[id] = dc
	c.mu.Unlock()

	if c.hookMgr != nil {
		c.hookMgr.TriggerEvent(ctx, *hooks.NewEvent(hooks.EventClientAccept).WithClientID(id))
	}

	sess.Start()
	go func() {
		<-sess.Done()
		c.mu.Lock()
		delete(c.clients, id)
		c.mu.Unlock()
		if c.hookMgr != nil {
			c.hookMgr.TriggerEvent(ctx, *hooks.NewEvent(hooks.EventClientClose).WithClientID(id))
		}
		if applID := dc.ApplID(); applID != "" {
			c.unjoin(dc, applID)
		}
	}()
}

// handleControlEvent dispatches a channel-0 control message: dircl role
// announcement, appl join/list, admin commands, or (once joined, for a
// runner's own control session) KV-channel messages.
func (c *Controller) handleControlEvent(ctx context.Context, dc *DirectoryClient, ch uint8, payload []byte) {
	pm := parseMessage(string(payload))
	switch pm.tag {
	case "hello_role":
		dc.Roles = parseRoles(pm.fields["role"])
	case "list_appls":
		c.replyApplList(dc, ch)
	case "join":
		if err := c.JoinAppl(ctx, dc, pm.primary); err != nil {
			c.sendFail(dc, ch, err)
		}
	case "unjoin":
		c.unjoin(dc, dc.ApplID())
	case "admin_command":
		if !dc.Roles.Has(RoleAdmin) {
			c.sendFail(dc, ch, a12err.NewPolicyError(a12err.KindPermissionDenied, "directory.admin", fmt.Errorf("not an admin dircl")))
			return
		}
		cmd := ParseAdminCommand(pm.primary)
		if ad := dc.Admin(); ad != nil {
			ad.LastCommand = cmd
		}
	default:
		c.log.Debug("unrecognised control event", "tag", pm.tag, "dircl_id", dc.ID)
	}
}

func parseRoles(s string) RoleFlag {
	var r RoleFlag
	for _, part := range splitNonEmpty(s, ',') {
		switch part {
		case "source":
			r |= RoleSource
		case "sink":
			r |= RoleSink
		case "directory-link":
			r |= RoleDirectoryLink
		case "admin":
			r |= RoleAdmin
		case "monitor":
			r |= RoleMonitor
		}
	}
	return r
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func (c *Controller) replyApplList(dc *DirectoryClient, ch uint8) {
	views := c.registry.List()
	var b []byte
	for _, v := range views {
		b = append(b, fmt.Sprintf("id=%s:name=%s:running=%v\n", v.ID, v.Name, v.Running)...)
	}
	_ = dc.Session().SendEvent(ch, stream.EventRecord{
		Category: byte(stream.EventCategoryData), Data: b, Terminal: true,
	})
}

func (c *Controller) sendFail(dc *DirectoryClient, ch uint8, err error) {
	_ = dc.Session().SendEvent(ch, stream.EventRecord{
		Category: byte(stream.EventCategoryMisc),
		Data:     []byte("fail:reason=" + err.Error()),
		Terminal: true,
	})
}

// EnsureRunner returns the active RunnerState for appl id, spawning one if
// none exists. Exactly one RunnerState exists per appl at any time: a
// concurrent EnsureRunner call for the same id observes the first call's
// in-flight runner rather than racing a second spawn.
func (c *Controller) EnsureRunner(ctx context.Context, applID string) (*RunnerState, error) {
	appl, ok := c.registry.Get(applID)
	if !ok {
		return nil, a12err.NewPolicyError(a12err.KindUnknownAppl, "directory.ensureRunner", fmt.Errorf("unknown appl %q", applID))
	}

	c.mu.Lock()
	if rs, ok := c.runners[applID]; ok {
		c.mu.Unlock()
		return rs, nil
	}
	rs := &RunnerState{Appl: appl, bootstrap: make(chan struct{}), exited: make(chan struct{})}
	c.runners[applID] = rs
	c.mu.Unlock()

	conn, proc, err := c.spawner.Spawn(ctx, appl)
	if err != nil {
		c.mu.Lock()
		delete(c.runners, applID)
		c.mu.Unlock()
		return nil, fmt.Errorf("directory: spawn %s: %w", applID, err)
	}
	rs.proc = proc

	secret, public, err := runnerLocalKeypair()
	if err != nil {
		return nil, err
	}

	rs.kv = newKVStore()
	dispatcher := NewKVDispatcher(rs.kv, applID,
		func(target, id, dst string) error {
			var dstClient *DirectoryClient
			if dst != "" {
				c.mu.RLock()
				dstClient = c.clients[dst]
				c.mu.RUnlock()
			}
			return c.LaunchTarget(target, dstClient)
		},
		func() error {
			if c.hookMgr != nil {
				c.hookMgr.TriggerEvent(ctx, *hooks.NewEvent(hooks.EventApplReseed).WithApplID(applID))
			}
			return nil
		},
	)

	var dispatchSess *session.Session
	sess, err := runSessionHandshake(ctx, handshake.RoleInitiator, conn, secret, public,
		session.Config{
			RekeyBytes: c.cfg.RekeyBytes,
			EventSink: func(ch uint8, payload []byte) {
				raw := string(payload)
				if raw == "bootstrap_complete" {
					rs.bootstrapComplete()
					return
				}
				if dispatchSess == nil {
					return
				}
				if err := dispatcher.Dispatch(dispatchSess, ch, raw); err != nil {
					c.log.Warn("runner kv dispatch failed", "appl_id", applID, "error", err)
				}
			},
		}, c.log.With("appl_id", applID))
	if err != nil {
		c.mu.Lock()
		delete(c.runners, applID)
		c.mu.Unlock()
		return nil, err
	}
	dispatchSess = sess
	rs.ctrl = sess

	go func() {
		<-sess.Done()
		close(rs.exited)
		c.mu.Lock()
		delete(c.runners, applID)
		c.mu.Unlock()
		c.registry.SetRunning(applID, false)
		if c.hookMgr != nil {
			c.hookMgr.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventRunnerStop).WithApplID(applID).WithRunnerID(sess.ID()))
		}
	}()

	if c.hookMgr != nil {
		c.hookMgr.TriggerEvent(ctx, *hooks.NewEvent(hooks.EventRunnerStart).WithApplID(applID).WithRunnerID(sess.ID()))
	}
	c.registry.SetRunning(applID, true)
	return rs, nil
}

// JoinAppl ensures applID has a running RunnerState, waits for its
// bootstrap to complete, then records dc as joined.
func (c *Controller) JoinAppl(ctx context.Context, dc *DirectoryClient, applID string) error {
	rs, err := c.EnsureRunner(ctx, applID)
	if err != nil {
		return err
	}
	if err := rs.WaitBootstrap(ctx); err != nil {
		return err
	}
	dc.Join(applID)
	if c.hookMgr != nil {
		c.hookMgr.TriggerEvent(ctx, *hooks.NewEvent(hooks.EventApplJoin).WithClientID(dc.ID).WithApplID(applID))
	}
	return nil
}

func (c *Controller) unjoin(dc *DirectoryClient, applID string) {
	if applID == "" {
		return
	}
	dc.Unjoin()
	if c.hookMgr != nil {
		c.hookMgr.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventApplLeave).WithClientID(dc.ID).WithApplID(applID))
	}
}

// LaunchTarget is the directory-wide (not per-runner) launch capability
// exposed to admin clients: spawn an out-of-process helper. dst is accepted
// but not used; the helper's output is not routed to any dircl.
func (c *Controller) LaunchTarget(name string, dst *DirectoryClient) error {
	cmd := exec.Command(name)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("directory: launch_target %s: %w", name, err)
	}
	go cmd.Wait()
	return nil
}

// LinkDirectory opens a persistent outbound connection to another
// directory identified by a keystore tag and returns it as a *link.Link
// registered with the controller's link manager. The link's session uses
// the same framing/auth/channel machinery as an inbound connection; no
// DirectoryClient record is created for it.
func (c *Controller) LinkDirectory(ctx context.Context, tag, addr string, lookup func(tag string) (secret, peerPublic [32]byte, err error)) (*link.Link, error) {
	return c.dialDirectory(ctx, tag, addr, lookup, true)
}

// ReferenceDirectory performs a one-shot outbound lookup against another
// directory rather than a persistent federation link.
func (c *Controller) ReferenceDirectory(ctx context.Context, tag, addr string, lookup func(tag string) (secret, peerPublic [32]byte, err error)) (*link.Link, error) {
	return c.dialDirectory(ctx, tag, addr, lookup, false)
}

// LinkStatus reports the connection status of every federated directory
// link and reference currently registered.
func (c *Controller) LinkStatus() map[string]link.Status { return c.linkMgr.Status() }

// dialDirectory builds a per-tag dial closure (the keystore lookup is
// supplied by the caller, not shared across links) and hands it to the
// link manager, which owns connecting, reconnecting and status tracking.
func (c *Controller) dialDirectory(ctx context.Context, tag, addr string, lookup func(tag string) (secret, peerPublic [32]byte, err error), persistent bool) (*link.Link, error) {
	dial := func(ctx context.Context, tag, addr string) (*session.Session, error) {
		secret, peerPublic, err := lookup(tag)
		if err != nil {
			return nil, fmt.Errorf("directory: keystore lookup %s: %w", tag, err)
		}
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("directory: dial %s: %w", addr, err)
		}

		pubBytes, err := curve25519.X25519(secret[:], curve25519.Basepoint)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		var public [32]byte
		copy(public[:], pubBytes)

		hcfg := handshake.Config{
			LocalLongTermSecret: secret,
			LocalLongTermPublic: public,
			Keystore: func(peer [32]byte) (handshake.KeystoreResult, error) {
				if peer == peerPublic {
					return handshake.KeystoreResult{Authentic: true}, nil
				}
				return handshake.KeystoreResult{}, nil
			},
		}
		res, err := handshake.New(handshake.RoleInitiator, hcfg).Run(ctx, conn)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("directory: link handshake %s: %w", tag, err)
		}
		sess, err := session.New(handshake.RoleInitiator, conn, res, session.Config{RekeyBytes: c.cfg.RekeyBytes}, c.log.With("link_tag", tag))
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		sess.Start()
		return sess, nil
	}

	l := link.New(tag, addr, persistent, dial, c.log)
	if err := c.linkMgr.Register(l); err != nil {
		return nil, err
	}
	if err := l.Run(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenResource validates a runner's restricted resource-name syntax
// (alphanumeric plus exactly one dot introducing an extension) and opens
// the named file from the appl's resource directory, never escaping it.
func (c *Controller) OpenResource(applID, name string) (*resourceHandle, error) {
	if !validResourceName(name) {
		return nil, a12err.NewPolicyError(a12err.KindMalformedKey, "directory.resource",
			fmt.Errorf("invalid resource name %q", name))
	}
	appl, ok := c.registry.Get(applID)
	if !ok {
		return nil, a12err.NewPolicyError(a12err.KindUnknownAppl, "directory.resource", fmt.Errorf("unknown appl %q", applID))
	}
	return openAppletResource(appl, name)
}

// InstallAppletBundle unpacks and stages an appl bundle, rescans the
// registry so it is visible to list_appls, and, if a runner for applID is
// already active, sends it a `reload` event rather than tearing it down.
// The bundle contents are not transferred to the running worker.
func (c *Controller) InstallAppletBundle(ctx context.Context, applID string, body io.Reader) (*BundleManifest, error) {
	manifest, err := InstallBundle(body, c.registry.BaseDir(), applID, c.cfg.StagingRoot, c.log)
	if err != nil {
		return nil, err
	}
	if err := c.registry.Scan(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	rs, active := c.runners[applID]
	c.mu.RUnlock()
	if active {
		if err := rs.Session().SendEvent(0, stream.EventRecord{
			Category: byte(stream.EventCategoryMisc),
			Data:     []byte("reload"),
			Terminal: true,
		}); err != nil {
			c.log.Warn("reseed notification failed", "appl_id", applID, "error", err)
		}
	}
	if c.hookMgr != nil {
		c.hookMgr.TriggerEvent(ctx, *hooks.NewEvent(hooks.EventApplReseed).WithApplID(applID))
	}
	return manifest, nil
}

func validResourceName(name string) bool {
	dots := 0
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '.':
			dots++
			if dots > 1 {
				return false
			}
		default:
			return false
		}
	}
	return len(name) > 0 && dots <= 1
}

