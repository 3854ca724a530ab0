// Package link manages outbound federation connections from a directory
// controller to other directories: persistent directory-link peers and
// one-shot directory-reference lookups, both dialed the same way and
// distinguished only by whether Manager keeps reconnecting them.
package link

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arcan-os/a12/internal/a12/session"
)

// Status is the connection state of one federated directory link.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Metrics tracks the lifetime of one link's connection attempts.
type Metrics struct {
	ConnectTime    time.Time
	ReconnectCount uint32
	LastError      error
}

// DialFunc performs one connection attempt to a remote directory
// identified by tag/addr, returning the established session. It owns the
// keystore lookup and handshake; Link only drives when to call it.
type DialFunc func(ctx context.Context, tag, addr string) (*session.Session, error)

// Link is one outbound federation connection, reconnected on failure
// unless Persistent is false (a directory-reference one-shot lookup).
type Link struct {
	Tag        string
	Addr       string
	Persistent bool

	dial DialFunc
	log  *slog.Logger

	mu      sync.RWMutex
	sess    *session.Session
	status  Status
	metrics Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a link but does not connect it; call Run to start dialing.
func New(tag, addr string, persistent bool, dial DialFunc, log *slog.Logger) *Link {
	if log == nil {
		log = slog.Default()
	}
	return &Link{
		Tag:        tag,
		Addr:       addr,
		Persistent: persistent,
		dial:       dial,
		log:        log.With("link_tag", tag, "link_addr", addr),
		done:       make(chan struct{}),
	}
}

// Run performs the initial connection attempt and, for persistent links,
// keeps reconnecting with a capped backoff until Close is called.
func (l *Link) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	err := l.connectOnce(ctx)
	if !l.Persistent {
		close(l.done)
		return err
	}

	go l.reconnectLoop(ctx)
	return err
}

func (l *Link) connectOnce(ctx context.Context) error {
	l.mu.Lock()
	l.status = StatusConnecting
	l.mu.Unlock()

	sess, err := l.dial(ctx, l.Tag, l.Addr)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.status = StatusError
		l.metrics.LastError = err
		l.log.Warn("link connect failed", "error", err)
		return err
	}
	l.sess = sess
	l.status = StatusConnected
	l.metrics.ConnectTime = time.Now()
	l.metrics.LastError = nil
	l.log.Info("link connected")
	return nil
}

func (l *Link) reconnectLoop(ctx context.Context) {
	defer close(l.done)
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		l.mu.RLock()
		sess := l.sess
		l.mu.RUnlock()

		var waitDone <-chan struct{}
		if sess != nil {
			waitDone = sess.Done()
		} else {
			waitDone = closedChan
		}

		select {
		case <-ctx.Done():
			return
		case <-waitDone:
			l.mu.Lock()
			l.status = StatusDisconnected
			l.metrics.ReconnectCount++
			l.mu.Unlock()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := l.connectOnce(ctx); err != nil {
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = time.Second
	}
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Session returns the currently active session, or nil if disconnected.
func (l *Link) Session() *session.Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sess
}

// GetStatus returns the current connection status.
func (l *Link) GetStatus() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// GetMetrics returns a copy of the link's metrics.
func (l *Link) GetMetrics() Metrics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.metrics
}

// Close tears down the link and stops any reconnect loop.
func (l *Link) Close() error {
	l.mu.Lock()
	cancel := l.cancel
	sess := l.sess
	l.status = StatusDisconnected
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sess != nil {
		err = sess.Close()
	}
	return err
}

// Manager owns the set of named outbound federation links a directory
// controller has established.
type Manager struct {
	mu    sync.RWMutex
	links map[string]*Link
	log   *slog.Logger
	dial  DialFunc
}

// NewManager returns an empty link manager; dial is shared by every link
// it creates.
func NewManager(dial DialFunc, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		links: make(map[string]*Link),
		log:   log.With("component", "link_manager"),
		dial:  dial,
	}
}

// Add creates, starts, and registers a new link under tag. persistent
// controls whether it reconnects on failure (directory-link) or is a
// one-shot lookup (directory-reference).
func (m *Manager) Add(ctx context.Context, tag, addr string, persistent bool) (*Link, error) {
	m.mu.Lock()
	if _, exists := m.links[tag]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("link: tag %q already registered", tag)
	}
	l := New(tag, addr, persistent, m.dial, m.log)
	m.links[tag] = l
	m.mu.Unlock()

	if err := l.Run(ctx); err != nil && !persistent {
		m.mu.Lock()
		delete(m.links, tag)
		m.mu.Unlock()
		return nil, err
	}
	return l, nil
}

// Register adds an already-constructed, already-started Link. Used when a
// caller needs a per-link dial closure (e.g. a distinct keystore lookup
// per remote tag) rather than the manager's shared DialFunc.
func (m *Manager) Register(l *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.links[l.Tag]; exists {
		return fmt.Errorf("link: tag %q already registered", l.Tag)
	}
	m.links[l.Tag] = l
	return nil
}

// Get returns the link registered under tag, if any.
func (m *Manager) Get(tag string) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[tag]
	return l, ok
}

// Status returns the connection status of every registered link.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.links))
	for tag, l := range m.links {
		out[tag] = l.GetStatus()
	}
	return out
}

// Metrics returns the metrics of every registered link.
func (m *Manager) Metrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Metrics, len(m.links))
	for tag, l := range m.links {
		out[tag] = l.GetMetrics()
	}
	return out
}

// Close tears down every registered link.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lastErr error
	for tag, l := range m.links {
		if err := l.Close(); err != nil {
			m.log.Warn("error closing link", "tag", tag, "error", err)
			lastErr = err
		}
	}
	m.links = make(map[string]*Link)
	return lastErr
}
