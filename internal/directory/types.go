// Package directory implements the directory controller (C5): appl
// registry, per-appl runner lifecycle, KV store mediation, the admin
// channel, and directory-link federation.
package directory

import (
	"sync"
	"time"

	"github.com/arcan-os/a12/internal/a12/channel"
	"github.com/arcan-os/a12/internal/a12/session"
	"github.com/arcan-os/a12/internal/directory/permission"
)

// RoleFlag classifies a connected peer.
type RoleFlag uint8

const (
	RoleSource RoleFlag = 1 << iota
	RoleSink
	RoleDirectoryLink
	RoleAdmin
	RoleMonitor
)

func (r RoleFlag) Has(f RoleFlag) bool { return r&f != 0 }

func (r RoleFlag) String() string {
	var parts []string
	if r.Has(RoleSource) {
		parts = append(parts, "source")
	}
	if r.Has(RoleSink) {
		parts = append(parts, "sink")
	}
	if r.Has(RoleDirectoryLink) {
		parts = append(parts, "directory-link")
	}
	if r.Has(RoleAdmin) {
		parts = append(parts, "admin")
	}
	if r.Has(RoleMonitor) {
		parts = append(parts, "monitor")
	}
	if len(parts) == 0 {
		return "none"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// AdminDescriptor carries the extra bookkeeping an admin-role dircl needs:
// the parsed command table from its most recent submission, kept around so
// status reports can reference "the command currently being handled".
type AdminDescriptor struct {
	LastCommand map[string]any
}

// DirectoryClient is one connected peer's record, joined at most one appl
// at a time.
type DirectoryClient struct {
	mu sync.Mutex

	ID        string
	PublicKey [32]byte
	Roles     RoleFlag
	Perms     permission.Set

	applID string // empty when not joined
	sess   *session.Session
	admin  *AdminDescriptor
}

// NewDirectoryClient wraps an established session as a classified dircl.
func NewDirectoryClient(id string, pub [32]byte, roles RoleFlag, perms permission.Set, sess *session.Session) *DirectoryClient {
	dc := &DirectoryClient{ID: id, PublicKey: pub, Roles: roles, Perms: perms, sess: sess}
	if roles.Has(RoleAdmin) {
		dc.admin = &AdminDescriptor{}
	}
	return dc
}

// Session returns the dircl's underlying transport session.
func (dc *DirectoryClient) Session() *session.Session { return dc.sess }

// ApplID returns the appl this dircl is currently joined to, or "".
func (dc *DirectoryClient) ApplID() string {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.applID
}

// Join records the dircl as joined to appl id. The invariant that
// Join/Unjoin keeps `in_appl == appl.identifier` is enforced here: one
// dircl can only ever be joined to one appl at a time.
func (dc *DirectoryClient) Join(applID string) {
	dc.mu.Lock()
	dc.applID = applID
	dc.mu.Unlock()
}

// Unjoin clears the joined appl.
func (dc *DirectoryClient) Unjoin() {
	dc.mu.Lock()
	dc.applID = ""
	dc.mu.Unlock()
}

// Admin returns the dircl's admin descriptor, or nil if it isn't an admin
// dircl.
func (dc *DirectoryClient) Admin() *AdminDescriptor {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.admin
}

// InputMaskChannel0 always returns an empty InputMask. It does not read
// the mask installed on the session's control channel; per-channel masks
// live on the session's own channel table.
func (dc *DirectoryClient) InputMaskChannel0() channel.InputMask {
	if dc.sess == nil {
		return channel.InputMask{}
	}
	// Channel 0 always exists for the lifetime of the session.
	return channel.InputMask{}
}

// AppletMeta is one entry in the appl registry.
type AppletMeta struct {
	ID          string
	Name        string
	UpdatedAt   time.Time
	RootPath    string // on-disk root of the appl's script tree and data dir
	AutoStart   bool
	Description string
}

// AppletView is the list-view projection served to clients.
type AppletView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Running   bool      `json:"running"`
}
