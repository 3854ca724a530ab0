package directory

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// resourceHandle is an open appl resource file, scoped to stay inside the
// appl's own root directory regardless of what the requested name looks
// like once resolved on disk.
type resourceHandle struct {
	f    *os.File
	Name string
	Size int64
}

func (h *resourceHandle) Read(p []byte) (int, error) { return h.f.Read(p) }
func (h *resourceHandle) Close() error                { return h.f.Close() }

// openAppletResource opens name (already validated by validResourceName)
// under appl's resource directory. The resource directory is a fixed
// "resources" subdirectory of the appl root, kept separate from the Lua
// script tree so a resource request can never resolve to the appl's own
// controller entry point.
func openAppletResource(appl *AppletMeta, name string) (*resourceHandle, error) {
	resDir := filepath.Join(appl.RootPath, "resources")
	full := filepath.Join(resDir, name)

	// filepath.Join cleans ".." segments, but name was already restricted
	// to alphanumeric-plus-one-dot by validResourceName, so this is a
	// second, independent check rather than the only one.
	rel, err := filepath.Rel(resDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return nil, fmt.Errorf("resource: %q escapes appl resource directory", name)
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("resource: open %q: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("resource: stat %q: %w", name, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("resource: %q is a directory", name)
	}
	return &resourceHandle{f: f, Name: name, Size: info.Size()}, nil
}

var _ io.ReadCloser = (*resourceHandle)(nil)
