package directory

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeApplDir(t *testing.T, baseDir, id string) {
	t.Helper()
	root := filepath.Join(baseDir, id)
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", root, err)
	}
	if err := os.WriteFile(filepath.Join(root, "main.lua"), []byte("-- entry"), 0o644); err != nil {
		t.Fatalf("write main.lua: %v", err)
	}
}

func TestNewRegistryScansValidApplDirs(t *testing.T) {
	base := t.TempDir()
	writeApplDir(t, base, "chatroom")
	if err := os.MkdirAll(filepath.Join(base, "not-an-appl"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	r, err := NewRegistry(base, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if _, ok := r.Get("chatroom"); !ok {
		t.Fatal("expected chatroom appl to be registered")
	}
	if _, ok := r.Get("not-an-appl"); ok {
		t.Fatal("directory without main.lua should not be registered as an appl")
	}
}

func TestScanDropsRemovedAppl(t *testing.T) {
	base := t.TempDir()
	writeApplDir(t, base, "transient")

	r, err := NewRegistry(base, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := r.Get("transient"); !ok {
		t.Fatal("expected transient appl present before removal")
	}

	if err := os.RemoveAll(filepath.Join(base, "transient")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, ok := r.Get("transient"); ok {
		t.Fatal("expected transient appl dropped after removal from disk")
	}
}

func TestScanPreservesAutoStartAcrossRescans(t *testing.T) {
	base := t.TempDir()
	writeApplDir(t, base, "lobby")

	r, err := NewRegistry(base, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	appl, _ := r.Get("lobby")
	appl.AutoStart = true

	if err := r.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	ids := r.AutoStartIDs()
	if len(ids) != 1 || ids[0] != "lobby" {
		t.Fatalf("expected autostart flag to survive a rescan, got %v", ids)
	}
}

func TestSetRunningReflectedInList(t *testing.T) {
	base := t.TempDir()
	writeApplDir(t, base, "worker")

	r, err := NewRegistry(base, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	r.SetRunning("worker", true)

	views := r.List()
	if len(views) != 1 || !views[0].Running {
		t.Fatalf("expected worker to be marked running, got %+v", views)
	}
}

func TestWatchTriggersOnChangeAfterScan(t *testing.T) {
	base := t.TempDir()
	r, err := NewRegistry(base, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	changed := make(chan struct{}, 1)
	stop := make(chan struct{})
	defer close(stop)
	if err := r.Watch(stop, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Skipf("fsnotify unavailable in this environment: %v", err)
	}

	writeApplDir(t, base, "freshly-added")

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onChange to fire after a new appl directory appeared")
	}

	if _, ok := r.Get("freshly-added"); !ok {
		t.Fatal("expected rescan triggered by fsnotify to pick up the new appl")
	}
}
