package directory

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestValidResourceName(t *testing.T) {
	cases := map[string]bool{
		"sprite.png":   true,
		"readme":       true,
		"a.b.c":        false,
		"../etc/passwd": false,
		"bad name.png": false,
		"":             false,
	}
	for name, want := range cases {
		if got := validResourceName(name); got != want {
			t.Errorf("validResourceName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestOpenAppletResourceReadsFile(t *testing.T) {
	root := t.TempDir()
	resDir := filepath.Join(root, "resources")
	if err := os.MkdirAll(resDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(resDir, "sprite.png"), []byte("pngdata"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	appl := &AppletMeta{ID: "demo", RootPath: root}
	h, err := openAppletResource(appl, "sprite.png")
	if err != nil {
		t.Fatalf("openAppletResource: %v", err)
	}
	defer h.Close()

	data, err := io.ReadAll(h)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "pngdata" {
		t.Fatalf("unexpected content: %q", data)
	}
	if h.Size != 7 {
		t.Fatalf("unexpected size: %d", h.Size)
	}
}

func TestOpenAppletResourceRejectsDirectory(t *testing.T) {
	root := t.TempDir()
	resDir := filepath.Join(root, "resources", "sub")
	if err := os.MkdirAll(resDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	appl := &AppletMeta{ID: "demo", RootPath: root}
	if _, err := openAppletResource(appl, "sub"); err == nil {
		t.Fatal("expected opening a directory as a resource to fail")
	}
}

func TestOpenAppletResourceMissingFile(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "resources"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	appl := &AppletMeta{ID: "demo", RootPath: root}
	if _, err := openAppletResource(appl, "missing.png"); err == nil {
		t.Fatal("expected missing resource to fail")
	}
}
