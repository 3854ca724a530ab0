package directory

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

func buildBundle(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}); err != nil {
			t.Fatalf("tar header %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("tar write %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return &buf
}

func TestInstallBundleFreshInstall(t *testing.T) {
	applBase := t.TempDir()
	staging := t.TempDir()

	archive := buildBundle(t, map[string]string{
		"manifest.json": `{"entry":"main.lua","resources":["sprite.png"]}`,
		"main.lua":      "-- entry point",
		"resources/sprite.png": "pngdata",
	})

	manifest, err := InstallBundle(archive, applBase, "demo", staging, nil)
	if err != nil {
		t.Fatalf("InstallBundle: %v", err)
	}
	if manifest.Entry != "main.lua" {
		t.Fatalf("unexpected entry: %q", manifest.Entry)
	}
	if _, err := os.Stat(filepath.Join(applBase, "demo", "main.lua")); err != nil {
		t.Fatalf("expected entry file installed: %v", err)
	}
}

func TestInstallBundleMissingManifestFails(t *testing.T) {
	applBase := t.TempDir()
	staging := t.TempDir()
	archive := buildBundle(t, map[string]string{"main.lua": "-- entry point"})

	if _, err := InstallBundle(archive, applBase, "demo", staging, nil); err == nil {
		t.Fatal("expected missing manifest.json to fail installation")
	}
}

func TestInstallBundleMissingEntryFails(t *testing.T) {
	applBase := t.TempDir()
	staging := t.TempDir()
	archive := buildBundle(t, map[string]string{
		"manifest.json": `{"entry":"main.lua"}`,
	})

	if _, err := InstallBundle(archive, applBase, "demo", staging, nil); err == nil {
		t.Fatal("expected missing entry file referenced by manifest to fail installation")
	}
}

func TestInstallBundleRejectsPathEscape(t *testing.T) {
	applBase := t.TempDir()
	staging := t.TempDir()
	archive := buildBundle(t, map[string]string{
		"manifest.json":  `{"entry":"main.lua"}`,
		"../escape.lua":  "malicious",
	})

	if _, err := InstallBundle(archive, applBase, "demo", staging, nil); err == nil {
		t.Fatal("expected archive entry escaping the staging dir to be rejected")
	}
}

func TestInstallBundleReinstallSwapsAndCleansBackup(t *testing.T) {
	applBase := t.TempDir()
	staging := t.TempDir()

	first := buildBundle(t, map[string]string{
		"manifest.json": `{"entry":"main.lua"}`,
		"main.lua":      "-- v1",
	})
	if _, err := InstallBundle(first, applBase, "demo", staging, nil); err != nil {
		t.Fatalf("first InstallBundle: %v", err)
	}

	second := buildBundle(t, map[string]string{
		"manifest.json": `{"entry":"main.lua"}`,
		"main.lua":      "-- v2",
	})
	if _, err := InstallBundle(second, applBase, "demo", staging, nil); err != nil {
		t.Fatalf("second InstallBundle: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(applBase, "demo", "main.lua"))
	if err != nil {
		t.Fatalf("read installed entry: %v", err)
	}
	if string(data) != "-- v2" {
		t.Fatalf("expected v2 content after reinstall, got %q", data)
	}
	if _, err := os.Stat(filepath.Join(applBase, "demo.prev")); !os.IsNotExist(err) {
		t.Fatalf("expected backup dir cleaned up after successful swap, stat err=%v", err)
	}
}
