package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

const autoStartOff = `
browser:
  auto_start: false
`

func writeWorkspace(t *testing.T, root, content string) {
	t.Helper()
	wsDir := filepath.Join(root, WorkspaceDirName)
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write workspace config: %v", err)
	}
}

func TestDiscoverWorkspace(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, "server:\n  name: test\n")

	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("failed to create nested dirs: %v", err)
	}

	for _, start := range []string{root, nested} {
		got, err := DiscoverWorkspace(start)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != root {
			t.Errorf("DiscoverWorkspace(%q) = %q, want %q", start, got, root)
		}
	}
}

func TestDiscoverWorkspace_NotFound(t *testing.T) {
	got, err := DiscoverWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestDiscoverWorkspace_MaxDepth(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, "server:\n  name: test\n")

	parts := []string{root}
	for i := 0; i <= MaxSearchDepth; i++ {
		parts = append(parts, "d")
	}
	deep := filepath.Join(parts...)
	if err := os.MkdirAll(deep, 0755); err != nil {
		t.Fatalf("failed to create deep path: %v", err)
	}

	got, err := DiscoverWorkspace(deep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("expected no workspace beyond max depth, got %q", got)
	}
}

func TestLoadWithWorkspace_Layers(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, `
browser:
  auto_start: false
bridge:
  webviewer_name: "Portal"
query:
  layout: "Contacts"
  limit: 20
`)

	explicit := filepath.Join(root, "explicit.yaml")
	if err := os.WriteFile(explicit, []byte("query:\n  limit: 50\n"), 0644); err != nil {
		t.Fatalf("failed to write explicit config: %v", err)
	}

	cfg, wsDir, err := LoadWithWorkspace(explicit, WorkspaceOptions{ExplicitDir: root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wsDir != root {
		t.Errorf("expected workspace dir %q, got %q", root, wsDir)
	}
	if cfg.Bridge.WebViewerName != "Portal" {
		t.Errorf("expected workspace web viewer name, got %q", cfg.Bridge.WebViewerName)
	}
	if cfg.Query.Layout != "Contacts" {
		t.Errorf("expected workspace layout, got %q", cfg.Query.Layout)
	}
	if cfg.Query.Limit != 50 {
		t.Errorf("expected explicit limit to win, got %d", cfg.Query.Limit)
	}
	if cfg.Server.Name != "webviewer-bridge" {
		t.Errorf("expected default server name, got %q", cfg.Server.Name)
	}
	if cfg.Bridge.TraceDir != filepath.Join(root, "data", "traces") {
		t.Errorf("expected trace dir resolved against workspace, got %q", cfg.Bridge.TraceDir)
	}
}

func TestLoadWithWorkspace_Disabled(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, "query:\n  layout: \"Ignored\"\n")

	explicit := filepath.Join(root, "minimal.yaml")
	if err := os.WriteFile(explicit, []byte(autoStartOff), 0644); err != nil {
		t.Fatalf("failed to write minimal config: %v", err)
	}

	cfg, wsDir, err := LoadWithWorkspace(explicit, WorkspaceOptions{Disable: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wsDir != "" {
		t.Errorf("expected empty workspace dir, got %q", wsDir)
	}
	if cfg.Query.Layout != "" {
		t.Errorf("expected workspace layout ignored, got %q", cfg.Query.Layout)
	}
}

func TestLoadWithWorkspace_InvalidWorkspaceYAML(t *testing.T) {
	root := t.TempDir()
	writeWorkspace(t, root, "query: [broken")

	if _, _, err := LoadWithWorkspace("", WorkspaceOptions{ExplicitDir: root}); err == nil {
		t.Error("expected parse error for broken workspace config")
	}
}

func TestResolveWorkspacePaths(t *testing.T) {
	wsDir := t.TempDir()

	abs := "/var/log/bridge.log"
	if runtime.GOOS == "windows" {
		abs = `C:\var\log\bridge.log`
	}

	cfg := Config{
		Server: ServerConfig{LogFile: abs},
		Bridge: BridgeConfig{TraceDir: "traces"},
		Mangle: MangleConfig{SchemaPath: filepath.Join("schemas", "bridge.mg")},
	}
	resolved := resolveWorkspacePaths(cfg, wsDir)

	if resolved.Server.LogFile != abs {
		t.Errorf("expected absolute log file untouched, got %q", resolved.Server.LogFile)
	}
	if want := filepath.Join(wsDir, "traces"); resolved.Bridge.TraceDir != want {
		t.Errorf("expected trace dir %q, got %q", want, resolved.Bridge.TraceDir)
	}
	if want := filepath.Join(wsDir, "schemas", "bridge.mg"); resolved.Mangle.SchemaPath != want {
		t.Errorf("expected schema path %q, got %q", want, resolved.Mangle.SchemaPath)
	}
}

func TestInitWorkspace(t *testing.T) {
	root := t.TempDir()
	if err := InitWorkspace(root); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wsDir := filepath.Join(root, WorkspaceDirName)
	for _, name := range []string{WorkspaceConfigFile, ".gitignore"} {
		data, err := os.ReadFile(filepath.Join(wsDir, name))
		if err != nil {
			t.Fatalf("failed to read %s: %v", name, err)
		}
		if len(data) == 0 {
			t.Errorf("expected non-empty %s", name)
		}
	}
	if info, err := os.Stat(filepath.Join(wsDir, "data")); err != nil || !info.IsDir() {
		t.Errorf("expected data directory, err=%v", err)
	}

	// The template is all comments, so it must load cleanly over defaults.
	explicit := filepath.Join(root, "minimal.yaml")
	if err := os.WriteFile(explicit, []byte(autoStartOff), 0644); err != nil {
		t.Fatalf("failed to write minimal config: %v", err)
	}
	if _, _, err := LoadWithWorkspace(explicit, WorkspaceOptions{ExplicitDir: root}); err != nil {
		t.Errorf("template config failed to load: %v", err)
	}

	if err := InitWorkspace(root); err == nil {
		t.Error("expected error when workspace already exists")
	}
}
