package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pbk-go/internal/config"
	"pbk-go/internal/pbk"
)

// jpegHeader is enough for content-based type detection.
var jpegHeader = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00")

func newTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	base := t.TempDir()
	library := filepath.Join(base, "library")
	album := filepath.Join(library, "2024")
	if err := os.MkdirAll(album, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.jpg", "b.jpg"} {
		data := append(append([]byte{}, jpegHeader...), name...)
		if err := os.WriteFile(filepath.Join(album, name), data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	cfg := config.NewConfig("user-1", "client-1", base)
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	cfg.Media.Roots = []string{library}
	return cfg, album
}

func TestPBKApp_BackupFlow(t *testing.T) {
	cfg, album := newTestConfig(t)
	ctx := context.Background()

	a, err := NewPBKApp(ctx, cfg, "Test")
	if err != nil {
		t.Fatalf("NewPBKApp() error = %v", err)
	}
	defer a.Close()

	if _, err := a.AddFolder(ctx, album); err != nil {
		t.Fatalf("AddFolder() error = %v", err)
	}
	if _, err := a.AddFolder(ctx, filepath.Join(album, "missing")); err == nil {
		t.Error("AddFolder() expected error for a directory without media")
	}

	n, err := a.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Sync() = %d, want 2", n)
	}

	if _, err := a.Upload(ctx, pbk.NetworkConnected); !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("Upload(CONNECTED) error = %v, want ErrNetworkUnavailable", err)
	}
	errs, err := a.Errors(ctx)
	if err != nil {
		t.Fatalf("Errors() error = %v", err)
	}
	if len(errs) != 1 || errs[0].Type != pbk.ErrorTypeWifiConnectivity {
		t.Errorf("Errors() = %+v, want WIFI_CONNECTIVITY", errs)
	}

	summary, err := a.Upload(ctx, pbk.NetworkUnmetered)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if summary.Completed != 2 || summary.Failed != 0 {
		t.Errorf("Upload() = %+v, want 2 completed", summary)
	}

	state, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !state.Enabled || state.Status.Kind != pbk.StatusComplete {
		t.Errorf("Status() = %+v, want enabled and complete", state)
	}

	result, err := a.Verify(ctx, "")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if result.Verified != 2 || len(result.Mismatched) != 0 {
		t.Errorf("Verify() = %+v, want 2 verified", result)
	}

	if err := a.RemoveFolder(ctx, album); err != nil {
		t.Fatalf("RemoveFolder() error = %v", err)
	}
	state, _ = a.Status(ctx)
	if state.Status.Kind != pbk.StatusDisabled {
		t.Errorf("status after removal = %s, want DISABLED", state.Status.Kind)
	}
}

func TestPBKApp_SameNameInTwoAlbums(t *testing.T) {
	cfg, album := newTestConfig(t)
	other := filepath.Join(filepath.Dir(album), "2025")
	if err := os.MkdirAll(other, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(other, "a.jpg"), append(append([]byte{}, jpegHeader...), "copy"...), 0644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	a, err := NewPBKApp(ctx, cfg, "Test")
	if err != nil {
		t.Fatalf("NewPBKApp() error = %v", err)
	}
	defer a.Close()

	for _, dir := range []string{album, other} {
		if _, err := a.AddFolder(ctx, dir); err != nil {
			t.Fatalf("AddFolder(%s) error = %v", dir, err)
		}
	}
	if _, err := a.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	summary, err := a.Upload(ctx, pbk.NetworkUnmetered)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if summary.Completed != 2 || summary.Failed != 0 {
		t.Errorf("Upload() = %+v, want 2 completed and none failed", summary)
	}

	state, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if state.Status.Kind != pbk.StatusComplete || len(state.Errors) != 0 {
		t.Errorf("Status() = %+v, want complete without errors", state)
	}
}

func TestPBKApp_ClearErrors(t *testing.T) {
	cfg, _ := newTestConfig(t)
	ctx := context.Background()

	a, err := NewPBKApp(ctx, cfg, "Test")
	if err != nil {
		t.Fatalf("NewPBKApp() error = %v", err)
	}
	defer a.Close()

	if err := a.ClearErrors(ctx, "NOT_A_TYPE"); err == nil {
		t.Error("ClearErrors() expected error for unknown type")
	}
	if err := a.ClearErrors(ctx, string(pbk.ErrorTypePermission)); err != nil {
		t.Errorf("ClearErrors() error = %v", err)
	}
	if err := a.ClearErrors(ctx, ""); err != nil {
		t.Errorf("ClearErrors() error = %v", err)
	}
}

func TestNewPBKApp_RequiresMigratedDatabase(t *testing.T) {
	cfg, _ := newTestConfig(t)
	cfg.Database = config.DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(cfg.BaseDir, "db")}
	ctx := context.Background()

	if _, err := NewPBKApp(ctx, cfg, "Test"); err == nil {
		t.Fatal("NewPBKApp() expected error before migration")
	}

	if err := Migrate(cfg); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	a, err := NewPBKApp(ctx, cfg, "Test")
	if err != nil {
		t.Fatalf("NewPBKApp() after Migrate error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewPBKApp_InvalidConfig(t *testing.T) {
	cfg, _ := newTestConfig(t)
	cfg.ClientUID = ""
	if _, err := NewPBKApp(context.Background(), cfg, "Test"); err == nil {
		t.Fatal("NewPBKApp() expected error for invalid config")
	}
}
