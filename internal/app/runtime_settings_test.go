package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// ---- fakes ----

type fakeApplier struct {
	applied []RuntimeConfig
	err     error
}

func (f *fakeApplier) ApplyConfig(_ context.Context, cfg RuntimeConfig) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, cfg)
	return nil
}

// ---- tests ----

func TestRuntimeSettingsManagerUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	applier := &fakeApplier{}
	initial := validRuntimeConfig()
	mgr := NewRuntimeSettingsManager(applier, path, initial)

	next := initial
	next.MaxActive = 9
	if err := mgr.Update(context.Background(), next); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := mgr.Get().MaxActive; got != 9 {
		t.Fatalf("MaxActive = %d", got)
	}
	if len(applier.applied) != 1 {
		t.Fatalf("applied %d times", len(applier.applied))
	}

	loaded, err := LoadRuntimeConfig(path, RuntimeConfig{})
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if loaded.MaxActive != 9 || loaded.DownloadRoot != initial.DownloadRoot {
		t.Fatalf("persisted config = %+v", loaded)
	}
}

func TestRuntimeSettingsManagerRollsBackOnSaveFailure(t *testing.T) {
	// A directory path cannot be replaced by a file.
	path := t.TempDir()
	applier := &fakeApplier{}
	initial := validRuntimeConfig()
	mgr := NewRuntimeSettingsManager(applier, path, initial)

	next := initial
	next.MaxActive = 9
	if err := mgr.Update(context.Background(), next); err == nil {
		t.Fatal("expected save error")
	}
	if got := mgr.Get().MaxActive; got != initial.MaxActive {
		t.Fatalf("MaxActive = %d, want rollback to %d", got, initial.MaxActive)
	}
	if len(applier.applied) != 2 || applier.applied[1].MaxActive != initial.MaxActive {
		t.Fatalf("expected rollback apply, got %+v", applier.applied)
	}
}

func TestRuntimeSettingsManagerApplyErrorKeepsCurrent(t *testing.T) {
	applier := &fakeApplier{err: errors.New("worker closed")}
	initial := validRuntimeConfig()
	mgr := NewRuntimeSettingsManager(applier, "", initial)

	next := initial
	next.ListenPort = 7000
	if err := mgr.Update(context.Background(), next); err == nil {
		t.Fatal("expected apply error")
	}
	if mgr.Get().ListenPort != initial.ListenPort {
		t.Fatal("current config changed despite apply failure")
	}
}

func TestLoadRuntimeConfig(t *testing.T) {
	dir := t.TempDir()
	fallback := validRuntimeConfig()

	got, err := LoadRuntimeConfig(filepath.Join(dir, "missing.yaml"), fallback)
	if err != nil || got.ListenPort != fallback.ListenPort {
		t.Fatalf("missing file: got %+v, err %v", got, err)
	}

	path := filepath.Join(dir, "engine.yaml")
	yamlDoc := `
listen_port: 51413
max_active: 2
download_root: /srv/torrents
dht: false
tracker:
  user_agent: ""
  default: [udp://a:1, udp://b:2]
proxy:
  host: 10.0.0.1
  port: 1080
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = LoadRuntimeConfig(path, fallback)
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if got.ListenPort != 51413 || got.MaxActive != 2 || got.DownloadRoot != "/srv/torrents" {
		t.Fatalf("unexpected config: %+v", got)
	}
	if got.ResumeDir != fallback.ResumeDir {
		t.Fatalf("fallback resume dir lost: %q", got.ResumeDir)
	}
	if got.DHT == nil || *got.DHT {
		t.Fatalf("dht = %v", got.DHT)
	}
	if got.Tracker.UserAgent == nil || *got.Tracker.UserAgent != "" {
		t.Fatalf("user agent should be set-but-empty: %v", got.Tracker.UserAgent)
	}
	if got.Proxy.Port == nil || *got.Proxy.Port != 1080 {
		t.Fatalf("proxy port = %v", got.Proxy.Port)
	}

	if err := os.WriteFile(path, []byte("listen_port: [nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRuntimeConfig(path, fallback); err == nil {
		t.Fatal("expected parse error")
	}

	if err := os.WriteFile(path, []byte("unknown_key: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRuntimeConfig(path, fallback); err == nil {
		t.Fatal("expected unknown field error")
	}
}
