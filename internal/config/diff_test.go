package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/tierflow/internal/resources"
)

func int64p(v int64) *int64 { return &v }

func TestDiff_NoChanges(t *testing.T) {
	cfg := defaults()
	d := Diff(&cfg, &cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
	if len(d.NonReloadable) != 0 {
		t.Errorf("expected no non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestDiff_TierChanged(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Resources.Tiers = map[string]resources.Overrides{
		"run": {DefaultLimits: &resources.AmountOverride{Credits: int64p(5)}},
	}
	d := Diff(&old, &new)
	if !d.HasChanges() {
		t.Fatal("expected changes")
	}
	if len(d.TiersChanged) != 1 || d.TiersChanged[0] != "run" {
		t.Errorf("expected run changed, got %v", d.TiersChanged)
	}
}

func TestDiff_ApprovalChanged(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Approval.Timeout = time.Minute
	d := Diff(&old, &new)
	if !d.ApprovalChanged {
		t.Fatal("expected approval change")
	}
	if d.NewApproval.Timeout != time.Minute {
		t.Errorf("expected new timeout 1m, got %v", d.NewApproval.Timeout)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	old := defaults()
	new := defaults()
	new.Log.Level = "debug"
	d := Diff(&old, &new)
	if !d.LogLevelChanged || d.NewLogLevel != "debug" {
		t.Errorf("expected log level debug, got %+v", d)
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := defaults()
	new := defaults()
	new.NATS.Port = 5222
	new.Web.Port = 9090
	d := Diff(&old, &new)
	if d.HasChanges() {
		t.Error("non-reloadable fields should not count as changes")
	}
	if len(d.NonReloadable) != 2 {
		t.Errorf("expected 2 non-reloadable changes, got %v", d.NonReloadable)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tierflow.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	current, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	changed := make(chan ConfigDiff, 1)
	w, err := NewWatcher(path, current, func(_ *Config, d ConfigDiff) {
		select {
		case changed <- d:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-changed:
		if d.NewLogLevel != "debug" {
			t.Errorf("expected debug, got %s", d.NewLogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reload")
	}
}
