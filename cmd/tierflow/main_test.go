package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/tierflow/internal/approval"
	"github.com/mtzanidakis/tierflow/internal/archive"
	"github.com/mtzanidakis/tierflow/internal/config"
	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/events"
	"github.com/mtzanidakis/tierflow/internal/resources"
	"github.com/mtzanidakis/tierflow/internal/scheduler"
	"github.com/mtzanidakis/tierflow/internal/swarm"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogHandler(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	logger := slog.New(newLogHandler(&buf, "json", level))

	logger.Debug("hidden")
	logger.Info("swarm cancelled", "swarm", "s1")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug line logged at info level")
	}
	if !strings.Contains(buf.String(), `"swarm":"s1"`) {
		t.Errorf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	logger = slog.New(newLogHandler(&buf, "text", level))
	logger.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestApplyConfig(t *testing.T) {
	res := resources.NewManager(events.Discard, nil)
	approvals := approval.NewService(events.Discard, time.Minute, time.Hour)
	sched := scheduler.New(nil, nil, config.SchedulerConfig{})
	level := new(slog.LevelVar)

	calls := int64(42)
	next := &config.Config{
		Resources: config.ResourcesConfig{Tiers: map[string]resources.Overrides{
			"step": {DefaultLimits: &resources.AmountOverride{APICalls: &calls}},
		}},
		Approval: config.ApprovalConfig{Timeout: 2 * time.Minute},
	}
	applyConfig(next, config.ConfigDiff{
		TiersChanged:     []string{"step"},
		ApprovalChanged:  true,
		NewApproval:      next.Approval,
		SchedulerChanged: true,
		NewPollInterval:  config.SchedulerConfig{PollInterval: time.Second},
		LogLevelChanged:  true,
		NewLogLevel:      "debug",
		NonReloadable:    []string{"nats"},
	}, res, approvals, sched, level)

	if got := res.TierConfig(resources.TierStep).DefaultLimits.APICalls; got != 42 {
		t.Errorf("expected step api calls 42, got %d", got)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", level.Level())
	}

	p, _, err := approvals.Request(approval.Request{ChatID: "c1", ToolCallID: "call-1", ToolName: "shell"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if d := p.ExpiresAt.Sub(p.CreatedAt); d != 2*time.Minute {
		t.Errorf("expected 2m approval window, got %v", d)
	}
	approvals.CancelSwarm("")
}

func TestRunArchives(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	if err := runArchives([]string{"-dir", dir}, &out); err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if !strings.Contains(out.String(), "No archives") {
		t.Errorf("unexpected output: %q", out.String())
	}

	sw := &swarm.Swarm{
		ID:       "s1",
		State:    swarm.StateTerminated,
		Metadata: swarm.Metadata{UserID: "alice"},
		Metrics:  swarm.Metrics{TasksCompleted: 3},
	}
	path, err := archive.New(dir).Archive(context.Background(), sw, []conversation.Message{{Sender: "alice", Content: "hi"}})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	out.Reset()
	if err := runArchives([]string{"-dir", dir}, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), filepath.Base(path)) {
		t.Errorf("archive missing from listing: %q", out.String())
	}

	out.Reset()
	if err := runArchives([]string{"show", path}, &out); err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"Swarm:     s1", "TERMINATED", "alice", "3 completed", "Messages:  1"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("show output missing %q: %q", want, out.String())
		}
	}

	if err := runArchives([]string{"-dir"}, &out); err == nil {
		t.Error("expected error for missing -dir value")
	}
	if err := runArchives([]string{"show"}, &out); err == nil {
		t.Error("expected error for missing file")
	}
}
