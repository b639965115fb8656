package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/swarm"
)

func sampleSwarm() *swarm.Swarm {
	return &swarm.Swarm{
		ID:       "s1",
		State:    swarm.StateTerminated,
		Team:     swarm.TeamFormation{Leader: "bot-a"},
		Metadata: swarm.Metadata{UserID: "alice", Name: "demo"},
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archives")
	a := New(dir)
	a.now = func() time.Time { return time.Unix(1700000000, 0) }

	history := []conversation.Message{
		{Sender: "alice", Role: conversation.RoleUser, Content: "hello"},
		{Sender: "bot-a", Role: conversation.RoleAssistant, Content: "hi"},
	}
	path, err := a.Archive(context.Background(), sampleSwarm(), history)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "s1-1700000000.tar.zst"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	b, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if b.Swarm.ID != "s1" || b.Swarm.State != swarm.StateTerminated {
		t.Errorf("swarm = %+v", b.Swarm)
	}
	if b.Swarm.Metadata.Name != "demo" {
		t.Errorf("name = %q, want demo", b.Swarm.Metadata.Name)
	}
	if len(b.Transcript) != 2 || b.Transcript[1].Content != "hi" {
		t.Errorf("transcript = %+v", b.Transcript)
	}
}

func TestArchiveEmptyTranscript(t *testing.T) {
	a := New(t.TempDir())
	path, err := a.Archive(context.Background(), sampleSwarm(), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if b.Transcript == nil || len(b.Transcript) != 0 {
		t.Errorf("transcript = %#v, want empty slice", b.Transcript)
	}
}

func TestArchiveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(t.TempDir()).Archive(ctx, sampleSwarm(), nil); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestLoadInvalid(t *testing.T) {
	if _, err := Load("/nonexistent/file.tar.zst"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}

	path := filepath.Join(t.TempDir(), "bad.tar.zst")
	if err := os.WriteFile(path, []byte("not zstd data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid zstd data")
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	a := New(dir)
	tick := int64(100)
	a.now = func() time.Time {
		tick++
		return time.Unix(tick, 0)
	}
	for range 2 {
		if _, err := a.Archive(context.Background(), sampleSwarm(), nil); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)

	got, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 archives, got %v", got)
	}
	if filepath.Base(got[0]) != "s1-101.tar.zst" {
		t.Errorf("first = %q", got[0])
	}

	missing, err := List(filepath.Join(dir, "nope"))
	if err != nil || missing != nil {
		t.Errorf("List(missing) = %v, %v", missing, err)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{1023, "1023 bytes"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1610612736, "1.5 GB"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatSize(tt.bytes); got != tt.want {
				t.Errorf("FormatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}
