// Package archive writes terminal swarms to zstd-compressed tarballs before
// they are removed from the store.
package archive

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mtzanidakis/tierflow/internal/conversation"
	"github.com/mtzanidakis/tierflow/internal/swarm"
)

const (
	swarmEntry      = "swarm.json"
	transcriptEntry = "transcript.json"
	suffix          = ".tar.zst"
)

// Bundle is the content of one archive.
type Bundle struct {
	Swarm      *swarm.Swarm
	Transcript []conversation.Message
}

type Archiver struct {
	dir string
	now func() time.Time
}

func New(dir string) *Archiver {
	return &Archiver{dir: dir, now: time.Now}
}

// Archive writes <dir>/<swarm>-<unix>.tar.zst and returns its path.
func (a *Archiver) Archive(ctx context.Context, sw *swarm.Swarm, history []conversation.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	swarmJSON, err := json.MarshalIndent(sw, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode swarm: %w", err)
	}
	if history == nil {
		history = []conversation.Message{}
	}
	transcriptJSON, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}

	now := a.now()
	out := filepath.Join(a.dir, fmt.Sprintf("%s-%d%s", sw.ID, now.Unix(), suffix))
	tmp := out + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer os.Remove(tmp)
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return "", fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	for _, e := range []struct {
		name string
		data []byte
	}{
		{swarmEntry, swarmJSON},
		{transcriptEntry, transcriptJSON},
	} {
		hdr := &tar.Header{
			Name:    e.name,
			Mode:    0o644,
			Size:    int64(len(e.data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(e.data); err != nil {
			return "", fmt.Errorf("write tar data: %w", err)
		}
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, out); err != nil {
		return "", fmt.Errorf("rename archive: %w", err)
	}

	size := int64(0)
	if info, err := os.Stat(out); err == nil {
		size = info.Size()
	}
	slog.Info("swarm archived", "swarm", sw.ID, "path", out, "size", FormatSize(size), "messages", len(history))
	return out, nil
}

// Load reads an archive back.
func Load(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var b Bundle
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		switch hdr.Name {
		case swarmEntry:
			if err := json.NewDecoder(tr).Decode(&b.Swarm); err != nil {
				return nil, fmt.Errorf("decode swarm: %w", err)
			}
		case transcriptEntry:
			if err := json.NewDecoder(tr).Decode(&b.Transcript); err != nil {
				return nil, fmt.Errorf("decode transcript: %w", err)
			}
		}
	}
	if b.Swarm == nil {
		return nil, fmt.Errorf("archive %s has no %s", path, swarmEntry)
	}
	return &b, nil
}

// List returns the archive paths in dir sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read archive dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func FormatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
