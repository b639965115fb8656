package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/tierflow/internal/archive"
	"github.com/mtzanidakis/tierflow/internal/config"
)

// runArchives handles "archives [-dir <dir>]" and "archives show <file>".
func runArchives(args []string, out io.Writer) error {
	if len(args) > 0 && args[0] == "show" {
		if len(args) < 2 {
			return fmt.Errorf("usage: tierflow archives show <file.tar.zst>")
		}
		return showArchive(args[1], out)
	}

	var dir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-dir":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -dir")
			}
			i++
			dir = args[i]
		default:
			return fmt.Errorf("unknown argument %q", args[i])
		}
	}
	if dir == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		dir = cfg.Archive.Dir
	}

	paths, err := archive.List(dir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Fprintf(out, "No archives in %s\n", dir)
		return nil
	}
	for _, p := range paths {
		size := int64(0)
		if info, err := os.Stat(p); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(out, "%-60s %s\n", filepath.Base(p), archive.FormatSize(size))
	}
	return nil
}

func showArchive(path string, out io.Writer) error {
	b, err := archive.Load(path)
	if err != nil {
		return err
	}
	sw := b.Swarm
	fmt.Fprintf(out, "Swarm:     %s\n", sw.ID)
	fmt.Fprintf(out, "State:     %s\n", sw.State)
	fmt.Fprintf(out, "Owner:     %s\n", sw.Metadata.UserID)
	fmt.Fprintf(out, "Created:   %s\n", sw.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Updated:   %s\n", sw.UpdatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Turns:     %d completed, %d failed\n", sw.Metrics.TasksCompleted, sw.Metrics.TasksFailed)
	fmt.Fprintf(out, "Consumed:  %d credits, %d tokens, %d calls\n", sw.Resources.Consumed.Credits, sw.Resources.Consumed.Tokens, sw.Resources.Consumed.APICalls)
	fmt.Fprintf(out, "Messages:  %d\n", len(b.Transcript))
	return nil
}
