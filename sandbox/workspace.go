package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Workspace is a uniform view of a session's working area. Paths are
// relative to the session root ("artifacts/out.png", "data/ds1.parquet").
// The ingestion pipeline and the dataset stager depend only on this
// interface; the storage topology (memory-backed tmpfs reached over RPC
// vs. host-bound directory reached directly) is hidden behind it.
type Workspace interface {
	// List returns the relative paths of all regular files under dir.
	// A missing dir lists as empty, not as an error.
	List(ctx context.Context, dir string) ([]string, error)
	// Read returns the content of the file at path.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write stores data at path, creating parents. The write must not
	// expose partial content to a concurrent reader.
	Write(ctx context.Context, path string, data []byte) error
	// Remove deletes the file at path. Missing files are not an error.
	Remove(ctx context.Context, path string) error
}

// replWorkspace reaches a memory-backed working area through the REPL's
// file primitives: every byte crosses the sandbox boundary over HTTP.
type replWorkspace struct {
	client *ReplClient
}

// NewReplWorkspace returns a Workspace backed by the sandbox's REPL file
// endpoints. Used for memory-mode sessions, where the host has no direct
// view of the working area.
func NewReplWorkspace(client *ReplClient) Workspace {
	return &replWorkspace{client: client}
}

func (w *replWorkspace) containerPath(rel string) string {
	return ContainerSessionDir + "/" + rel
}

func (w *replWorkspace) List(ctx context.Context, dir string) ([]string, error) {
	return w.client.ListFiles(ctx, w.containerPath(dir))
}

func (w *replWorkspace) Read(ctx context.Context, path string) ([]byte, error) {
	return w.client.ReadFile(ctx, w.containerPath(path))
}

func (w *replWorkspace) Write(ctx context.Context, path string, data []byte) error {
	return w.client.PutFile(ctx, w.containerPath(path), data)
}

func (w *replWorkspace) Remove(ctx context.Context, path string) error {
	return w.client.RemoveFile(ctx, w.containerPath(path))
}

// hostWorkspace reaches a disk-backed working area directly: the session
// directory is bind-mounted into the sandbox, so host I/O is immediately
// visible inside it and vice versa.
type hostWorkspace struct {
	root string
}

// NewHostWorkspace returns a Workspace rooted at the host-side session
// directory. Used for disk-mode sessions.
func NewHostWorkspace(root string) Workspace {
	return &hostWorkspace{root: root}
}

func (w *hostWorkspace) List(_ context.Context, dir string) ([]string, error) {
	base := filepath.Join(w.root, dir)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return nil, nil
	}
	var out []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return out, nil
}

func (w *hostWorkspace) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(w.root, path))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func (w *hostWorkspace) Write(_ context.Context, path string, data []byte) error {
	dst := filepath.Join(w.root, path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create parent for %s: %w", path, err)
	}
	// Temp file plus rename so the bind-mounted reader inside the sandbox
	// never sees a half-written file.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".write-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit %s: %w", path, err)
	}
	return nil
}

func (w *hostWorkspace) Remove(_ context.Context, path string) error {
	err := os.Remove(filepath.Join(w.root, path))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
