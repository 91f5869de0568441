// Package workspace turns a job's code payload into an isolated directory that
// can be bind-mounted into a sandbox.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dirPrefix = "job_"
	dirMode   = 0755
	fileMode  = 0644

	// ownerSuffix marks a sibling file recording that the agent created the
	// directory next to it. The janitor only sweeps marked directories.
	ownerSuffix = ".owner"

	defaultRootName = "gpuflow-provider"
)

// DefaultRoot is the agent's private directory under the system temp dir.
func DefaultRoot() string {
	return filepath.Join(os.TempDir(), defaultRootName)
}

// Workspace is a uniquely named directory owned by exactly one job.
type Workspace struct {
	JobID     string
	Dir       string
	Files     []string
	CreatedAt time.Time
}

// Remove destroys the directory, everything in it and its owner marker.
func (w *Workspace) Remove() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return removeOwned(w.Dir)
}

func removeOwned(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.Remove(dir + ownerSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type Materializer struct {
	root   string
	logger *slog.Logger
}

// NewMaterializer creates workspaces under root (DefaultRoot when empty).
func NewMaterializer(root string, logger *slog.Logger) *Materializer {
	if root == "" {
		root = DefaultRoot()
	}
	return &Materializer{
		root:   root,
		logger: logger.With("component", "workspace"),
	}
}

func (m *Materializer) Root() string { return m.root }

// Materialize decodes raw and writes it into a fresh directory. Any unsafe or
// colliding file name fails the whole bundle and leaves nothing behind.
func (m *Materializer) Materialize(jobID, raw string) (*Workspace, error) {
	bundle := DecodeBundle(raw)
	files, err := checkFiles(bundle.Files())
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.root, dirMode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	dir, err := os.MkdirTemp(m.root, dirPrefix+sanitizeID(jobID)+"_*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	// 先写归属标记，崩溃中途遗留的目录也能被 janitor 认出
	if err := os.WriteFile(dir+ownerSuffix, []byte(jobID), fileMode); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	// MkdirTemp 创建的是 0700，沙箱内的非特权用户需要读权限
	if err := os.Chmod(dir, dirMode); err != nil {
		removeOwned(dir)
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	ws := &Workspace{JobID: jobID, Dir: dir, CreatedAt: time.Now()}
	if err := writeFiles(dir, files); err != nil {
		removeOwned(dir)
		return nil, err
	}
	for _, f := range files {
		ws.Files = append(ws.Files, f.Name)
	}

	_, single := bundle.(SingleFile)
	m.logger.Debug("Workspace materialized",
		"job_id", jobID,
		"dir", dir,
		"files", len(files),
		"single_file", single,
	)
	return ws, nil
}

// checkFiles normalizes every name and rejects anything that could land
// outside the workspace or overwrite another entry.
func checkFiles(files []File) ([]File, error) {
	seen := make(map[string]struct{}, len(files))
	out := make([]File, 0, len(files))

	for _, f := range files {
		name := strings.ReplaceAll(f.Name, `\`, "/")
		if name == "" || strings.HasPrefix(name, "/") {
			return nil, fmt.Errorf("%w: %q", ErrUnsafePath, f.Name)
		}
		clean := filepath.Clean(filepath.FromSlash(name))
		if !filepath.IsLocal(clean) || clean == "." {
			return nil, fmt.Errorf("%w: %q", ErrUnsafePath, f.Name)
		}
		if _, dup := seen[clean]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateFile, f.Name)
		}
		seen[clean] = struct{}{}
		out = append(out, File{Name: clean, Content: f.Content})
	}
	return out, nil
}

func writeFiles(dir string, files []File) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	defer root.Close()

	for _, f := range files {
		if parent := filepath.Dir(f.Name); parent != "." {
			if err := root.MkdirAll(parent, dirMode); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrWriteFailed, f.Name, err)
			}
		}
		if err := root.WriteFile(f.Name, []byte(f.Content), fileMode); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrWriteFailed, f.Name, err)
		}
		// 不受 umask 影响
		if err := root.Chmod(f.Name, fileMode); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrWriteFailed, f.Name, err)
		}
	}
	return nil
}

// sanitizeID keeps directory names portable whatever the control plane sends.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 64 {
			break
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
