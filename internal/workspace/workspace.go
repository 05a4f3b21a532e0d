// Package workspace manages the scratch directory that the Image Parser and
// Whiteout-aware Merger materialize state into. The teacher repository
// (brauner/go-docker-melt) allocated its scratch directory with a single
// ioutil.TempDir call in main() and cleaned it up inline at the end of a long
// function; this package generalizes that into an owned handle whose
// teardown runs on every exit path, including a panic unwinding through the
// engine.
package workspace

import (
	"os"
	"path/filepath"

	"github.com/ArlenWen/squash/internal/squasherr"
)

// Workspace is a scratch directory owned by exactly one invocation of the
// engine. Callers must call Close (typically via defer immediately after
// New returns) to guarantee removal.
type Workspace struct {
	root   string
	closed bool
}

// New creates a fresh scratch directory beneath root (an OS temp root when
// root is empty) and returns a handle to it.
func New(root string) (*Workspace, error) {
	dir, err := os.MkdirTemp(root, "squash-")
	if err != nil {
		return nil, squasherr.Wrap(squasherr.KindIoError, err, "creating scratch workspace under %q", root)
	}
	return &Workspace{root: dir}, nil
}

// Root returns the scratch directory's absolute path.
func (w *Workspace) Root() string { return w.root }

// Path joins elem onto the workspace root.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.root}, elem...)...)
}

// Mkdir creates a subdirectory of the workspace, including parents.
func (w *Workspace) Mkdir(elem ...string) (string, error) {
	p := w.Path(elem...)
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", squasherr.Wrap(squasherr.KindIoError, err, "creating scratch subdirectory %q", p)
	}
	return p, nil
}

// Close removes the scratch directory and everything beneath it. It is safe
// to call more than once; only the first call does any work.
func (w *Workspace) Close() error {
	if w == nil || w.closed {
		return nil
	}
	w.closed = true
	if err := os.RemoveAll(w.root); err != nil {
		return squasherr.Wrap(squasherr.KindIoError, err, "removing scratch workspace %q", w.root)
	}
	return nil
}
