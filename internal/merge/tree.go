package merge

import (
	"archive/tar"
	"path"
	"strings"
)

// entry is one path's materialized state within M, the accumulator that
// holds the net filesystem delta of the layers being merged. Regular files
// keep their content on disk (contentPath, under the scratch workspace);
// every other type is metadata-only, which is why the Merger's memory bound
// is O(|M|) header metadata rather than O(total layer bytes).
type entry struct {
	header      *tar.Header
	contentPath string // valid only when header.Typeflag == tar.TypeReg
}

// tree is the in-memory index of M, keyed by the entry's cleaned,
// slash-separated path (no leading/trailing slash). It mirrors the
// operator-framework/operator-registry squash code's tarTree, generalized to
// back regular-file content with real scratch files instead of in-memory
// byte slices (that implementation holds every layer fully in memory, which
// the memory-bounded requirement here rules out).
type tree struct {
	entries map[string]*entry
}

func newTree() *tree {
	return &tree{entries: make(map[string]*entry)}
}

func (t *tree) get(p string) *entry { return t.entries[p] }

func (t *tree) has(p string) bool {
	_, ok := t.entries[p]
	return ok
}

// put records e at p, synthesizing any missing ancestor directory entries so
// that every file's parent chain is always present in the tree (archives
// are not required to carry explicit directory headers for every level).
func (t *tree) put(p string, e *entry) {
	t.entries[p] = e
	t.ensureAncestors(p)
}

// ensureAncestors walks up from p's parent to the root, inserting a
// synthetic directory entry (mode 0755) wherever one is not yet tracked.
func (t *tree) ensureAncestors(p string) {
	for {
		parent := path.Dir(p)
		if parent == "." || parent == "/" || parent == "" {
			return
		}
		if t.has(parent) {
			return
		}
		t.entries[parent] = &entry{header: &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     parent,
			Mode:     0o755,
		}}
		p = parent
	}
}

// removeSubtree deletes p and, if p is a directory, every entry whose path
// is p or begins with "p/".
func (t *tree) removeSubtree(p string) {
	if !t.has(p) {
		return
	}
	delete(t.entries, p)
	prefix := p + "/"
	for k := range t.entries {
		if strings.HasPrefix(k, prefix) {
			delete(t.entries, k)
		}
	}
}

func (t *tree) paths() []string {
	out := make([]string, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	return out
}
