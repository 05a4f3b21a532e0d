package merge

import (
	"archive/tar"
	"io"
	"os"
	"path"

	"github.com/ArlenWen/squash/internal/archive"
	"github.com/ArlenWen/squash/internal/squasherr"
)

// state is the accumulator the Merger replays layers into: M itself (tree),
// plus the Deletions and Opaques side tables that record which lower-layer
// paths the merge range erases. They are kept distinct from tree because a
// deletion or an opaque marker is a statement about what must NOT survive
// from outside the merge range — it has no content of its own, and a path
// can be simultaneously deleted-from-below and recreated-within-range (the
// tree entry wins; see clearPendingRemoval).
type state struct {
	tree      *tree
	root      string // scratch directory M's regular-file content is written under
	deletions map[string]bool
	opaques   map[string]bool
}

func newState(root string) *state {
	return &state{
		tree:      newTree(),
		root:      root,
		deletions: map[string]bool{},
		opaques:   map[string]bool{},
	}
}

// applyEntry replays one archive entry from one layer, in ascending layer
// order, into s. Layers must be applied strictly in sequence: each one's
// whiteouts act on the accumulated state of every earlier layer in the
// range, so this step cannot be parallelized.
func (s *state) applyEntry(hdr *tar.Header, body io.Reader) error {
	if hdr.Name != "" && path.Clean(hdr.Name) == "." {
		return nil // the bare root entry carries no useful metadata
	}
	name, err := archive.CleanEntryPath(hdr.Name)
	if err != nil {
		return err
	}

	dir, base := path.Split(name)
	dir = trimTrailingSlash(dir)

	if opaque, whiteoutFor, ok := archive.SplitWhiteout(dir, base); ok {
		if opaque {
			s.tree.removeSubtree(dir)
			s.opaques[dir] = true
			return nil
		}
		target := whiteoutFor
		if dir != "" {
			target = dir + "/" + whiteoutFor
		}
		s.tree.removeSubtree(target)
		s.deletions[target] = true
		// The directory itself being whited-out supersedes any opaque
		// marker recorded against it earlier in the range.
		delete(s.opaques, target)
		return nil
	}

	s.clearPendingRemoval(name)

	switch hdr.Typeflag {
	case tar.TypeDir:
		if s.opaques[name] {
			delete(s.opaques, name)
		}
		s.tree.put(name, &entry{header: cloneHeader(hdr, name)})
		return nil

	case tar.TypeSymlink:
		if err := archive.ResolveSymlinkTarget(s.root, dir, hdr.Linkname); err != nil {
			return err
		}
		s.tree.put(name, &entry{header: cloneHeader(hdr, name)})
		return nil

	case tar.TypeLink:
		return s.applyHardlink(hdr, name)

	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		s.tree.put(name, &entry{header: cloneHeader(hdr, name)})
		return nil

	case tar.TypeReg, tar.TypeRegA:
		dest, err := archive.ResolveExtractPath(s.root, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(path.Dir(dest), 0o755); err != nil {
			return squasherr.Wrap(squasherr.KindIoError, err, "materializing %q", name)
		}
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return squasherr.Wrap(squasherr.KindIoError, err, "materializing %q", name)
		}
		if _, err := io.Copy(f, body); err != nil {
			f.Close()
			return squasherr.Wrap(squasherr.KindIoError, err, "materializing %q", name)
		}
		if err := f.Close(); err != nil {
			return squasherr.Wrap(squasherr.KindIoError, err, "materializing %q", name)
		}
		s.tree.put(name, &entry{header: cloneHeader(hdr, name), contentPath: dest})
		return nil

	default:
		return squasherr.New(squasherr.KindMalformedArchive, "entry %q: unsupported type %q", name, string(hdr.Typeflag))
	}
}

// applyHardlink resolves a TypeLink entry. If its target is already tracked
// in M (created or modified earlier within the merge range), the link is
// rewritten into a regular file carrying the target's current content — a
// hardlink within a single output tar to a path that itself is about to be
// reserialized is legal, but copying keeps the two copies independent if a
// later layer in the range further mutates one of them. If the target is
// NOT tracked in M, it lives in a layer below the merge range that this
// engine never reads; the entry is passed through unchanged; on everyday
// extraction the lower layers are applied first, so the real link target
// exists on disk by the time this merged layer is applied on top.
func (s *state) applyHardlink(hdr *tar.Header, name string) error {
	target, err := archive.CleanEntryPath(hdr.Linkname)
	if err != nil {
		// Absolute or otherwise unusual link targets from outside the
		// merge range are passed through verbatim; they cannot refer to
		// anything this merge materializes.
		s.tree.put(name, &entry{header: cloneHeader(hdr, name)})
		return nil
	}

	targetEntry := s.tree.get(target)
	if targetEntry == nil || targetEntry.header.Typeflag != tar.TypeReg {
		s.tree.put(name, &entry{header: cloneHeader(hdr, name)})
		return nil
	}

	dest, err := archive.ResolveExtractPath(s.root, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path.Dir(dest), 0o755); err != nil {
		return squasherr.Wrap(squasherr.KindIoError, err, "materializing hardlink %q", name)
	}
	if err := copyFile(targetEntry.contentPath, dest); err != nil {
		return squasherr.Wrap(squasherr.KindIoError, err, "materializing hardlink %q", name)
	}

	newHdr := cloneHeader(targetEntry.header, name)
	newHdr.Typeflag = tar.TypeReg
	newHdr.Linkname = ""
	s.tree.put(name, &entry{header: newHdr, contentPath: dest})
	return nil
}

// clearPendingRemoval un-records a Deletion for name: the same merge range
// can delete a path and then recreate it, and the recreation always wins.
func (s *state) clearPendingRemoval(name string) {
	delete(s.deletions, name)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func cloneHeader(hdr *tar.Header, name string) *tar.Header {
	clone := *hdr
	clone.Name = name
	return &clone
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
