package archive

import (
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/ArlenWen/squash/internal/squasherr"
)

// CleanEntryPath lexically normalizes a tar entry name into a slash-separated
// path relative to the image root and rejects it with UnsafePath if, after
// normalization, it is absolute or escapes the root via a leading "..". This
// is used wherever entries are tracked purely as path keys (the Deletions
// and Opaques side-tables, and the materialized tree's logical names) rather
// than written to a real directory, so there is no on-disk root to resolve
// symlinks against.
func CleanEntryPath(name string) (string, error) {
	if name == "" {
		return "", squasherr.New(squasherr.KindUnsafePath, "empty entry name")
	}
	slashName := filepath.ToSlash(name)
	if path.IsAbs(slashName) {
		return "", squasherr.New(squasherr.KindUnsafePath, "absolute entry path %q", name)
	}
	cleaned := path.Clean(slashName)
	cleaned = strings.TrimPrefix(cleaned, "./")
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", squasherr.New(squasherr.KindUnsafePath, "entry path %q escapes the archive root", name)
	}
	if cleaned == "." {
		return "", squasherr.New(squasherr.KindUnsafePath, "entry path %q resolves to the archive root", name)
	}
	return cleaned, nil
}

// ResolveExtractPath validates name against root (an existing directory on
// disk) using filepath-securejoin, which resolves any existing intermediate
// symlinks before checking for an escape — the stronger check CleanEntryPath
// cannot perform since it never touches the filesystem. It is used by the
// Parser when spooling blobs and by the Merger when materializing regular
// files into the scratch tree M, i.e. whenever an entry is about to be
// turned into a real file.
func ResolveExtractPath(root, name string) (string, error) {
	rel, err := CleanEntryPath(name)
	if err != nil {
		return "", err
	}
	full, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return "", squasherr.Wrap(squasherr.KindUnsafePath, err, "resolving entry path %q under %q", name, root)
	}
	return full, nil
}

// ResolveSymlinkTarget validates a symlink's link target the same way: an
// absolute target is allowed (it is relative to the rootfs, not to root) but
// a relative target must not climb outside root once joined to the link's
// own directory.
func ResolveSymlinkTarget(root, linkDir, target string) error {
	if path.IsAbs(filepath.ToSlash(target)) {
		return nil
	}
	joined := path.Join(filepath.ToSlash(linkDir), filepath.ToSlash(target))
	if joined == ".." || strings.HasPrefix(joined, "../") {
		return squasherr.New(squasherr.KindUnsafePath, "symlink target %q from %q escapes the archive root", target, linkDir)
	}
	return nil
}
