package archive

import "strings"

// Whiteout marker conventions, per the OCI/AUFS image spec. These names are
// reserved: they are consumed by the Merger and must never appear in a
// merged (new) layer's output.
const (
	WhiteoutPrefix = ".wh."
	WhiteoutOpaque = ".wh..wh..opq"
)

// SplitWhiteout inspects a tar entry's base name and reports whether it is
// an opaque marker, a whiteout for a sibling name, or neither (ok == false).
// dir is the directory portion of the entry's path (no trailing slash,
// "" for the image root); name is the sibling the whiteout deletes, valid
// only when opaque is false and ok is true.
func SplitWhiteout(dir, base string) (opaque bool, name string, ok bool) {
	if base == WhiteoutOpaque {
		return true, "", true
	}
	if strings.HasPrefix(base, WhiteoutPrefix) {
		return false, strings.TrimPrefix(base, WhiteoutPrefix), true
	}
	return false, "", false
}
