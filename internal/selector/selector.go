// Package selector implements the Layer Selector component: it resolves a
// user-supplied layer specification into a concrete contiguous merge range
// [k, L) over a parsed image's layer list.
package selector

import (
	"strings"

	digest "github.com/opencontainers/go-digest"

	"github.com/ArlenWen/squash/internal/imageio"
	"github.com/ArlenWen/squash/internal/squasherr"
)

// Spec is a resolved or resolvable layer specification. Construct one with
// Count or DigestPrefix.
type Spec struct {
	count        int
	digestPrefix string
	isCount      bool
}

// Count selects the last n layers for merging.
func Count(n int) Spec {
	return Spec{count: n, isCount: true}
}

// DigestPrefix selects every layer from the first whose diff_id starts with
// prefix (a lowercase hex string, optionally "sha256:"-prefixed) onward.
func DigestPrefix(prefix string) Spec {
	return Spec{digestPrefix: prefix}
}

// Resolve returns the start index k of the merge range [k, L) over layers.
// L is always len(layers).
func (s Spec) Resolve(layers []imageio.LayerRef) (int, error) {
	l := len(layers)
	if s.isCount {
		return resolveCount(s.count, l)
	}
	return resolveDigestPrefix(s.digestPrefix, layers)
}

func resolveCount(n, l int) (int, error) {
	if n <= 0 {
		return 0, squasherr.New(squasherr.KindInvalidSpec, "Cannot merge 0 layers")
	}
	if n > l {
		n = l
	}
	return l - n, nil
}

func resolveDigestPrefix(raw string, layers []imageio.LayerRef) (int, error) {
	prefix := strings.TrimPrefix(raw, "sha256:")
	if len(prefix) < 8 {
		return 0, squasherr.New(squasherr.KindInvalidSpec, "Layer ID must be at least 8 characters long")
	}
	prefix = strings.ToLower(prefix)

	match := -1
	for i, layer := range layers {
		hex := strings.ToLower(strings.TrimPrefix(string(layer.DiffID), string(digest.SHA256)+":"))
		if strings.HasPrefix(hex, prefix) {
			if match != -1 {
				return 0, squasherr.New(squasherr.KindAmbiguousLayerId,
					"layer id prefix %q matches both layer %d and layer %d", raw, match, i)
			}
			match = i
		}
	}
	if match == -1 {
		return 0, squasherr.New(squasherr.KindLayerNotFound, "no layer's diff_id starts with %q", raw)
	}
	return match, nil
}
