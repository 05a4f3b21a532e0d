// Package rebuild implements the Image Rebuilder component: given the
// original parsed image, the merge boundary k, and the Merger's result, it
// constructs the new config, manifest, and legacy per-layer sidecars the
// Archive Writer needs.
package rebuild

import (
	"encoding/json"
	"time"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	digest "github.com/opencontainers/go-digest"

	"github.com/ArlenWen/squash/internal/imageio"
	"github.com/ArlenWen/squash/internal/squasherr"
)

// BuildConfig returns a new config for the squashed image: the first k
// layers' diff_ids and history entries are kept verbatim, then one synthetic
// entry is appended describing the merged layer. orig is left unmodified.
func BuildConfig(orig *imageio.Config, k int, newDiffID digest.Digest, createdBy string, created time.Time) (*imageio.Config, error) {
	if k < 0 || k > len(orig.Rootfs.DiffIDs) {
		return nil, squasherr.New(squasherr.KindInvalidSpec, "rebuild: k=%d out of range for %d diff_ids", k, len(orig.Rootfs.DiffIDs))
	}

	raw := make(map[string]json.RawMessage, len(orig.Raw))
	for key, value := range orig.Raw {
		raw[key] = value
	}

	cfg := &imageio.Config{
		Raw: raw,
		Rootfs: imageio.Rootfs{
			Type:    orig.Rootfs.Type,
			DiffIDs: append(append([]digest.Digest{}, orig.Rootfs.DiffIDs[:k]...), newDiffID),
		},
		History: truncateHistory(orig.History, k, createdBy, created),
	}

	if err := cfg.Sync(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// truncateHistory keeps every history entry that comes before the (k+1)-th
// non-empty entry — the first k non-empty entries plus every empty_layer
// entry up to that point, including those after the k-th non-empty one —
// and discards the rest, since those steps are now subsumed by the
// synthetic layer appended here.
func truncateHistory(orig []imageio.History, k int, createdBy string, created time.Time) []imageio.History {
	kept := make([]imageio.History, 0, k+1)
	nonEmpty := 0
	for _, h := range orig {
		if h.EmptyLayer {
			// An empty entry chronologically between two real layers
			// describes metadata added after the last kept layer; it
			// is retained as long as its enclosing layer was.
			kept = append(kept, h)
			continue
		}
		if nonEmpty >= k {
			break
		}
		kept = append(kept, h)
		nonEmpty++
	}
	kept = append(kept, imageio.History{
		Created:   created.UTC().Format(time.RFC3339),
		CreatedBy: createdBy,
	})
	return kept
}

// CanonicalConfigBytes renders cfg.Raw as RFC 8785 canonical JSON and
// returns both the bytes and their SHA-256 digest, which becomes the new
// config blob's filename.
func CanonicalConfigBytes(cfg *imageio.Config) ([]byte, digest.Digest, error) {
	plain, err := json.Marshal(cfg.Raw)
	if err != nil {
		return nil, "", squasherr.Wrap(squasherr.KindIoError, err, "encoding rebuilt config")
	}
	canonical, err := jsoncanonicalizer.Transform(plain)
	if err != nil {
		return nil, "", squasherr.Wrap(squasherr.KindIoError, err, "canonicalizing rebuilt config")
	}
	return canonical, digest.Canonical.FromBytes(canonical), nil
}
