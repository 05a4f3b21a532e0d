package rebuild

import (
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/ArlenWen/squash/internal/imageio"
)

// BuildManifestEntry returns the new single manifest entry for the squashed
// image: configName is the new config blob's filename (its hex digest plus
// ".json"), layerPaths is the first k original layer manifest paths
// followed by the merged layer's new path.
func BuildManifestEntry(configName string, repoTags []string, layerPaths []string) imageio.ManifestEntry {
	return imageio.ManifestEntry{
		Config:   configName,
		RepoTags: repoTags,
		Layers:   layerPaths,
	}
}

// LegacySidecar describes one "<legacyID>/{layer.tar,json,VERSION}" triple
// the Archive Writer must emit. layer.tar is written as a symlink to
// TargetPath rather than a second copy of the blob, since that blob's bytes
// are already written into the archive at their manifest-facing path (see
// containers/image's tarfile.Writer.sendSymlink, which this mirrors).
type LegacySidecar struct {
	LegacyID   string
	LayerPath  string // manifest-facing path, "<legacyID>/layer.tar"
	TargetPath string // manifest-facing path of the real blob layer.tar symlinks to
	JSON       *LegacyJSON
}

// PlanLegacySidecars builds one LegacySidecar per retained layer plus one
// for the newly merged layer, chaining legacy IDs across all of them in
// order. retainedManifestPaths and mergedManifestPath are the archive-facing
// paths the corresponding blobs are already written under, not scratch disk
// paths — the sidecar's layer.tar is a symlink to one of these, never a
// duplicate copy.
func PlanLegacySidecars(
	retainedDiffIDs []digest.Digest, retainedManifestPaths []string,
	mergedDiffID digest.Digest, mergedManifestPath string,
	createdBy string, created time.Time,
) []LegacySidecar {
	allDiffIDs := append(append([]digest.Digest{}, retainedDiffIDs...), mergedDiffID)
	ids := ComputeLegacyIDs(allDiffIDs)

	out := make([]LegacySidecar, len(allDiffIDs))
	for i := range allDiffIDs {
		target := mergedManifestPath
		if i < len(retainedManifestPaths) {
			target = retainedManifestPaths[i]
		}
		entryCreatedBy := ""
		if i == len(allDiffIDs)-1 {
			entryCreatedBy = createdBy
		}
		out[i] = LegacySidecar{
			LegacyID:   ids[i],
			LayerPath:  ids[i] + "/layer.tar",
			TargetPath: target,
			JSON:       BuildLegacyJSON(ids, i, created, entryCreatedBy),
		}
	}
	return out
}
