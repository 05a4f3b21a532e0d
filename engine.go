// Package squash is the engine's single exported entry point: it wires the
// Reader, Parser, Selector, Merger, Rebuilder and Writer into the pipeline
// described by its data flow, Reader -> Parser -> Selector -> Merger ->
// Rebuilder -> Writer.
package squash

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/ArlenWen/squash/internal/archive"
	"github.com/ArlenWen/squash/internal/imageio"
	"github.com/ArlenWen/squash/internal/merge"
	"github.com/ArlenWen/squash/internal/rebuild"
	"github.com/ArlenWen/squash/internal/squasherr"
	"github.com/ArlenWen/squash/internal/workspace"
)

// Result summarizes one successful Run.
type Result struct {
	// MergedLayerDiffID is the new layer's uncompressed SHA-256 digest.
	MergedLayerDiffID string
	// MergedLayerDigest is the as-stored digest (equal to MergedLayerDiffID
	// unless Options.CompressLayer was set).
	MergedLayerDigest string
	// RetainedLayers is how many original layers were kept unmerged (k).
	RetainedLayers int
	// MergedLayers is how many original layers were folded into the new one.
	MergedLayers int
	// ConfigDigest is the new config blob's SHA-256 digest.
	ConfigDigest string
}

// Engine runs the squash pipeline. The zero value is ready to use.
type Engine struct{}

// Run parses the Docker image archive read from src, merges the layer range
// opts.LayerSpec resolves into one synthetic layer, and writes a rebuilt
// archive to dst. The scratch workspace is created under opts.ScratchRoot
// and torn down before Run returns, on every exit path.
func (Engine) Run(ctx context.Context, src io.Reader, dst io.Writer, opts Options) (Result, error) {
	opts = opts.withDefaults()
	if opts.LayerSpec == (LayerSpec{}) {
		return Result{}, squasherr.New(squasherr.KindInvalidSpec, "Options.LayerSpec is required")
	}
	// Resolving against no layers checks only the spec itself, so Count(0)
	// or a too-short prefix is rejected before any I/O.
	if _, err := opts.LayerSpec.Resolve(nil); squasherr.Is(err, squasherr.KindInvalidSpec) {
		return Result{}, err
	}

	ws, err := workspace.New(opts.ScratchRoot)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		closeErr := ws.Close()
		if r := recover(); r != nil {
			panic(r)
		}
		if closeErr != nil {
			opts.Logger.WithError(closeErr).Warn("squash: scratch workspace cleanup failed")
		}
	}()

	opts.Logger.Debug("squash: parsing archive")
	parser := &imageio.Parser{VerifyDigests: !opts.SkipDigestVerification}
	parsed, err := parser.Parse(ctx, src, ws)
	if err != nil {
		return Result{}, err
	}

	if opts.ImageIndex < 0 || opts.ImageIndex >= len(parsed.Images) {
		return Result{}, squasherr.New(squasherr.KindInvalidSpec,
			"image index %d out of range for archive with %d images", opts.ImageIndex, len(parsed.Images))
	}
	img := parsed.Images[opts.ImageIndex]

	k, err := opts.LayerSpec.Resolve(img.Layers)
	if err != nil {
		return Result{}, err
	}
	if err := checkNoSharedLayerInRange(parsed, opts.ImageIndex, img.Layers, k); err != nil {
		return Result{}, err
	}

	opts.Logger.WithField("k", k).WithField("total", len(img.Layers)).Debug("squash: merging layer range")
	mergeResult, err := merge.Merge(ctx, ws, img.Layers[k:], opts.CompressLayer)
	if err != nil {
		return Result{}, err
	}

	now := time.Now()
	newConfig, err := rebuild.BuildConfig(img.Config, k, mergeResult.DiffID, opts.CreatedBy, now)
	if err != nil {
		return Result{}, err
	}
	configBytes, configDigest, err := rebuild.CanonicalConfigBytes(newConfig)
	if err != nil {
		return Result{}, err
	}
	configName := configDigest.Encoded() + ".json"

	mergedLayerName := mergeResult.StoredDigest.Encoded() + "/layer.tar"
	if mergeResult.Compression == imageio.CompressionGzip {
		mergedLayerName = mergeResult.StoredDigest.Encoded() + "/layer.tar.gz"
	}

	retainedPaths := make([]string, k)
	retainedDiffIDs := make([]digest.Digest, k)
	for i := 0; i < k; i++ {
		retainedPaths[i] = img.Layers[i].ManifestPath
		retainedDiffIDs[i] = img.Layers[i].DiffID
	}

	var repoTags []string
	if opts.OutputTag != "" {
		repoTags = []string{opts.OutputTag}
	}

	newEntry := rebuild.BuildManifestEntry(configName, repoTags, append(append([]string{}, retainedPaths...), mergedLayerName))

	manifest := make([]imageio.ManifestEntry, len(parsed.Images))
	for i, other := range parsed.Images {
		if i == opts.ImageIndex {
			manifest[i] = newEntry
			continue
		}
		manifest[i] = other.Manifest
	}

	sidecars := rebuild.PlanLegacySidecars(retainedDiffIDs, retainedPaths, mergeResult.DiffID, mergedLayerName, opts.CreatedBy, now)

	opts.Logger.Debug("squash: writing rebuilt archive")
	writeReq := writeRequest{
		manifest:        manifest,
		selectedIndex:   opts.ImageIndex,
		configName:      configName,
		configBytes:     configBytes,
		image:           img,
		retained:        k,
		mergedLayerName: mergedLayerName,
		mergeResult:     mergeResult,
		sidecars:        sidecars,
		parsed:          parsed,
	}
	if err := writeArchive(dst, writeReq); err != nil {
		return Result{}, err
	}

	if f, ok := dst.(*os.File); ok {
		if err := f.Sync(); err != nil {
			return Result{}, squasherr.Wrap(squasherr.KindIoError, err, "syncing output archive")
		}
	}

	return Result{
		MergedLayerDiffID: mergeResult.DiffID.String(),
		MergedLayerDigest: mergeResult.StoredDigest.String(),
		RetainedLayers:    k,
		MergedLayers:      len(img.Layers) - k,
		ConfigDigest:      configDigest.String(),
	}, nil
}

func checkNoSharedLayerInRange(parsed *imageio.ParsedArchive, imageIndex int, layers []imageio.LayerRef, k int) error {
	for i := k; i < len(layers); i++ {
		owners := parsed.SharedBy[layers[i].ManifestPath]
		for _, ownerIdx := range owners {
			if ownerIdx != imageIndex {
				return squasherr.New(squasherr.KindMalformedArchive,
					"layer %q in the merge range is shared with image %d; refusing to mutate it", layers[i].ManifestPath, ownerIdx)
			}
		}
	}
	return nil
}

// writeRequest bundles everything writeArchive needs; it exists purely to
// keep that function's signature readable.
type writeRequest struct {
	manifest        []imageio.ManifestEntry
	selectedIndex   int
	configName      string
	configBytes     []byte
	image           imageio.ParsedImage
	retained        int
	mergedLayerName string
	mergeResult     *merge.Result
	sidecars        []rebuild.LegacySidecar
	parsed          *imageio.ParsedArchive
}

func writeArchive(dst io.Writer, req writeRequest) error {
	w := archive.NewWriter(dst)
	now := time.Now()

	manifestBytes, err := json.Marshal(req.manifest)
	if err != nil {
		return squasherr.Wrap(squasherr.KindIoError, err, "encoding manifest.json")
	}
	if err := w.WriteBytes("manifest.json", 0o644, now, manifestBytes); err != nil {
		return err
	}
	if err := w.WriteBytes(req.configName, 0o644, now, req.configBytes); err != nil {
		return err
	}

	written := map[string]bool{}

	for i := 0; i < req.retained; i++ {
		l := req.image.Layers[i]
		if written[l.ManifestPath] {
			continue
		}
		if err := writeFileFrom(w, l.ManifestPath, l.SpoolPath, now); err != nil {
			return err
		}
		written[l.ManifestPath] = true
	}
	if err := writeFileFrom(w, req.mergedLayerName, req.mergeResult.StoredPath, now); err != nil {
		return err
	}
	written[req.mergedLayerName] = true

	for _, sc := range req.sidecars {
		// layer.tar is a symlink to the blob's manifest-facing path rather
		// than a second copy of its bytes; both legacy dirs and blob dirs
		// sit one level below the archive root, so "../" always reaches it.
		if err := w.WriteSymlink(sc.LayerPath, "../"+sc.TargetPath, now); err != nil {
			return err
		}
		dir := path.Dir(sc.LayerPath)
		if err := w.WriteBytes(dir+"/VERSION", 0o644, now, []byte(rebuild.LegacyVersion)); err != nil {
			return err
		}
		jsonBytes, err := json.Marshal(sc.JSON)
		if err != nil {
			return squasherr.Wrap(squasherr.KindIoError, err, "encoding legacy sidecar json for %q", dir)
		}
		if err := w.WriteBytes(dir+"/json", 0o644, now, jsonBytes); err != nil {
			return err
		}
	}

	for i, other := range req.parsed.Images {
		if i == req.selectedIndex {
			continue
		}
		if !written[other.Manifest.Config] {
			if err := writeFileFrom(w, other.Manifest.Config, other.ConfigSpoolPath, now); err != nil {
				return err
			}
			written[other.Manifest.Config] = true
		}
		for _, l := range other.Layers {
			if written[l.ManifestPath] {
				continue
			}
			if err := writeFileFrom(w, l.ManifestPath, l.SpoolPath, now); err != nil {
				return err
			}
			written[l.ManifestPath] = true
		}
	}

	return w.Close()
}

func writeFileFrom(w *archive.Writer, name, spoolPath string, mtime time.Time) error {
	f, err := os.Open(spoolPath)
	if err != nil {
		return squasherr.Wrap(squasherr.KindIoError, err, "reading %q for output", name)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return squasherr.Wrap(squasherr.KindIoError, err, "stat %q for output", name)
	}
	return w.WriteStream(name, 0o644, info.Size(), mtime, f)
}
