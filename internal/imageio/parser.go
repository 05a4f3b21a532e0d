package imageio

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/ArlenWen/squash/internal/archive"
	"github.com/ArlenWen/squash/internal/squasherr"
	"github.com/ArlenWen/squash/internal/workspace"
)

const manifestFileName = "manifest.json"

// Parser reads an archive's entries once, spooling every blob to the
// scratch workspace and buffering only manifest.json, config blobs and
// legacy per-layer json sidecars (all small, per the Archive Reader's
// contract).
type Parser struct {
	// VerifyDigests enables a check, run after every blob is spooled, that
	// hashes each layer's decompressed bytes against its declared diff_id
	// (see verifyDiffIDs). Engine.Run turns it on by default;
	// Options.SkipDigestVerification turns it off for callers who trust
	// their input and want to avoid the extra decompression pass.
	VerifyDigests bool
}

// Parse streams the archive in r into ws, returning the parsed image set.
func (p *Parser) Parse(ctx context.Context, r io.Reader, ws *workspace.Workspace) (*ParsedArchive, error) {
	blobDir, err := ws.Mkdir("blobs")
	if err != nil {
		return nil, err
	}

	reader := archive.NewReader(r)

	var manifestBytes []byte
	spooled := map[string]string{} // archive entry name -> path on disk
	var pendingLinks []outerLink   // symlink/hardlink entries, resolved once every real blob is spooled

	for {
		if err := ctx.Err(); err != nil {
			return nil, squasherr.Wrap(squasherr.KindIoError, err, "reading archive")
		}

		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		name, safeErr := archive.CleanEntryPath(entry.Header.Name)
		if safeErr != nil {
			return nil, safeErr
		}

		if name == manifestFileName {
			buf, readErr := io.ReadAll(entry.Body)
			if readErr != nil {
				return nil, squasherr.Wrap(squasherr.KindIoError, readErr, "reading manifest.json")
			}
			manifestBytes = buf
			continue
		}

		// VERSION sidecars carry no information this engine uses.
		if strings.HasSuffix(name, "/VERSION") {
			continue
		}

		// Directory entries ("<id>/", "blobs/", "blobs/sha256/") are a real
		// docker save archive's normal shape; they carry no content of their
		// own, and os.MkdirAll below already creates every parent directory
		// a spooled file needs.
		if entry.Header.Typeflag == tar.TypeDir {
			continue
		}

		// A symlink or hardlink entry (e.g. a legacy "<legacyID>/layer.tar"
		// pointing at the real blob, the shape this engine itself now
		// writes) carries no body of its own; spooling it as a regular file
		// would silently truncate it to empty. Resolve it to an alias of
		// whatever it points at instead, once every entry has been read.
		if entry.Header.Typeflag == tar.TypeSymlink || entry.Header.Typeflag == tar.TypeLink {
			target, linkErr := resolveOuterLinkTarget(name, entry.Header)
			if linkErr != nil {
				return nil, linkErr
			}
			pendingLinks = append(pendingLinks, outerLink{name: name, target: target})
			continue
		}

		dest, safeErr := archive.ResolveExtractPath(blobDir, name)
		if safeErr != nil {
			return nil, safeErr
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, squasherr.Wrap(squasherr.KindIoError, err, "creating scratch directory for %q", name)
		}
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, squasherr.Wrap(squasherr.KindIoError, err, "spooling %q", name)
		}
		if _, err := io.Copy(f, entry.Body); err != nil {
			f.Close()
			return nil, squasherr.Wrap(squasherr.KindIoError, err, "spooling %q", name)
		}
		if err := f.Close(); err != nil {
			return nil, squasherr.Wrap(squasherr.KindIoError, err, "spooling %q", name)
		}
		spooled[name] = dest
	}

	resolveOuterLinks(pendingLinks, spooled)

	if manifestBytes == nil {
		return nil, malformedf("archive does not contain manifest.json")
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(manifestBytes, &entries); err != nil {
		return nil, malformed(err, "decoding manifest.json")
	}
	if len(entries) == 0 {
		return nil, malformedf("manifest.json contains no images")
	}

	parsed := &ParsedArchive{SharedBy: map[string][]int{}}

	for idx, me := range entries {
		configPath, ok := spooled[me.Config]
		if !ok {
			return nil, malformedf("manifest entry %d references missing config blob %q", idx, me.Config)
		}
		configBytes, err := os.ReadFile(configPath)
		if err != nil {
			return nil, squasherr.Wrap(squasherr.KindIoError, err, "reading config blob %q", me.Config)
		}
		cfg, err := ParseConfig(configBytes)
		if err != nil {
			return nil, err
		}
		if cfg.Rootfs.Type != "layers" {
			return nil, malformedf("manifest entry %d: unsupported rootfs.type %q", idx, cfg.Rootfs.Type)
		}

		nonEmpty := cfg.NonEmptyHistoryCount()
		if len(me.Layers) != len(cfg.Rootfs.DiffIDs) || len(me.Layers) != nonEmpty {
			return nil, malformedf(
				"manifest entry %d: layer count mismatch: %d manifest layers, %d diff_ids, %d non-empty history entries",
				idx, len(me.Layers), len(cfg.Rootfs.DiffIDs), nonEmpty)
		}

		layers := make([]LayerRef, len(me.Layers))
		for i, layerPath := range me.Layers {
			spoolPath, ok := spooled[layerPath]
			if !ok {
				return nil, malformedf("manifest entry %d: layer %d references missing blob %q", idx, i, layerPath)
			}
			comp, err := detectCompression(spoolPath)
			if err != nil {
				return nil, err
			}
			ref := LayerRef{
				ManifestPath: layerPath,
				SpoolPath:    spoolPath,
				Compression:  comp,
				DiffID:       cfg.Rootfs.DiffIDs[i],
			}
			if sidecar, ok := spooled[legacyJSONPath(layerPath)]; ok {
				ref.LegacyCreatedBy = readLegacyCreatedBy(sidecar)
			}
			layers[i] = ref
			parsed.SharedBy[layerPath] = append(parsed.SharedBy[layerPath], idx)
		}

		parsed.Images = append(parsed.Images, ParsedImage{
			Index:           idx,
			Manifest:        me,
			ConfigPath:      me.Config,
			ConfigSpoolPath: configPath,
			Config:          cfg,
			Layers:          layers,
		})
	}

	if p.VerifyDigests {
		if err := verifyDiffIDs(ctx, parsed); err != nil {
			return nil, err
		}
	}

	return parsed, nil
}

// outerLink is a symlink or hardlink archive entry seen before its target is
// known to be spooled — typically the legacy "<legacyID>/layer.tar" ->
// "../<digest>/layer.tar" indirection this engine itself writes (see
// archive.Writer.WriteSymlink).
type outerLink struct {
	name   string // archive entry name of the link itself
	target string // archive entry name the link resolves to
}

// resolveOuterLinkTarget cleans a symlink or hardlink entry's Linkname into
// an archive-relative entry name comparable against spooled's keys. A
// TypeLink's Linkname is already archive-root-relative; a TypeSymlink's is
// relative to the link's own directory.
func resolveOuterLinkTarget(name string, hdr *tar.Header) (string, error) {
	if hdr.Typeflag == tar.TypeLink {
		return archive.CleanEntryPath(hdr.Linkname)
	}
	return archive.CleanEntryPath(path.Join(path.Dir(name), hdr.Linkname))
}

// resolveOuterLinks aliases every pending symlink/hardlink entry to the
// spool path its target resolves to, chasing link-to-link chains. Order in
// the archive is not guaranteed, so this repeats until a full pass makes no
// progress; any entry left unresolved (its target never appeared, e.g. a
// dangling symlink) is dropped — it plays no part in manifest-referenced
// blob resolution.
func resolveOuterLinks(pending []outerLink, spooled map[string]string) {
	for {
		progress := false
		var remaining []outerLink
		for _, l := range pending {
			if dest, ok := spooled[l.target]; ok {
				spooled[l.name] = dest
				progress = true
				continue
			}
			remaining = append(remaining, l)
		}
		pending = remaining
		if !progress || len(pending) == 0 {
			return
		}
	}
}

// legacyJSONPath maps "<hex>/layer.tar" to its sibling "<hex>/json" sidecar.
func legacyJSONPath(layerManifestPath string) string {
	dir := filepath.Dir(filepath.ToSlash(layerManifestPath))
	return dir + "/json"
}

func readLegacyCreatedBy(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var lj LayerJSON
	if err := json.Unmarshal(data, &lj); err != nil {
		return ""
	}
	if lj.Config == nil {
		return ""
	}
	var inner struct {
		Cmd []string `json:"Cmd"`
	}
	_ = json.Unmarshal(lj.Config, &inner)
	if len(inner.Cmd) == 0 {
		return ""
	}
	return strings.Join(inner.Cmd, " ")
}

func detectCompression(path string) (Compression, error) {
	f, err := os.Open(path)
	if err != nil {
		return CompressionNone, squasherr.Wrap(squasherr.KindIoError, err, "opening blob %q", path)
	}
	defer f.Close()

	magic := make([]byte, 2)
	n, err := io.ReadFull(f, magic)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return CompressionNone, squasherr.Wrap(squasherr.KindIoError, err, "probing blob %q", path)
	}
	if n == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		return CompressionGzip, nil
	}
	return CompressionNone, nil
}

// OpenLayer opens a layer's spooled blob, transparently decompressing it if
// it was stored gzip-compressed. Callers must Close the returned reader.
func OpenLayer(ref LayerRef) (io.ReadCloser, error) {
	f, err := os.Open(ref.SpoolPath)
	if err != nil {
		return nil, squasherr.Wrap(squasherr.KindIoError, err, "opening layer blob %q", ref.ManifestPath)
	}
	if ref.Compression != CompressionGzip {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, squasherr.Wrap(squasherr.KindMalformedArchive, err, "decompressing layer blob %q", ref.ManifestPath)
	}
	return &gzipReadCloser{gz: gz, f: f}, nil
}

type gzipReadCloser struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }
func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	fErr := g.f.Close()
	if gzErr != nil {
		return gzErr
	}
	return fErr
}

// verifyDiffIDs hashes every layer's uncompressed bytes and compares the
// result against its declared diff_id, fanning the independent,
// order-insensitive work of N layers out across a bounded goroutine pool —
// unlike the Merger's replay, which must apply layers strictly in order,
// verifying a hash has no cross-layer dependency.
func verifyDiffIDs(ctx context.Context, parsed *ParsedArchive) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, runtime.GOMAXPROCS(0))) //nolint:staticcheck // builtin max, requires go1.21

	for _, img := range parsed.Images {
		for _, layer := range img.Layers {
			layer := layer
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				sum, err := hashLayer(layer)
				if err != nil {
					return err
				}
				if layer.DiffID != "" && sum != layer.DiffID {
					return squasherr.New(squasherr.KindDigestMismatch,
						"layer %q: declared diff_id %s does not match computed %s", layer.ManifestPath, layer.DiffID, sum)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

func hashLayer(ref LayerRef) (digest.Digest, error) {
	rc, err := OpenLayer(ref)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", squasherr.Wrap(squasherr.KindIoError, err, "hashing layer %q", ref.ManifestPath)
	}
	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(h.Sum(nil))), nil
}
