package imageio

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ArlenWen/squash/internal/workspace"
)

// writeDir writes an explicit directory header, the shape real docker save
// output uses for "<id>/" and "blobs/sha256/" — a bare-file entry is never
// emitted for these in practice.
func writeDir(t *testing.T, tw *tar.Writer, name string) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755}))
}

func writeReg(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(data))}))
	_, err := tw.Write(data)
	require.NoError(t, err)
}

func writeSymlink(t *testing.T, tw *tar.Writer, name, target string) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeSymlink, Linkname: target, Mode: 0o777}))
}

func sha256Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// buildArchiveWithDirs assembles a one-layer docker-save-shaped archive that,
// like the real daemon's output, precedes every blob with an explicit
// directory header for its parent path, plus a legacy sidecar whose
// layer.tar is a symlink to the real blob rather than a duplicate copy.
func buildArchiveWithDirs(t *testing.T) []byte {
	t.Helper()

	layerData := []byte("layer-content")
	diffID := sha256Digest(layerData)
	blobPath := diffID[len("sha256:"):] + "/layer.tar"

	config := map[string]interface{}{
		"architecture": "amd64",
		"config":       map[string]interface{}{},
		"rootfs":       map[string]interface{}{"type": "layers", "diff_ids": []string{diffID}},
		"history":      []map[string]interface{}{{"created_by": "layer a"}},
	}
	configBytes, err := json.Marshal(config)
	require.NoError(t, err)
	configName := sha256Digest(configBytes)[len("sha256:"):] + ".json"

	manifest := []map[string]interface{}{
		{"Config": configName, "RepoTags": []string{}, "Layers": []string{blobPath}},
	}
	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)

	blobDir := blobPath[:len(blobPath)-len("/layer.tar")]
	layerJSON, err := json.Marshal(map[string]interface{}{
		"id":     blobDir,
		"config": map[string]interface{}{"Cmd": []string{"layer a"}},
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	writeReg(t, tw, "manifest.json", manifestBytes)
	writeReg(t, tw, configName, configBytes)

	writeDir(t, tw, "blobs/")
	writeDir(t, tw, "blobs/sha256/")
	writeDir(t, tw, blobDir+"/")
	writeReg(t, tw, blobPath, layerData)
	writeReg(t, tw, blobDir+"/json", layerJSON)
	writeReg(t, tw, blobDir+"/VERSION", []byte("1.0"))

	// A legacy chain-ID directory whose layer.tar is a symlink to the real
	// blob above, mirroring archive.Writer.WriteSymlink's output — this must
	// not be mistaken for a regular file and truncated to empty.
	legacyID := "deadbeef0000000000000000000000000000000000000000000000000000ab"
	writeDir(t, tw, legacyID+"/")
	writeSymlink(t, tw, legacyID+"/layer.tar", "../"+blobPath)

	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestParse_SkipsDirEntriesAndResolvesSymlinkSidecar(t *testing.T) {
	src := buildArchiveWithDirs(t)

	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	defer ws.Close()

	p := &Parser{VerifyDigests: true}
	parsed, err := p.Parse(context.Background(), bytes.NewReader(src), ws)
	require.NoError(t, err, "a real docker-save archive's directory entries must not be mistaken for blobs")
	require.Len(t, parsed.Images, 1)
	require.Len(t, parsed.Images[0].Layers, 1)

	layer := parsed.Images[0].Layers[0]
	require.NotEmpty(t, layer.SpoolPath, "layer blob must have spooled to a real scratch path")
	require.NotEmpty(t, layer.LegacyCreatedBy, "legacy json sidecar reachable through manifest layer path must be read")
}

func TestParse_RejectsArchiveWithoutManifest(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeReg(t, tw, "README", []byte("not an image"))
	require.NoError(t, tw.Close())

	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	defer ws.Close()

	p := &Parser{}
	_, err = p.Parse(context.Background(), bytes.NewReader(buf.Bytes()), ws)
	require.Error(t, err)
}
