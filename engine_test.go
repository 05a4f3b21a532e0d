package squash

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeLayer is one layer's tar content before it is wrapped into an archive
// entry; buildSaveArchive computes its diff_id from the bytes itself so tests
// never have to hand-compute a digest.
type fakeLayer struct {
	entries []tarEntrySpec
}

type tarEntrySpec struct {
	name string
	body string
}

func tarBytes(t *testing.T, entries []tarEntrySpec) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(e.body))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func diffIDOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// buildSaveArchive assembles a minimal docker-save-shaped tar stream with one
// image, len(layers) layer blobs, a config blob, and manifest.json, returning
// the archive bytes and the expected diff_ids in order.
func buildSaveArchive(t *testing.T, layers []fakeLayer) ([]byte, []string) {
	t.Helper()

	layerBytes := make([][]byte, len(layers))
	diffIDs := make([]string, len(layers))
	layerPaths := make([]string, len(layers))
	history := make([]map[string]interface{}, len(layers))
	for i, l := range layers {
		data := tarBytes(t, l.entries)
		layerBytes[i] = data
		diffIDs[i] = diffIDOf(data)
		layerPaths[i] = hex.EncodeToString([]byte{byte(i)}) + "deadbeef/layer.tar"
		history[i] = map[string]interface{}{"created": "2020-01-01T00:00:00Z", "created_by": "layer " + string(rune('a'+i))}
	}

	config := map[string]interface{}{
		"architecture": "amd64",
		"os":           "linux",
		"config":       map[string]interface{}{},
		"rootfs":       map[string]interface{}{"type": "layers", "diff_ids": diffIDs},
		"history":      history,
	}
	configBytes, err := json.Marshal(config)
	require.NoError(t, err)
	configSum := sha256.Sum256(configBytes)
	configName := hex.EncodeToString(configSum[:]) + ".json"

	manifest := []map[string]interface{}{
		{"Config": configName, "RepoTags": []string{}, "Layers": layerPaths},
	}
	manifestBytes, err := json.Marshal(manifest)
	require.NoError(t, err)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeEntry := func(name string, data []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(data))}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	writeEntry("manifest.json", manifestBytes)
	writeEntry(configName, configBytes)
	for i, path := range layerPaths {
		writeEntry(path, layerBytes[i])
	}
	require.NoError(t, tw.Close())

	return buf.Bytes(), diffIDs
}

func readTarNames(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = body
	}
	return out
}

func TestEngineRun_MergesLastTwoOfThreeLayers(t *testing.T) {
	src, diffIDs := buildSaveArchive(t, []fakeLayer{
		{entries: []tarEntrySpec{{name: "a", body: "a-content"}}},
		{entries: []tarEntrySpec{{name: "b", body: "b-content"}}},
		{entries: []tarEntrySpec{{name: "c", body: "c-content"}}},
	})

	var dst bytes.Buffer
	result, err := Engine{}.Run(context.Background(), bytes.NewReader(src), &dst, Options{LayerSpec: Count(2)})
	require.NoError(t, err)
	require.Equal(t, 1, result.RetainedLayers)
	require.Equal(t, 2, result.MergedLayers)

	out := readTarNames(t, dst.Bytes())
	require.Contains(t, out, "manifest.json")

	var manifest []struct {
		Config string
		Layers []string
	}
	require.NoError(t, json.Unmarshal(out["manifest.json"], &manifest))
	require.Len(t, manifest, 1)
	require.Len(t, manifest[0].Layers, 2, "1 retained layer + 1 merged layer")

	mergedPath := manifest[0].Layers[1]
	mergedBody, ok := out[mergedPath]
	require.True(t, ok, "merged layer blob %q must be present", mergedPath)

	mergedTar := tar.NewReader(bytes.NewReader(mergedBody))
	var names []string
	for {
		hdr, err := mergedTar.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	require.ElementsMatch(t, []string{"b", "c"}, names, "merged layer carries the net delta of layers b and c")

	configBytes, ok := out[manifest[0].Config]
	require.True(t, ok, "new config blob %q must be present", manifest[0].Config)
	var cfg struct {
		Rootfs struct {
			DiffIDs []string `json:"diff_ids"`
		} `json:"rootfs"`
		History []struct {
			CreatedBy string `json:"created_by"`
		} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(configBytes, &cfg))
	require.Len(t, cfg.Rootfs.DiffIDs, 2)
	require.Equal(t, diffIDs[0], cfg.Rootfs.DiffIDs[0])
	require.Equal(t, result.MergedLayerDiffID, cfg.Rootfs.DiffIDs[1])
	require.Len(t, cfg.History, 2)
	require.Equal(t, "squash", cfg.History[1].CreatedBy)
}

func TestEngineRun_CountOneIsNearNoOp(t *testing.T) {
	src, diffIDs := buildSaveArchive(t, []fakeLayer{
		{entries: []tarEntrySpec{{name: "only", body: "only-content"}}},
	})

	var dst bytes.Buffer
	result, err := Engine{}.Run(context.Background(), bytes.NewReader(src), &dst, Options{LayerSpec: Count(1)})
	require.NoError(t, err)
	require.Equal(t, 0, result.RetainedLayers)
	require.Equal(t, 1, result.MergedLayers)
	require.Equal(t, diffIDs[0], result.MergedLayerDiffID, "merging a single layer reproduces its own diff_id")
}

func TestEngineRun_RejectsZeroValueLayerSpec(t *testing.T) {
	src, _ := buildSaveArchive(t, []fakeLayer{
		{entries: []tarEntrySpec{{name: "only", body: "x"}}},
	})
	var dst bytes.Buffer
	_, err := Engine{}.Run(context.Background(), bytes.NewReader(src), &dst, Options{})
	require.Error(t, err)
	require.True(t, IsKind(err, KindInvalidSpec))
}

func TestEngineRun_RejectsOutOfRangeImageIndex(t *testing.T) {
	src, _ := buildSaveArchive(t, []fakeLayer{
		{entries: []tarEntrySpec{{name: "only", body: "x"}}},
	})
	var dst bytes.Buffer
	_, err := Engine{}.Run(context.Background(), bytes.NewReader(src), &dst, Options{LayerSpec: Count(1), ImageIndex: 5})
	require.Error(t, err)
	require.True(t, IsKind(err, KindInvalidSpec))
}
