package rebuild

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/ArlenWen/squash/internal/imageio"
)

func mkDigest(s string) digest.Digest {
	return digest.NewDigestFromEncoded(digest.SHA256, s+strings.Repeat("0", 64-len(s)))
}

func TestBuildConfig_TruncatesDiffIDsAndAppendsSynthetic(t *testing.T) {
	orig := &imageio.Config{
		Raw: map[string]json.RawMessage{
			"architecture": json.RawMessage(`"amd64"`),
		},
		Rootfs: imageio.Rootfs{
			Type:    "layers",
			DiffIDs: []digest.Digest{mkDigest("a"), mkDigest("b"), mkDigest("c")},
		},
		History: []imageio.History{
			{Created: "2020-01-01T00:00:00Z", CreatedBy: "layer a"},
			{Created: "2020-01-02T00:00:00Z", CreatedBy: "layer b"},
			{Created: "2020-01-03T00:00:00Z", CreatedBy: "layer c"},
		},
	}

	merged := mkDigest("m")
	now := time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg, err := BuildConfig(orig, 1, merged, "squash", now)
	require.NoError(t, err)

	require.Equal(t, []digest.Digest{mkDigest("a"), merged}, cfg.Rootfs.DiffIDs)
	require.Len(t, cfg.History, 2)
	require.Equal(t, "layer a", cfg.History[0].CreatedBy)
	require.Equal(t, "squash", cfg.History[1].CreatedBy)
	require.Equal(t, "2021-06-01T12:00:00Z", cfg.History[1].Created)

	// orig is untouched.
	require.Len(t, orig.Rootfs.DiffIDs, 3)
	require.Len(t, orig.History, 3)
}

func TestBuildConfig_KeepsInterleavedEmptyLayersWithinRetainedRange(t *testing.T) {
	orig := &imageio.Config{
		Raw: map[string]json.RawMessage{},
		Rootfs: imageio.Rootfs{
			Type:    "layers",
			DiffIDs: []digest.Digest{mkDigest("a"), mkDigest("b")},
		},
		History: []imageio.History{
			{CreatedBy: "layer a"},
			{CreatedBy: "ENV FOO=bar", EmptyLayer: true},
			{CreatedBy: "layer b"},
			{CreatedBy: "ENV BAZ=qux", EmptyLayer: true},
		},
	}

	cfg, err := BuildConfig(orig, 1, mkDigest("m"), "squash", time.Now())
	require.NoError(t, err)

	// k=1 retained layer: history[0] (layer a) and the empty entry between
	// it and "layer b" are kept; once nonEmpty reaches k, iteration stops
	// at "layer b".
	require.Len(t, cfg.History, 3)
	require.Equal(t, "layer a", cfg.History[0].CreatedBy)
	require.Equal(t, "ENV FOO=bar", cfg.History[1].CreatedBy)
	require.True(t, cfg.History[1].EmptyLayer)
	require.Equal(t, "squash", cfg.History[2].CreatedBy)
}

func TestBuildConfig_RejectsOutOfRangeK(t *testing.T) {
	orig := &imageio.Config{Rootfs: imageio.Rootfs{DiffIDs: []digest.Digest{mkDigest("a")}}}
	_, err := BuildConfig(orig, 5, mkDigest("m"), "squash", time.Now())
	require.Error(t, err)
}

func TestCanonicalConfigBytes_IsDeterministicRegardlessOfMapOrder(t *testing.T) {
	cfg1 := &imageio.Config{Raw: map[string]json.RawMessage{
		"b": json.RawMessage(`2`),
		"a": json.RawMessage(`1`),
	}}
	cfg2 := &imageio.Config{Raw: map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`2`),
	}}

	b1, d1, err := CanonicalConfigBytes(cfg1)
	require.NoError(t, err)
	b2, d2, err := CanonicalConfigBytes(cfg2)
	require.NoError(t, err)

	require.Equal(t, b1, b2)
	require.Equal(t, d1, d2)
}

func TestComputeLegacyIDs_ChainsDeterministically(t *testing.T) {
	diffIDs := []digest.Digest{mkDigest("a"), mkDigest("b"), mkDigest("c")}
	ids1 := ComputeLegacyIDs(diffIDs)
	ids2 := ComputeLegacyIDs(diffIDs)
	require.Equal(t, ids1, ids2)
	require.Len(t, ids1, 3)

	// Changing an earlier diffID changes every subsequent legacy ID.
	other := []digest.Digest{mkDigest("z"), mkDigest("b"), mkDigest("c")}
	ids3 := ComputeLegacyIDs(other)
	require.NotEqual(t, ids1[1], ids3[1])
	require.NotEqual(t, ids1[2], ids3[2])
}

func TestPlanLegacySidecars_LinksParentChain(t *testing.T) {
	retained := []digest.Digest{mkDigest("a"), mkDigest("b")}
	sidecars := PlanLegacySidecars(retained, []string{"aaa.../layer.tar", "bbb.../layer.tar"}, mkDigest("m"), "mmm.../layer.tar", "squash", time.Now())
	require.Len(t, sidecars, 3)
	require.Empty(t, sidecars[0].JSON.Parent)
	require.Equal(t, sidecars[0].JSON.ID, sidecars[1].JSON.Parent)
	require.Equal(t, sidecars[1].JSON.ID, sidecars[2].JSON.Parent)
	require.Equal(t, "mmm.../layer.tar", sidecars[2].TargetPath)
}
