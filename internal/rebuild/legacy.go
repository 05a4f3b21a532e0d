package rebuild

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	digest "github.com/opencontainers/go-digest"
)

// legacyIDSeed is the parent legacy ID fed to the base layer's chain
// computation. Docker's own legacy v1 IDs have no principled derivation;
// this engine only needs one that is deterministic and chains consistently
// within a single output, which this satisfies.
const legacyIDSeed = ""

// ComputeLegacyIDs returns one legacy ID per entry of diffIDs, chained the
// way containers/image's tarfile writer derives chain IDs
// (digest.Canonical.FromString(chainID.String() + " " + diffID.String())),
// adapted here to hash the parent ID's hex string directly followed by the
// diff_id's "sha256:<hex>" string, with no separator between them.
func ComputeLegacyIDs(diffIDs []digest.Digest) []string {
	ids := make([]string, len(diffIDs))
	parent := legacyIDSeed
	for i, d := range diffIDs {
		h := sha256.New()
		h.Write([]byte(parent))
		h.Write([]byte(d.String()))
		id := hex.EncodeToString(h.Sum(nil))
		ids[i] = id
		parent = id
	}
	return ids
}

// LegacyJSON is the minimal per-layer "<legacyID>/json" sidecar this engine
// emits: just enough for daemons that still consult the legacy chain to
// recover parent linkage and a created_by string.
type LegacyJSON struct {
	ID        string          `json:"id"`
	Parent    string          `json:"parent,omitempty"`
	Created   string          `json:"created,omitempty"`
	Container string          `json:"container,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// BuildLegacyJSON constructs the sidecar for legacy index i (0-based) of a
// chain whose legacy IDs are ids.
func BuildLegacyJSON(ids []string, i int, created time.Time, createdBy string) *LegacyJSON {
	lj := &LegacyJSON{
		ID:      ids[i],
		Created: created.UTC().Format(time.RFC3339),
	}
	if i > 0 {
		lj.Parent = ids[i-1]
	}
	if createdBy != "" {
		cfg, err := json.Marshal(struct {
			Cmd []string `json:"Cmd"`
		}{Cmd: []string{createdBy}})
		if err == nil {
			lj.Config = cfg
		}
	}
	return lj
}

// LegacyVersion is the fixed contents of every "<legacyID>/VERSION" sidecar.
const LegacyVersion = "1.0"
