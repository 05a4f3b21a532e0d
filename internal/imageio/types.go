// Package imageio implements the Image Parser component: it interprets a
// tar archive as a Docker v1.2 image — manifest.json, one config blob per
// manifest entry, and one or more layer blobs — validating the
// cross-references the rest of the engine relies on.
package imageio

import (
	"encoding/json"

	digest "github.com/opencontainers/go-digest"
)

// Compression identifies how a layer blob is stored on disk.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
)

// History is one entry of config.json's "history" array.
//
// https://gist.github.com/aaronlehmann/b42a2eaf633fc949f93b documents the
// (unofficial but universally implemented) schema; the teacher's History
// struct is reused verbatim since the schema has not changed.
type History struct {
	Created    string `json:"created,omitempty"`
	Author     string `json:"author,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	Comment    string `json:"comment,omitempty"`
	EmptyLayer bool   `json:"empty_layer,omitempty"`
}

// Rootfs is config.json's "rootfs" object.
type Rootfs struct {
	Type    string          `json:"type"`
	DiffIDs []digest.Digest `json:"diff_ids"`
}

// Config is a parsed image config blob. Raw retains every top-level field
// exactly as read (as json.RawMessage), so that fields this tool does not
// model — Config, ContainerConfig, Architecture, OS, and anything a future
// Docker version adds — survive a round trip unchanged. Rootfs and History
// are decoded out of Raw for the fields the engine must rewrite; Sync writes
// them back into Raw before the config is re-marshaled.
type Config struct {
	Raw     map[string]json.RawMessage
	Rootfs  Rootfs
	History []History
}

// ParseConfig decodes a raw config blob.
func ParseConfig(data []byte) (*Config, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed(err, "decoding image config")
	}

	cfg := &Config{Raw: raw}

	if rfsRaw, ok := raw["rootfs"]; ok {
		if err := json.Unmarshal(rfsRaw, &cfg.Rootfs); err != nil {
			return nil, malformed(err, "decoding config.rootfs")
		}
	}
	if histRaw, ok := raw["history"]; ok {
		if err := json.Unmarshal(histRaw, &cfg.History); err != nil {
			return nil, malformed(err, "decoding config.history")
		}
	}

	if cfg.Rootfs.Type == "" {
		return nil, malformedf("image config is missing rootfs.type")
	}

	return cfg, nil
}

// Sync folds Rootfs and History back into Raw ahead of marshaling.
func (c *Config) Sync() error {
	rfsBytes, err := json.Marshal(c.Rootfs)
	if err != nil {
		return malformed(err, "encoding config.rootfs")
	}
	histBytes, err := json.Marshal(c.History)
	if err != nil {
		return malformed(err, "encoding config.history")
	}
	if c.Raw == nil {
		c.Raw = map[string]json.RawMessage{}
	}
	c.Raw["rootfs"] = rfsBytes
	c.Raw["history"] = histBytes
	return nil
}

// NonEmptyHistoryCount returns the number of history entries that describe
// an actual layer (EmptyLayer == false).
func (c *Config) NonEmptyHistoryCount() int {
	n := 0
	for _, h := range c.History {
		if !h.EmptyLayer {
			n++
		}
	}
	return n
}

// ManifestEntry is one element of manifest.json's top-level array.
//
// https://github.com/docker/distribution/blob/master/docs/spec/manifest-v2-2.md
// documents the broader manifest family; docker save only ever emits the
// simpler array-of-these-objects form modeled here (the teacher's comment
// to this effect still holds).
type ManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags,omitempty"`
	Layers   []string `json:"Layers"`
	Parent   string   `json:"Parent,omitempty"`
}

// LayerJSON is the legacy per-layer "<id>/json" sidecar. History comes from
// config.json's "history" array; the Parser reads only this sidecar's
// config.Cmd, into LayerRef.LegacyCreatedBy (see readLegacyCreatedBy in
// parser.go).
type LayerJSON struct {
	ID        string          `json:"id,omitempty"`
	Parent    string          `json:"parent,omitempty"`
	Created   string          `json:"created,omitempty"`
	Container string          `json:"container,omitempty"`
	Config    json.RawMessage `json:"config,omitempty"`
	Arch      string          `json:"architecture,omitempty"`
	OS        string          `json:"os,omitempty"`
}

// LayerRef describes one layer blob belonging to a ParsedImage.
type LayerRef struct {
	// ManifestPath is the literal string as it appeared in manifest.Layers,
	// e.g. "<hex>/layer.tar".
	ManifestPath string
	// SpoolPath is where the Parser wrote the as-stored bytes in the
	// scratch workspace.
	SpoolPath string
	// Compression is how the blob is stored on disk.
	Compression Compression
	// DiffID is config.rootfs.diff_ids[i], the declared uncompressed digest.
	DiffID digest.Digest
	// LegacyCreatedBy is the Cmd recorded in a sibling "<id>/json" sidecar,
	// when present (see readLegacyCreatedBy in parser.go). The rebuilt
	// history does not use it.
	LegacyCreatedBy string
}

// ParsedImage is one manifest entry together with its resolved config and
// layer blobs.
type ParsedImage struct {
	Index      int
	Manifest   ManifestEntry
	ConfigPath string
	// ConfigSpoolPath is where the Parser wrote this image's raw config
	// blob bytes in the scratch workspace, used to pass a sibling image's
	// config through untouched when only one image in a multi-image
	// archive is squashed.
	ConfigSpoolPath string
	Config          *Config
	Layers          []LayerRef
}

// ParsedArchive is the Image Parser's full output: every image in the
// archive (docker save supports more than one manifest.json entry sharing
// blobs), plus a record of which layer blobs are shared across images so the
// engine can refuse to squash a shared layer out from under a sibling image.
type ParsedArchive struct {
	Images []ParsedImage
	// SharedBy maps a manifest layer path to the indices of every image that
	// references it. A path with len(SharedBy[path]) > 1 is shared.
	SharedBy map[string][]int
}
