package squash

import (
	"github.com/sirupsen/logrus"

	"github.com/ArlenWen/squash/internal/selector"
)

// LayerSpec selects the contiguous suffix of layers to merge. Build one with
// selector.Count or selector.DigestPrefix.
type LayerSpec = selector.Spec

// Count selects the last n layers of the image for merging.
func Count(n int) LayerSpec { return selector.Count(n) }

// DigestPrefix selects every layer from the first whose diff_id starts with
// prefix onward.
func DigestPrefix(prefix string) LayerSpec { return selector.DigestPrefix(prefix) }

// Options configures one Engine.Run invocation. LayerSpec is required;
// everything else has a documented default.
type Options struct {
	// ScratchRoot is the directory under which the scratch workspace is
	// created. Default: os.TempDir().
	ScratchRoot string

	// LayerSpec selects which layers to merge. Required.
	LayerSpec LayerSpec

	// OutputTag, if set, is embedded as the sole entry of the rebuilt
	// manifest's RepoTags, e.g. "myimage:squashed".
	OutputTag string

	// CreatedBy is recorded in the new history entry. Default: "squash".
	CreatedBy string

	// CompressLayer, when true, stores the merged layer gzip-compressed.
	// The uncompressed diff_id is always computed regardless.
	CompressLayer bool

	// ImageIndex selects which manifest.json entry to squash, for archives
	// containing more than one image. Default: 0.
	ImageIndex int

	// SkipDigestVerification disables the Parser's pass verifying every
	// layer's declared diff_id against its actual uncompressed content.
	// Default: false (verification on).
	SkipDigestVerification bool

	// Logger receives structured progress and diagnostic output. Default:
	// logrus.StandardLogger().
	Logger *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.CreatedBy == "" {
		o.CreatedBy = "squash"
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}
