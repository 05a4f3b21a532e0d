package squash

import "github.com/ArlenWen/squash/internal/squasherr"

// Kind classifies an Error. Callers that need to branch on failure mode
// (rather than just log and abort) should compare against these constants
// via errors.Is-style helpers (IsKind) rather than string-matching Error().
type Kind = squasherr.Kind

const (
	KindUnknown          = squasherr.KindUnknown
	KindInvalidSpec      = squasherr.KindInvalidSpec
	KindLayerNotFound    = squasherr.KindLayerNotFound
	KindAmbiguousLayerId = squasherr.KindAmbiguousLayerId
	KindMalformedArchive = squasherr.KindMalformedArchive
	KindUnsafePath       = squasherr.KindUnsafePath
	KindDigestMismatch   = squasherr.KindDigestMismatch
	KindIoError          = squasherr.KindIoError
	KindDaemonError      = squasherr.KindDaemonError
)

// Error is every error this package returns. It carries a Kind for
// programmatic handling and, via Verbose, a full cause chain for
// diagnostics.
type Error = squasherr.Error

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return squasherr.Is(err, kind)
}
