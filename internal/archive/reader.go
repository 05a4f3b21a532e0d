// Package archive implements the Archive Reader and Archive Writer
// components: streaming iteration over tar entries with a bounded body
// reader per entry, and deterministic tar re-serialization. It also houses
// the path-traversal defense shared by every consumer of untrusted tar
// input (the Image Parser reading the outer archive, and the Merger
// reading each layer's tar stream).
//
// archive/tar already understands PAX and GNU long-name extensions, so the
// Reader is a thin wrapper around it rather than a from-scratch tar parser.
package archive

import (
	"archive/tar"
	"io"

	"github.com/ArlenWen/squash/internal/squasherr"
)

// Entry is one tar entry: its header, plus a reader bounded to the entry's
// declared size. Body must be fully drained (or discarded) before calling
// Next again; Reader does this automatically on the next call.
type Entry struct {
	Header *tar.Header
	Body   io.Reader
}

// Reader streams entries out of a tar archive without ever buffering an
// entry's body in memory.
type Reader struct {
	tr *tar.Reader
}

// NewReader wraps r as a tar.Reader-backed Reader. r must contain an
// uncompressed tar stream; callers are responsible for gzip decompression
// upstream (see imageio.OpenLayer), since whether a given blob is gzipped is
// a property of the Docker image format, not of tar itself.
func NewReader(r io.Reader) *Reader {
	return &Reader{tr: tar.NewReader(r)}
}

// Next returns the next entry, or io.EOF when the archive is exhausted.
// Truncated streams, bad checksums, and typeflags this tool does not
// understand (see isSupportedTypeflag) are reported as MalformedArchive.
func (r *Reader) Next() (*Entry, error) {
	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, squasherr.Wrap(squasherr.KindMalformedArchive, err, "reading tar entry")
		}

		if hdr.Typeflag == tar.TypeXGlobalHeader {
			// Carries no filesystem content; skip rather than reject or copy.
			continue
		}
		if !isSupportedTypeflag(hdr.Typeflag) {
			return nil, squasherr.New(squasherr.KindMalformedArchive,
				"unsupported tar typeflag %q for entry %q", string(hdr.Typeflag), hdr.Name)
		}

		return &Entry{Header: hdr, Body: io.LimitReader(r.tr, hdr.Size)}, nil
	}
}

// isSupportedTypeflag reports whether typeflag is one this tool knows how to
// interpret. Sparse files (tar.TypeGNUSparse) are deliberately rejected: the
// Docker v1.2 on-disk format this tool targets never produces them, and
// silently mis-expanding one would be a correctness bug rather than a
// missing feature.
func isSupportedTypeflag(t byte) bool {
	switch t {
	case tar.TypeReg, tar.TypeRegA, tar.TypeDir, tar.TypeSymlink, tar.TypeLink,
		tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		return true
	default:
		return false
	}
}
