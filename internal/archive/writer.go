package archive

import (
	"archive/tar"
	"io"
	"time"

	"github.com/ArlenWen/squash/internal/squasherr"
)

// Writer assembles the final image archive (manifest.json, config, layer
// blobs and legacy sidecars) as a tar stream. It mirrors the write half of
// the teacher's tarutils.go (WriteTarHeader / CopyTarEntry / CreateTar),
// generalized to accept entries from arbitrary sources rather than only a
// filepath.Walk over a directory.
type Writer struct {
	tw *tar.Writer
}

// NewWriter wraps dest for writing. The caller must call Close.
func NewWriter(dest io.Writer) *Writer {
	return &Writer{tw: tar.NewWriter(dest)}
}

// WriteBytes writes a regular file entry with the given contents in a
// single call, used for small JSON blobs (manifest.json, the config, legacy
// per-layer json/VERSION sidecars).
func (w *Writer) WriteBytes(name string, mode int64, mtime time.Time, data []byte) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     mode,
		Size:     int64(len(data)),
		ModTime:  mtime,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return squasherr.Wrap(squasherr.KindIoError, err, "writing tar header for %q", name)
	}
	if _, err := w.tw.Write(data); err != nil {
		return squasherr.Wrap(squasherr.KindIoError, err, "writing tar body for %q", name)
	}
	return nil
}

// WriteStream writes a regular file entry of the declared size, streaming
// its content from r rather than buffering it — used for layer blobs, which
// may be large.
func (w *Writer) WriteStream(name string, mode int64, size int64, mtime time.Time, r io.Reader) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     mode,
		Size:     size,
		ModTime:  mtime,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return squasherr.Wrap(squasherr.KindIoError, err, "writing tar header for %q", name)
	}
	n, err := io.Copy(w.tw, r)
	if err != nil {
		return squasherr.Wrap(squasherr.KindIoError, err, "writing tar body for %q", name)
	}
	if n != size {
		return squasherr.New(squasherr.KindIoError, "expected to write %d bytes for %q, wrote %d", size, name, n)
	}
	return nil
}

// WriteSymlink writes a symlink entry, used for the legacy sidecar
// "<legacyID>/layer.tar" -> "../<digest>/layer.tar" indirection (see
// containers/image's tarfile.Writer.sendSymlink, which this mirrors).
func (w *Writer) WriteSymlink(name, target string, mtime time.Time) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeSymlink,
		Name:     name,
		Linkname: target,
		Mode:     0o777,
		ModTime:  mtime,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return squasherr.Wrap(squasherr.KindIoError, err, "writing tar symlink header for %q", name)
	}
	return nil
}

// Close flushes and finalizes the archive.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		return squasherr.Wrap(squasherr.KindIoError, err, "closing tar writer")
	}
	return nil
}
