package imageio

import "github.com/ArlenWen/squash/internal/squasherr"

func malformed(cause error, format string, args ...interface{}) error {
	return squasherr.Wrap(squasherr.KindMalformedArchive, cause, format, args...)
}

func malformedf(format string, args ...interface{}) error {
	return squasherr.New(squasherr.KindMalformedArchive, format, args...)
}
