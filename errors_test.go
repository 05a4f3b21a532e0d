package squash

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsKind_MatchesOnlyItsOwnKind(t *testing.T) {
	err := &Error{Kind: KindMalformedArchive, Msg: "bad archive"}
	require.True(t, IsKind(err, KindMalformedArchive))
	require.False(t, IsKind(err, KindInvalidSpec))
}

func TestIsKind_FalseForPlainErrors(t *testing.T) {
	require.False(t, IsKind(errors.New("not ours"), KindIoError))
}
