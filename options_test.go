package squash

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestOptionsWithDefaults_FillsCreatedByAndLogger(t *testing.T) {
	o := Options{}.withDefaults()
	require.Equal(t, "squash", o.CreatedBy)
	require.NotNil(t, o.Logger)
}

func TestOptionsWithDefaults_PreservesExplicitValues(t *testing.T) {
	custom := logrus.New()
	o := Options{CreatedBy: "my-tool", Logger: custom}.withDefaults()
	require.Equal(t, "my-tool", o.CreatedBy)
	require.Same(t, custom, o.Logger)
}

func TestCountAndDigestPrefix_ConstructDistinctSpecs(t *testing.T) {
	require.NotEqual(t, Count(3), DigestPrefix("deadbeef"))
}
