package keygen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesDidKeyPrefix(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(kp.PublicMultibase, "did:key:z"), "public key must start with did:key:z, got %q", kp.PublicMultibase)
	assert.True(t, strings.HasPrefix(kp.PrivateMultibase, "z"), "private key must start with multibase z prefix")
}

func TestDeriveRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	rederived, err := Derive(kp.PrivateMultibase)
	require.NoError(t, err)

	assert.Equal(t, kp.PublicMultibase, rederived.PublicMultibase,
		"re-deriving the public point from priv must produce exactly pub (spec.md §8 round-trip law)")
}

func TestGenerateProducesDistinctKeys(t *testing.T) {
	kp1, err := Generate()
	require.NoError(t, err)
	kp2, err := Generate()
	require.NoError(t, err)

	assert.NotEqual(t, kp1.PublicMultibase, kp2.PublicMultibase)
	assert.NotEqual(t, kp1.PrivateMultibase, kp2.PrivateMultibase)
}

func TestDeriveRejectsGarbage(t *testing.T) {
	_, err := Derive("znotavalidkey")
	assert.Error(t, err)
}
