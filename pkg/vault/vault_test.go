package vault

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadKeySize(t *testing.T) {
	_, err := New(make([]byte, 16))
	require.Error(t, err)
}

func TestSealOpenRoundTrip(t *testing.T) {
	v := NewDevelopment()

	sealed, err := v.SealString("hunter2", TTLSourcePassword)
	require.NoError(t, err)
	require.NotNil(t, sealed)
	assert.False(t, sealed.ExpiresAt.IsZero())

	plaintext, ok := v.OpenString(sealed, time.Now())
	require.True(t, ok)
	assert.Equal(t, "hunter2", plaintext)
}

func TestOpenAfterExpiryReturnsAbsent(t *testing.T) {
	v := NewDevelopment()
	sealed, err := v.SealString("one-time-token", 1*time.Hour)
	require.NoError(t, err)

	_, ok := v.OpenString(sealed, time.Now().Add(2*time.Hour))
	assert.False(t, ok, "a credential read after its TTL must be reported absent")
}

func TestZeroTTLNeverExpires(t *testing.T) {
	v := NewDevelopment()
	sealed, err := v.SealString("rotation-key-material", TTLRotationPrivateKey)
	require.NoError(t, err)
	assert.True(t, sealed.ExpiresAt.IsZero())

	_, ok := v.OpenString(sealed, time.Now().AddDate(10, 0, 0))
	assert.True(t, ok)
}

func TestOpenNilIsAbsent(t *testing.T) {
	v := NewDevelopment()
	_, ok := v.Open(nil, time.Now())
	assert.False(t, ok)
}

func TestDifferentKeysCannotCrossDecrypt(t *testing.T) {
	v1 := NewDevelopment()
	v2, err := New([]byte(strings.Repeat("x", 32)))
	require.NoError(t, err)

	sealed, err := v1.SealString("secret", 0)
	require.NoError(t, err)

	_, ok := v2.OpenString(sealed, time.Now())
	assert.False(t, ok)
}
