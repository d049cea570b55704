package blob

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	sealed, err := Seal(key, []byte("full payload"))
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "full payload")

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	require.Equal(t, "full payload", string(opened))

	decoded, err := DecodeKey(EncodeKey(key))
	require.NoError(t, err)
	require.Equal(t, key, decoded)
}

func TestOpenRejectsWrongKeyAndTruncation(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	other, err := NewKey()
	require.NoError(t, err)
	sealed, err := Seal(key, []byte("secret"))
	require.NoError(t, err)

	_, err = Open(other, sealed)
	require.Error(t, err)

	_, err = Open(key, sealed[:4])
	require.ErrorIs(t, err, ErrSealedTooShort)

	_, err = DecodeKey("short")
	require.ErrorIs(t, err, ErrInvalidKey)
}
