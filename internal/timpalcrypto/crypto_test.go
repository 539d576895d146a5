package timpalcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	hash := Sha256([]byte("hello timpal"))
	sig := Sign(priv, hash[:])

	require.True(t, Verify(pub, hash[:], sig))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	hash := Sha256([]byte("original"))
	sig := Sign(priv, hash[:])

	tampered := Sha256([]byte("tampered"))
	require.False(t, Verify(pub, tampered[:], sig))
}

func TestVerifyNeverPanicsOnGarbage(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	require.False(t, Verify(pub, []byte("short"), []byte{0x01, 0x02}))
	require.False(t, Verify(nil, []byte("short"), []byte{0x01, 0x02}))
	require.False(t, Verify(pub, []byte("short"), nil))
}

func TestDeriveAddressShape(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	addr := DeriveAddress(pub)
	require.Len(t, addr, 48)
	require.Equal(t, "tmpl", addr[:4])
	require.True(t, IsValidAddress(addr))
}

func TestDeriveAddressDeterministic(t *testing.T) {
	priv2, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	pubBytes := pub.Bytes()
	reparsed, err := PublicKeyFromHex(pub.Hex())
	require.NoError(t, err)
	require.Equal(t, pubBytes, reparsed.Bytes())
	require.Equal(t, DeriveAddress(pub), DeriveAddress(reparsed))

	// Re-deriving the private key from its own bytes must round-trip.
	raw := priv2.Bytes()
	priv3, err := PrivateKeyFromBytes(raw)
	require.NoError(t, err)
	require.Equal(t, priv2.PublicKey().Bytes(), priv3.PublicKey().Bytes())
}
