package cryptoutils

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecryptionShareSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	rk := interfaces.RootKeyID{Curve: interfaces.CurveSecp256k1, Index: 2}
	share := interfaces.NewSecret(&interfaces.Scalar{1, 2, 3})
	digest := DecryptionShareDigest("datil", rk, 1, share)

	sig, err := SignDigest(key, digest)
	require.NoError(t, err)
	assert.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	signer, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, signer)

	// recovery ids 0/1 are accepted too
	raw := append([]byte{}, sig...)
	raw[64] -= 27
	signer, err = RecoverSigner(digest, raw)
	require.NoError(t, err)
	assert.Equal(t, addr, signer)

	// binding to the member index
	other := DecryptionShareDigest("datil", rk, 2, share)
	signer, err = RecoverSigner(other, sig)
	require.NoError(t, err)
	assert.NotEqual(t, addr, signer)

	_, err = RecoverSigner(digest, sig[:64])
	assert.ErrorIs(t, err, ErrInvalidSignature)

	share.Wipe()
	assert.Nil(t, DecryptionShareDigest("datil", rk, 1, share))
}

func TestECIESRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	pub, err := ParseNodePublicKey(crypto.FromECDSAPub(&key.PublicKey))
	require.NoError(t, err)
	pubCompressed, err := ParseNodePublicKey(crypto.CompressPubkey(&key.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(*pub), crypto.PubkeyToAddress(*pubCompressed))

	ct, err := EncryptTo(pub, []byte("evaluation"), []byte("context"))
	require.NoError(t, err)

	pt, err := DecryptWith(key, ct, []byte("context"))
	require.NoError(t, err)
	assert.Equal(t, []byte("evaluation"), pt)

	_, err = DecryptWith(key, ct, []byte("other-context"))
	assert.Error(t, err, "associated data must be authenticated")
}
