package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ruteri/keyset-restore/interfaces"
)

var ErrInvalidSignature = errors.New("invalid signature")

const decryptionShareDomain = "keyset-restore/decryption-share"

// DecryptionShareDigest is the EIP-191 digest a recovery-party member signs
// for one decryption share. A wiped share yields nil.
func DecryptionShareDigest(keyset interfaces.KeysetID, key interfaces.RootKeyID, member uint32, share *interfaces.Secret) []byte {
	var inner []byte
	ok := share.Use(func(v *interfaces.Scalar) {
		msg := LengthPrefixed(
			[]byte(decryptionShareDomain),
			[]byte(keyset),
			[]byte{byte(key.Curve)},
			Uint32Bytes(key.Index),
			Uint32Bytes(member),
			v[:],
		)
		inner = crypto.Keccak256(msg)
		WipeBytes(msg)
	})
	if !ok {
		return nil
	}
	return accounts.TextHash(inner)
}

// SignDigest signs a 32-byte digest, returning a 65-byte [R || S || V]
// signature with V in {27, 28} as wallets produce it.
func SignDigest(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced sig over digest. Both
// {0,1} and {27,28} recovery ids are accepted.
func RecoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// PersonalSign signs msg as eth_sign/personal_sign does.
func PersonalSign(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	return SignDigest(key, accounts.TextHash(msg))
}

// ParseNodePublicKey decodes a secp256k1 communication key in compressed or
// uncompressed form.
func ParseNodePublicKey(b []byte) (*ecdsa.PublicKey, error) {
	switch len(b) {
	case 33:
		return crypto.DecompressPubkey(b)
	case 65:
		return crypto.UnmarshalPubkey(b)
	default:
		return nil, fmt.Errorf("%w: node public key has %d bytes", ErrInvalidPoint, len(b))
	}
}

// EncryptTo encrypts plaintext to a node communication key with ECIES.
// The associated data is bound as the MAC shared info.
func EncryptTo(pub *ecdsa.PublicKey, plaintext, associated []byte) ([]byte, error) {
	return ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), plaintext, nil, associated)
}

// DecryptWith is the inverse of EncryptTo.
func DecryptWith(key *ecdsa.PrivateKey, ciphertext, associated []byte) ([]byte, error) {
	return ecies.ImportECDSA(key).Decrypt(ciphertext, nil, associated)
}
