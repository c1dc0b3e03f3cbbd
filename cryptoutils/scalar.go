package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"github.com/ruteri/keyset-restore/interfaces"
	"golang.org/x/crypto/hkdf"
)

// ScalarFromBytes parses a 32-byte big-endian scalar and checks it is a
// canonical element of g's scalar field.
func ScalarFromBytes(g Group, s interfaces.Scalar) (*big.Int, error) {
	return scalarFromSlice(g, s[:])
}

// ScalarFromSecret is ScalarFromBytes for a held secret. The caller owns
// and wipes the result.
func ScalarFromSecret(g Group, s *interfaces.Secret) (x *big.Int, err error) {
	if !s.Use(func(v *interfaces.Scalar) { x, err = scalarFromSlice(g, v[:]) }) {
		return nil, fmt.Errorf("%w: secret already wiped", interfaces.ErrInvalidState)
	}
	return x, err
}

// NonZeroScalarFromSecret is ScalarFromSecret that also rejects zero.
func NonZeroScalarFromSecret(g Group, s *interfaces.Secret) (*big.Int, error) {
	x, err := ScalarFromSecret(g, s)
	if err != nil {
		return nil, err
	}
	if x.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero scalar", interfaces.ErrMalformedScalar)
	}
	return x, nil
}

// SecretFromInt encodes x (assumed reduced) into a new holder.
func SecretFromInt(x *big.Int) *interfaces.Secret {
	v := ScalarToBytes(x)
	return interfaces.NewSecret(&v)
}

func scalarFromSlice(g Group, b []byte) (*big.Int, error) {
	x := new(big.Int).SetBytes(b)
	if x.Cmp(g.Order()) >= 0 {
		WipeInt(x)
		return nil, fmt.Errorf("%w: scalar not below %s group order", interfaces.ErrMalformedScalar, g.Curve())
	}
	return x, nil
}

// NonZeroScalarFromBytes is ScalarFromBytes that also rejects zero.
func NonZeroScalarFromBytes(g Group, s interfaces.Scalar) (*big.Int, error) {
	x, err := ScalarFromBytes(g, s)
	if err != nil {
		return nil, err
	}
	if x.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero scalar", interfaces.ErrMalformedScalar)
	}
	return x, nil
}

// ScalarToBytes encodes x (assumed reduced) as 32 big-endian bytes.
func ScalarToBytes(x *big.Int) interfaces.Scalar {
	var out interfaces.Scalar
	x.FillBytes(out[:])
	return out
}

// RandomScalar returns a uniformly random non-zero scalar of g.
func RandomScalar(g Group) (*big.Int, error) {
	order := g.Order()
	for {
		k, err := rand.Int(rand.Reader, order)
		if err != nil {
			return nil, err
		}
		if k.Sign() != 0 {
			return k, nil
		}
	}
}

// LengthPrefixed concatenates parts, each prefixed by its uint32 length, so
// distinct part lists never collide.
func LengthPrefixed(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += 4 + len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range parts {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(p)))
		buf = append(buf, p...)
	}
	return buf
}

// HashToScalar derives a scalar of g from the given parts under a domain
// separation label. 64 bytes of HKDF-SHA256 output are reduced modulo the
// order, so the bias is negligible.
func HashToScalar(g Group, domain string, parts ...[]byte) *big.Int {
	ikm := LengthPrefixed(parts...)
	defer WipeBytes(ikm)

	r := hkdf.New(sha256.New, ikm, []byte(g.Curve().String()), []byte(domain))
	var wide [64]byte
	if _, err := io.ReadFull(r, wide[:]); err != nil {
		// hkdf only fails past 255*hashlen bytes
		panic(err)
	}
	x := new(big.Int).SetBytes(wide[:])
	WipeBytes(wide[:])
	return x.Mod(x, g.Order())
}

// Uint32Bytes is the big-endian encoding used in derivation inputs.
func Uint32Bytes(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// Uint64Bytes is the big-endian encoding used in derivation inputs.
func Uint64Bytes(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}
