package cryptoutils

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupArithmetic(t *testing.T) {
	for _, curve := range interfaces.Curves {
		t.Run(curve.String(), func(t *testing.T) {
			g := MustGroup(curve)

			a := big.NewInt(7)
			b := big.NewInt(11)
			sum := g.Add(g.BaseMul(a), g.BaseMul(b))
			assert.True(t, sum.Equal(g.BaseMul(big.NewInt(18))), "aG + bG should equal (a+b)G")

			// (q-1)G + G is the identity
			qMinus1 := new(big.Int).Sub(g.Order(), big.NewInt(1))
			id := g.Add(g.BaseMul(qMinus1), g.Generator())
			assert.True(t, id.IsIdentity())
			assert.True(t, g.Add(id, g.Generator()).Equal(g.Generator()))

			decoded, err := g.DecodePoint(sum.Bytes())
			require.NoError(t, err)
			assert.True(t, decoded.Equal(sum), "encoding should round trip")

			idDecoded, err := g.DecodePoint(g.Identity().Bytes())
			require.NoError(t, err)
			assert.True(t, idDecoded.IsIdentity())

			_, err = g.DecodePoint([]byte{1, 2, 3})
			assert.ErrorIs(t, err, ErrInvalidPoint)
		})
	}
}

func TestSecp256k1AcceptsUncompressed(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	g := MustGroup(interfaces.CurveSecp256k1)
	uncompressed := crypto.FromECDSAPub(&key.PublicKey)
	compressed := crypto.CompressPubkey(&key.PublicKey)

	assert.True(t, PointsEqual(g, uncompressed, compressed))
	assert.True(t, g.BaseMul(key.D).Equal(mustDecode(t, g, compressed)))
}

func mustDecode(t *testing.T, g Group, b []byte) Point {
	t.Helper()
	p, err := g.DecodePoint(b)
	require.NoError(t, err)
	return p
}

func TestScalarRangeChecks(t *testing.T) {
	g := MustGroup(interfaces.CurveBLS12381G1)

	var tooLarge interfaces.Scalar
	g.Order().FillBytes(tooLarge[:])
	_, err := ScalarFromBytes(g, tooLarge)
	assert.ErrorIs(t, err, interfaces.ErrMalformedScalar)

	var zero interfaces.Scalar
	x, err := ScalarFromBytes(g, zero)
	require.NoError(t, err)
	assert.Equal(t, 0, x.Sign())

	_, err = NonZeroScalarFromBytes(g, zero)
	assert.ErrorIs(t, err, interfaces.ErrMalformedScalar)

	// the secp256k1 order is larger than the BLS one, so BLS order itself is a valid k256 scalar
	k := MustGroup(interfaces.CurveSecp256k1)
	_, err = ScalarFromBytes(k, tooLarge)
	assert.NoError(t, err)

	held := interfaces.NewSecret(&tooLarge)
	_, err = ScalarFromSecret(g, held)
	assert.ErrorIs(t, err, interfaces.ErrMalformedScalar)
	_, err = NonZeroScalarFromSecret(g, interfaces.NewSecret(&zero))
	assert.ErrorIs(t, err, interfaces.ErrMalformedScalar)
	held.Wipe()
	_, err = ScalarFromSecret(k, held)
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)

	v, err := ScalarFromSecret(k, SecretFromInt(big.NewInt(7)))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int64())
}

func TestShamirRoundTrip(t *testing.T) {
	for _, curve := range interfaces.Curves {
		t.Run(curve.String(), func(t *testing.T) {
			g := MustGroup(curve)
			secret, err := RandomScalar(g)
			require.NoError(t, err)

			poly, err := RandomPolynomial(g, secret, 2)
			require.NoError(t, err)
			commitments := poly.Commit(g)
			assert.True(t, commitments[0].Equal(g.BaseMul(secret)))

			shares := map[uint32]*big.Int{}
			for i := uint32(1); i <= 5; i++ {
				shares[i] = poly.Eval(i)
				assert.True(t, VerifyShare(g, commitments, i, shares[i]), "share %d should verify", i)
			}

			// any 3 of 5
			for _, subset := range [][]uint32{{1, 2, 3}, {2, 4, 5}, {5, 1, 3}} {
				ys := []*big.Int{shares[subset[0]], shares[subset[1]], shares[subset[2]]}
				got, err := InterpolateAtZero(g, subset, ys)
				require.NoError(t, err)
				assert.Equal(t, 0, got.Cmp(secret), "subset %v", subset)

				pts := []Point{g.BaseMul(ys[0]), g.BaseMul(ys[1]), g.BaseMul(ys[2])}
				pub, err := InterpolatePointsAtZero(g, subset, pts)
				require.NoError(t, err)
				assert.True(t, pub.Equal(commitments[0]))
			}

			// 2 shares are not enough
			got, err := InterpolateAtZero(g, []uint32{1, 2}, []*big.Int{shares[1], shares[2]})
			require.NoError(t, err)
			assert.NotEqual(t, 0, got.Cmp(secret))

			wrong := new(big.Int).Add(shares[1], big.NewInt(1))
			assert.False(t, VerifyShare(g, commitments, 1, wrong))
		})
	}
}

func TestLagrangeRejectsBadIndices(t *testing.T) {
	g := MustGroup(interfaces.CurveSecp256k1)

	_, err := LagrangeAtZero(g, []uint32{1, 2, 2})
	assert.ErrorIs(t, err, ErrDuplicateIndex)

	_, err = LagrangeAtZero(g, []uint32{0, 1})
	assert.ErrorIs(t, err, ErrZeroIndex)
}

func TestDerivePolynomialIsDeterministic(t *testing.T) {
	g := MustGroup(interfaces.CurveBLS12381G1)
	secret := big.NewInt(123456789)

	p1 := DerivePolynomial(g, "test", secret, 3, []byte("keyset"), Uint64Bytes(4))
	p2 := DerivePolynomial(g, "test", secret, 3, []byte("keyset"), Uint64Bytes(4))
	p3 := DerivePolynomial(g, "test", secret, 3, []byte("keyset"), Uint64Bytes(5))

	assert.Equal(t, 3, p1.Degree())
	assert.Equal(t, 0, p1.Secret().Cmp(secret))
	for x := uint32(1); x <= 4; x++ {
		assert.Equal(t, 0, p1.Eval(x).Cmp(p2.Eval(x)))
	}
	assert.NotEqual(t, 0, p1.Eval(1).Cmp(p3.Eval(1)), "different epoch should derive a different polynomial")

	p1.Wipe()
	assert.Equal(t, 0, p1.Eval(9).Sign(), "wiped polynomial evaluates to zero")
}

func TestScopeWipes(t *testing.T) {
	scope := NewScope()
	x := scope.Track(big.NewInt(42))
	buf := scope.TrackBytes([]byte{1, 2, 3})
	y := scope.Int()
	y.SetInt64(99)

	scope.Wipe()
	assert.Equal(t, 0, x.Sign())
	assert.Equal(t, 0, y.Sign())
	assert.Equal(t, []byte{0, 0, 0}, buf)

	// second wipe is a no-op
	scope.Wipe()
}

func TestSecretScalar(t *testing.T) {
	src := big.NewInt(5)
	s := NewSecretScalar(src)
	WipeInt(src)

	var seen int64
	require.True(t, s.Use(func(v *big.Int) { seen = v.Int64() }))
	assert.Equal(t, int64(5), seen)

	s.Wipe()
	assert.True(t, s.Wiped())
	assert.False(t, s.Use(func(*big.Int) { t.Fatal("must not be called after wipe") }))
}

func TestHashToScalarDomainSeparation(t *testing.T) {
	g := MustGroup(interfaces.CurveSecp256k1)
	a := HashToScalar(g, "pad", []byte("ab"), []byte("c"))
	b := HashToScalar(g, "pad", []byte("a"), []byte("bc"))
	c := HashToScalar(g, "other", []byte("ab"), []byte("c"))

	assert.NotEqual(t, 0, a.Cmp(b), "length prefixing must separate part boundaries")
	assert.NotEqual(t, 0, a.Cmp(c))
	assert.Equal(t, -1, a.Cmp(g.Order()))
}
