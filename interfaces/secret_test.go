package interfaces

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecret(t *testing.T) {
	src := Scalar{1, 2, 3}
	s := NewSecret(&src)
	assert.Equal(t, Scalar{}, src, "the source encoding is zeroed")

	var seen Scalar
	require.True(t, s.Use(func(v *Scalar) { seen = *v }))
	assert.Equal(t, Scalar{1, 2, 3}, seen)

	c := s.Clone()
	assert.True(t, s.Equal(c))
	assert.True(t, s.Equal(s))

	s.Wipe()
	assert.True(t, s.Wiped())
	assert.False(t, s.Use(func(*Scalar) { t.Fatal("must not be called after wipe") }))
	assert.Empty(t, s.Hex())
	assert.False(t, s.Equal(c))

	// the clone holds its own copy
	require.True(t, c.Use(func(v *Scalar) { seen = *v }))
	assert.Equal(t, Scalar{1, 2, 3}, seen)
	assert.Equal(t, "0102030000000000000000000000000000000000000000000000000000000000", c.Hex())

	var none *Secret
	none.Wipe()
	assert.False(t, none.Use(func(*Scalar) {}))
}

func TestParseSecretHex(t *testing.T) {
	s, err := ParseSecretHex("0x" + "ff" + "00000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	s.Use(func(v *Scalar) {
		assert.Equal(t, byte(0xff), v[0])
		assert.Equal(t, byte(1), v[31])
	})

	_, err = ParseSecretHex("1234")
	assert.ErrorIs(t, err, ErrMalformedScalar)
	_, err = SecretFromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, ErrMalformedScalar)
}

func TestBlindersOwnTheirHolders(t *testing.T) {
	b := &Blinders{BLS: NewSecret(&Scalar{1}), K256: NewSecret(&Scalar{2})}
	installed := b.Clone()
	assert.True(t, b.Equal(installed))

	// wiping the caller's blinders leaves the installed copy intact
	b.Wipe()
	assert.True(t, b.BLS.Wiped())
	assert.True(t, b.K256.Wiped())
	assert.False(t, installed.BLS.Wiped())

	k256, err := installed.For(CurveSecp256k1)
	require.NoError(t, err)
	assert.Same(t, installed.K256, k256)
	k256.Use(func(v *Scalar) { assert.Equal(t, byte(2), v[0]) })

	_, err = installed.For(Curve(9))
	assert.Error(t, err)

	installed.Wipe()
	assert.True(t, installed.BLS.Wiped())
	var none *Blinders
	none.Wipe()
}
