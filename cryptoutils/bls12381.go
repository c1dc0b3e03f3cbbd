package cryptoutils

import (
	"fmt"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/ruteri/keyset-restore/interfaces"
)

var (
	blsOrder     = fr.Modulus()
	blsGenerator bls12381.G1Affine
)

func init() {
	_, _, blsGenerator, _ = bls12381.Generators()
}

type blsPoint struct {
	p bls12381.G1Affine
}

func (p *blsPoint) Bytes() []byte {
	b := p.p.Bytes()
	return b[:]
}

func (p *blsPoint) Equal(other Point) bool {
	o, ok := other.(*blsPoint)
	if !ok {
		return false
	}
	return p.p.Equal(&o.p)
}

func (p *blsPoint) IsIdentity() bool {
	return p.p.IsInfinity()
}

// bls12381Group is G1 of BLS12-381.
type bls12381Group struct{}

func (*bls12381Group) Curve() interfaces.Curve { return interfaces.CurveBLS12381G1 }

func (*bls12381Group) Order() *big.Int { return new(big.Int).Set(blsOrder) }

func (*bls12381Group) Identity() Point {
	var p blsPoint
	p.p.X.SetZero()
	p.p.Y.SetZero()
	return &p
}

func (*bls12381Group) Generator() Point {
	return &blsPoint{p: blsGenerator}
}

func (g *bls12381Group) BaseMul(k *big.Int) Point {
	return g.Mul(g.Generator(), k)
}

func (g *bls12381Group) Mul(p Point, k *big.Int) Point {
	bp := p.(*blsPoint)
	e := new(big.Int).Mod(k, blsOrder)
	var r blsPoint
	r.p.ScalarMultiplication(&bp.p, e)
	WipeInt(e)
	return &r
}

func (*bls12381Group) Add(a, b Point) Point {
	var ja, jb bls12381.G1Jac
	ja.FromAffine(&a.(*blsPoint).p)
	jb.FromAffine(&b.(*blsPoint).p)
	ja.AddAssign(&jb)
	var r blsPoint
	r.p.FromJacobian(&ja)
	return &r
}

// DecodePoint accepts compressed (48 bytes) and uncompressed (96 bytes)
// encodings. SetBytes enforces the subgroup check.
func (*bls12381Group) DecodePoint(b []byte) (Point, error) {
	if len(b) != bls12381.SizeOfG1AffineCompressed && len(b) != bls12381.SizeOfG1AffineUncompressed {
		return nil, fmt.Errorf("%w: bls12381 G1 point has %d bytes", ErrInvalidPoint, len(b))
	}
	var p blsPoint
	if _, err := p.p.SetBytes(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return &p, nil
}
