package cryptoutils

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ruteri/keyset-restore/interfaces"
)

var k256Order = btcec.S256().N

// k256Point holds an affine-normalized Jacobian point.
type k256Point struct {
	p btcec.JacobianPoint
}

func (p *k256Point) IsIdentity() bool {
	return (p.p.X.IsZero() && p.p.Y.IsZero()) || p.p.Z.IsZero()
}

// Bytes returns the 33-byte compressed encoding; the identity encodes as
// 33 zero bytes.
func (p *k256Point) Bytes() []byte {
	if p.IsIdentity() {
		return make([]byte, btcec.PubKeyBytesLenCompressed)
	}
	x, y := p.p.X, p.p.Y
	return btcec.NewPublicKey(&x, &y).SerializeCompressed()
}

func (p *k256Point) Equal(other Point) bool {
	o, ok := other.(*k256Point)
	if !ok {
		return false
	}
	return bytes.Equal(p.Bytes(), o.Bytes())
}

type secp256k1Group struct{}

func (*secp256k1Group) Curve() interfaces.Curve { return interfaces.CurveSecp256k1 }

func (*secp256k1Group) Order() *big.Int { return new(big.Int).Set(k256Order) }

func (*secp256k1Group) Identity() Point {
	return &k256Point{}
}

func (g *secp256k1Group) Generator() Point {
	return g.BaseMul(big.NewInt(1))
}

func toModN(k *big.Int) *btcec.ModNScalar {
	var buf [32]byte
	e := new(big.Int).Mod(k, k256Order)
	e.FillBytes(buf[:])
	WipeInt(e)
	var s btcec.ModNScalar
	s.SetBytes(&buf)
	WipeBytes(buf[:])
	return &s
}

func normalize(p *btcec.JacobianPoint) *k256Point {
	r := &k256Point{p: *p}
	if !r.IsIdentity() {
		r.p.ToAffine()
	}
	return r
}

func (*secp256k1Group) BaseMul(k *big.Int) Point {
	s := toModN(k)
	defer s.Zero()
	var r btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(s, &r)
	return normalize(&r)
}

func (*secp256k1Group) Mul(p Point, k *big.Int) Point {
	kp := p.(*k256Point)
	if kp.IsIdentity() {
		return &k256Point{}
	}
	s := toModN(k)
	defer s.Zero()
	var r btcec.JacobianPoint
	btcec.ScalarMultNonConst(s, &kp.p, &r)
	return normalize(&r)
}

func (*secp256k1Group) Add(a, b Point) Point {
	pa, pb := a.(*k256Point), b.(*k256Point)
	if pa.IsIdentity() {
		return &k256Point{p: pb.p}
	}
	if pb.IsIdentity() {
		return &k256Point{p: pa.p}
	}
	var r btcec.JacobianPoint
	btcec.AddNonConst(&pa.p, &pb.p, &r)
	return normalize(&r)
}

// DecodePoint accepts compressed and uncompressed SEC1 encodings, and the
// 33-zero-byte identity produced by Bytes.
func (*secp256k1Group) DecodePoint(b []byte) (Point, error) {
	if len(b) == btcec.PubKeyBytesLenCompressed && bytes.Equal(b, make([]byte, btcec.PubKeyBytesLenCompressed)) {
		return &k256Point{}, nil
	}
	pk, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	var r k256Point
	pk.AsJacobian(&r.p)
	return &r, nil
}
