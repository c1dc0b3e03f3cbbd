package cryptoutils

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ruteri/keyset-restore/interfaces"
)

// ErrInvalidPoint is returned when a point encoding does not decode to a
// valid group element.
var ErrInvalidPoint = errors.New("invalid group element encoding")

// Point is an element of a prime-order group.
type Point interface {
	// Bytes returns the canonical compressed encoding.
	Bytes() []byte
	Equal(other Point) bool
	IsIdentity() bool
}

// Group is the subset of prime-order group operations needed for Shamir
// sharing, Lagrange interpolation and Feldman commitments.
type Group interface {
	Curve() interfaces.Curve
	Order() *big.Int
	Identity() Point
	Generator() Point
	BaseMul(k *big.Int) Point
	Mul(p Point, k *big.Int) Point
	Add(a, b Point) Point
	DecodePoint(b []byte) (Point, error)
}

var (
	blsGroup  Group = &bls12381Group{}
	k256Group Group = &secp256k1Group{}
)

// GroupFor returns the group of the given curve.
func GroupFor(c interfaces.Curve) (Group, error) {
	switch c {
	case interfaces.CurveBLS12381G1:
		return blsGroup, nil
	case interfaces.CurveSecp256k1:
		return k256Group, nil
	default:
		return nil, fmt.Errorf("%w: unsupported curve %s", interfaces.ErrMalformedInput, c)
	}
}

// MustGroup is GroupFor for callers that already validated the curve.
func MustGroup(c interfaces.Curve) Group {
	g, err := GroupFor(c)
	if err != nil {
		panic(err)
	}
	return g
}

// DecodePoints decodes a list of point encodings.
func DecodePoints(g Group, encoded [][]byte) ([]Point, error) {
	out := make([]Point, len(encoded))
	for i, b := range encoded {
		p, err := g.DecodePoint(b)
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}

// EncodePoints is the inverse of DecodePoints.
func EncodePoints(points []Point) [][]byte {
	out := make([][]byte, len(points))
	for i, p := range points {
		out[i] = p.Bytes()
	}
	return out
}

// PointsEqual compares two encodings as group elements, so compressed and
// uncompressed encodings of the same point are equal.
func PointsEqual(g Group, a, b []byte) bool {
	pa, err := g.DecodePoint(a)
	if err != nil {
		return false
	}
	pb, err := g.DecodePoint(b)
	if err != nil {
		return false
	}
	return pa.Equal(pb)
}
