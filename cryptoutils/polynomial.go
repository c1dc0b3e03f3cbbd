package cryptoutils

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrDuplicateIndex = errors.New("duplicate share index")
	ErrZeroIndex      = errors.New("share index must be non-zero")
)

// Polynomial is a polynomial over a group's scalar field. Coefficient 0 is
// the shared secret.
type Polynomial struct {
	order  *big.Int
	coeffs []*big.Int
}

// NewPolynomial takes ownership of coeffs.
func NewPolynomial(g Group, coeffs []*big.Int) *Polynomial {
	return &Polynomial{order: g.Order(), coeffs: coeffs}
}

// RandomPolynomial returns a polynomial of the given degree with the given
// free term (copied) and random remaining coefficients.
func RandomPolynomial(g Group, secret *big.Int, degree int) (*Polynomial, error) {
	coeffs := make([]*big.Int, degree+1)
	coeffs[0] = new(big.Int).Set(secret)
	for i := 1; i <= degree; i++ {
		c, err := RandomScalar(g)
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}
	return NewPolynomial(g, coeffs), nil
}

// DerivePolynomial returns a polynomial of the given degree with free term
// secret and the remaining coefficients derived from secret and context.
// The same inputs always yield the same polynomial.
func DerivePolynomial(g Group, domain string, secret *big.Int, degree int, context ...[]byte) *Polynomial {
	coeffs := make([]*big.Int, degree+1)
	coeffs[0] = new(big.Int).Set(secret)
	sb := ScalarToBytes(secret)
	defer sb.Wipe()
	for i := 1; i <= degree; i++ {
		parts := append([][]byte{sb[:], Uint32Bytes(uint32(i))}, context...)
		coeffs[i] = HashToScalar(g, domain, parts...)
	}
	return NewPolynomial(g, coeffs)
}

// Degree returns the polynomial degree.
func (p *Polynomial) Degree() int {
	return len(p.coeffs) - 1
}

// Secret returns a copy of the free term.
func (p *Polynomial) Secret() *big.Int {
	return new(big.Int).Set(p.coeffs[0])
}

// Eval evaluates the polynomial at x using Horner's rule.
func (p *Polynomial) Eval(x uint32) *big.Int {
	bx := new(big.Int).SetUint64(uint64(x))
	acc := new(big.Int)
	for i := len(p.coeffs) - 1; i >= 0; i-- {
		acc.Mul(acc, bx)
		acc.Add(acc, p.coeffs[i])
		acc.Mod(acc, p.order)
	}
	return acc
}

// Commit returns the Feldman commitments c_k = a_k·G.
func (p *Polynomial) Commit(g Group) []Point {
	out := make([]Point, len(p.coeffs))
	for i, c := range p.coeffs {
		out[i] = g.BaseMul(c)
	}
	return out
}

// Wipe zeroes all coefficients.
func (p *Polynomial) Wipe() {
	for _, c := range p.coeffs {
		WipeInt(c)
	}
}

// EvalCommitments returns Σ c_k·x^k, the public image of the share at x.
func EvalCommitments(g Group, commitments []Point, x uint32) Point {
	order := g.Order()
	bx := new(big.Int).SetUint64(uint64(x))
	pow := big.NewInt(1)
	acc := g.Identity()
	for _, c := range commitments {
		acc = g.Add(acc, g.Mul(c, pow))
		pow.Mul(pow, bx)
		pow.Mod(pow, order)
	}
	return acc
}

// VerifyShare checks share·G against the Feldman commitments at x.
func VerifyShare(g Group, commitments []Point, x uint32, share *big.Int) bool {
	return g.BaseMul(share).Equal(EvalCommitments(g, commitments, x))
}

// LagrangeAtZero returns the Lagrange coefficients λ_i for interpolating
// at zero from the given distinct non-zero indices.
func LagrangeAtZero(g Group, xs []uint32) ([]*big.Int, error) {
	order := g.Order()
	seen := make(map[uint32]struct{}, len(xs))
	for _, x := range xs {
		if x == 0 {
			return nil, ErrZeroIndex
		}
		if _, ok := seen[x]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateIndex, x)
		}
		seen[x] = struct{}{}
	}

	out := make([]*big.Int, len(xs))
	for i, xi := range xs {
		num := big.NewInt(1)
		den := big.NewInt(1)
		bi := new(big.Int).SetUint64(uint64(xi))
		for j, xj := range xs {
			if i == j {
				continue
			}
			bj := new(big.Int).SetUint64(uint64(xj))
			// λ_i = Π x_j / (x_j - x_i)
			num.Mul(num, bj)
			num.Mod(num, order)
			diff := new(big.Int).Sub(bj, bi)
			diff.Mod(diff, order)
			den.Mul(den, diff)
			den.Mod(den, order)
		}
		inv := new(big.Int).ModInverse(den, order)
		if inv == nil {
			return nil, fmt.Errorf("non-invertible lagrange denominator for index %d", xi)
		}
		out[i] = num.Mul(num, inv).Mod(num, order)
	}
	return out, nil
}

// InterpolateAtZero combines shares y_i at indices xs into f(0). The
// returned value is owned by the caller.
func InterpolateAtZero(g Group, xs []uint32, ys []*big.Int) (*big.Int, error) {
	if len(xs) != len(ys) {
		return nil, errors.New("mismatched share indices and values")
	}
	lambdas, err := LagrangeAtZero(g, xs)
	if err != nil {
		return nil, err
	}
	order := g.Order()
	acc := new(big.Int)
	term := new(big.Int)
	for i := range ys {
		term.Mul(lambdas[i], ys[i])
		acc.Add(acc, term)
		acc.Mod(acc, order)
	}
	WipeInt(term)
	return acc, nil
}

// InterpolatePointsAtZero combines points P_i at indices xs into Σ λ_i·P_i.
func InterpolatePointsAtZero(g Group, xs []uint32, points []Point) (Point, error) {
	if len(xs) != len(points) {
		return nil, errors.New("mismatched indices and points")
	}
	lambdas, err := LagrangeAtZero(g, xs)
	if err != nil {
		return nil, err
	}
	acc := g.Identity()
	for i, p := range points {
		acc = g.Add(acc, g.Mul(p, lambdas[i]))
	}
	return acc, nil
}
