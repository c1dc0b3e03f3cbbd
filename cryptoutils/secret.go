package cryptoutils

import (
	"math/big"
	"runtime"
	"sync"
)

// noCopy makes go vet's copylocks check flag accidental copies of secret
// holders.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// WipeBytes zeroes b in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// WipeInt zeroes the limbs backing x and sets it to zero. Intermediate
// values big.Int reallocated internally are out of reach; callers keep
// secret arithmetic inside a Scope so at least every named value is wiped.
func WipeInt(x *big.Int) {
	if x == nil {
		return
	}
	words := x.Bits()
	for i := range words {
		words[i] = 0
	}
	x.SetInt64(0)
}

// Scope tracks secret values created during one operation and wipes all
// of them on Wipe. Use as:
//
//	scope := NewScope()
//	defer scope.Wipe()
type Scope struct {
	_    noCopy
	mu   sync.Mutex
	ints []*big.Int
	bufs [][]byte
}

func NewScope() *Scope {
	return &Scope{}
}

// Int allocates a tracked zero integer.
func (s *Scope) Int() *big.Int {
	return s.Track(new(big.Int))
}

// Track registers x for wiping and returns it.
func (s *Scope) Track(x *big.Int) *big.Int {
	s.mu.Lock()
	s.ints = append(s.ints, x)
	s.mu.Unlock()
	return x
}

// TrackBytes registers b for wiping and returns it.
func (s *Scope) TrackBytes(b []byte) []byte {
	s.mu.Lock()
	s.bufs = append(s.bufs, b)
	s.mu.Unlock()
	return b
}

// Wipe zeroes every tracked value. Safe to call more than once.
func (s *Scope) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.ints {
		WipeInt(x)
	}
	for _, b := range s.bufs {
		WipeBytes(b)
	}
	s.ints = nil
	s.bufs = nil
}

// SecretScalar owns a scalar that outlives a single Scope, such as a raw
// recovered share waiting for the rebind step.
type SecretScalar struct {
	_     noCopy
	mu    sync.Mutex
	v     *big.Int
	wiped bool
}

// NewSecretScalar copies x into a new holder. The caller remains
// responsible for wiping x.
func NewSecretScalar(x *big.Int) *SecretScalar {
	s := &SecretScalar{v: new(big.Int).Set(x)}
	runtime.SetFinalizer(s, (*SecretScalar).Wipe)
	return s
}

// Use calls fn with the held value. fn must not retain the pointer.
// Returns false if the scalar has already been wiped.
func (s *SecretScalar) Use(fn func(v *big.Int)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return false
	}
	fn(s.v)
	return true
}

// Wipe zeroes the held value.
func (s *SecretScalar) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return
	}
	WipeInt(s.v)
	s.wiped = true
}

// Wiped reports whether Wipe has been called.
func (s *SecretScalar) Wiped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wiped
}
