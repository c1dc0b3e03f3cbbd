package interfaces

import (
	"crypto/subtle"
	"runtime"
	"sync"
)

// noCopy makes go vet's copylocks check flag copies of secret holders.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Secret owns one secret scalar encoding: a blinder, a decryption share or
// a ciphertext. Holders travel by pointer only and zero themselves on Wipe
// or, failing that, when collected.
type Secret struct {
	_     noCopy
	mu    sync.Mutex
	v     Scalar
	wiped bool
}

// NewSecret moves s into a new holder and zeroes s.
func NewSecret(s *Scalar) *Secret {
	h := &Secret{v: *s}
	s.Wipe()
	runtime.SetFinalizer(h, (*Secret).Wipe)
	return h
}

// SecretFromBytes copies a 32-byte encoding into a new holder.
func SecretFromBytes(b []byte) (*Secret, error) {
	if len(b) != len(Scalar{}) {
		return nil, ErrMalformedScalar
	}
	h := &Secret{}
	copy(h.v[:], b)
	runtime.SetFinalizer(h, (*Secret).Wipe)
	return h, nil
}

// ParseSecretHex decodes a hex scalar straight into a holder.
func ParseSecretHex(s string) (*Secret, error) {
	v, err := ParseScalarHex(s)
	if err != nil {
		return nil, err
	}
	return NewSecret(&v), nil
}

// Use calls fn with the held encoding. fn must not retain the pointer.
// Returns false once the holder has been wiped.
func (s *Secret) Use(fn func(v *Scalar)) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return false
	}
	fn(&s.v)
	return true
}

// Clone returns an independent holder of the same value. Cloning a wiped
// holder yields a wiped holder.
func (s *Secret) Clone() *Secret {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Secret{v: s.v, wiped: s.wiped}
	runtime.SetFinalizer(c, (*Secret).Wipe)
	return c
}

// Equal compares two holders in constant time. Wiped holders are never
// equal.
func (s *Secret) Equal(o *Secret) bool {
	if s == nil || o == nil {
		return false
	}
	var eq bool
	s.Use(func(a *Scalar) {
		if s == o {
			eq = true
			return
		}
		o.Use(func(b *Scalar) { eq = subtle.ConstantTimeCompare(a[:], b[:]) == 1 })
	})
	return eq
}

// Hex returns the 0x-less hex encoding, for the wire forms the operator
// and recovery party tooling produce. Empty once wiped.
func (s *Secret) Hex() string {
	var out string
	s.Use(func(v *Scalar) { out = v.Hex() })
	return out
}

// Wipe zeroes the held value. Safe on nil and more than once.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v.Wipe()
	s.wiped = true
}

// Wiped reports whether Wipe has been called.
func (s *Secret) Wiped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wiped
}
