package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// KeysetID is the opaque identifier of a keyset as registered in the
// key-router contract.
type KeysetID string

var keysetIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// NewKeysetID validates the identifier. Keyset identifiers end up in file
// paths and signed digests so they are restricted to a conservative charset.
func NewKeysetID(s string) (KeysetID, error) {
	if !keysetIDPattern.MatchString(s) {
		return "", fmt.Errorf("%w: invalid keyset id %q", ErrMalformedInput, s)
	}
	return KeysetID(s), nil
}

// String returns the keyset identifier.
func (id KeysetID) String() string {
	return string(id)
}

// Curve identifies the group a root key lives in.
type Curve uint8

const (
	// CurveBLS12381G1 is the BLS12-381 G1 group.
	CurveBLS12381G1 Curve = iota + 1
	// CurveSecp256k1 is the secp256k1 group.
	CurveSecp256k1
)

// Curves lists supported curves in canonical order.
var Curves = []Curve{CurveBLS12381G1, CurveSecp256k1}

// String returns the curve name used in file names and manifests.
func (c Curve) String() string {
	switch c {
	case CurveBLS12381G1:
		return "bls12381g1"
	case CurveSecp256k1:
		return "secp256k1"
	default:
		return fmt.Sprintf("curve(%d)", uint8(c))
	}
}

// ParseCurve is the inverse of Curve.String.
func ParseCurve(s string) (Curve, error) {
	switch strings.ToLower(s) {
	case "bls12381g1", "bls":
		return CurveBLS12381G1, nil
	case "secp256k1", "k256":
		return CurveSecp256k1, nil
	default:
		return 0, fmt.Errorf("%w: unknown curve %q", ErrMalformedInput, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Curve) MarshalText() ([]byte, error) {
	if c != CurveBLS12381G1 && c != CurveSecp256k1 {
		return nil, fmt.Errorf("unknown curve %d", uint8(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Curve) UnmarshalText(b []byte) error {
	parsed, err := ParseCurve(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// RootKey is one root key of a keyset as recorded on chain.
type RootKey struct {
	Curve     Curve
	Index     uint32
	PublicKey []byte
}

// ID returns a stable identifier of the root key within its keyset.
func (k RootKey) ID() RootKeyID {
	return RootKeyID{Curve: k.Curve, Index: k.Index}
}

// Equal compares root keys byte-for-byte.
func (k RootKey) Equal(other RootKey) bool {
	return k.Curve == other.Curve && k.Index == other.Index && bytes.Equal(k.PublicKey, other.PublicKey)
}

// RootKeyID addresses a root key within a keyset.
type RootKeyID struct {
	Curve Curve
	Index uint32
}

// String returns e.g. "secp256k1-3".
func (id RootKeyID) String() string {
	return fmt.Sprintf("%s-%d", id.Curve, id.Index)
}

// Less orders root keys by curve, then index.
func (id RootKeyID) Less(other RootKeyID) bool {
	if id.Curve != other.Curve {
		return id.Curve < other.Curve
	}
	return id.Index < other.Index
}

// SortRootKeys sorts root keys in canonical order.
func SortRootKeys(keys []RootKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID().Less(keys[j].ID()) })
}

// KeyRef addresses a root key across keysets.
type KeyRef struct {
	Keyset KeysetID
	Key    RootKeyID
}

func (r KeyRef) String() string {
	return string(r.Keyset) + "/" + r.Key.String()
}

// Scalar is the 32-byte big-endian encoding of a field element. Secret
// values are kept in a Secret; a bare Scalar only lives while a value is
// parsed or encoded.
type Scalar [32]byte

// ParseScalarHex decodes a hex scalar, with or without 0x prefix. Range
// checks against a group order are done by cryptoutils.
func ParseScalarHex(s string) (Scalar, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(clean) != 64 {
		return Scalar{}, fmt.Errorf("%w: scalar must be 32 bytes hex", ErrMalformedScalar)
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Scalar{}, fmt.Errorf("%w: %v", ErrMalformedScalar, err)
	}
	var out Scalar
	copy(out[:], raw)
	for i := range raw {
		raw[i] = 0
	}
	return out, nil
}

// Hex returns the 0x-less hex encoding.
func (s *Scalar) Hex() string {
	return hex.EncodeToString(s[:])
}

// Wipe zeroes the scalar in place.
func (s *Scalar) Wipe() {
	for i := range s {
		s[i] = 0
	}
}

// Blinders are the per-node, per-curve scalars that mask the recovered
// local share until the epoch-rebind step.
type Blinders struct {
	BLS  *Secret
	K256 *Secret
}

// For returns the blinder for the given curve. The holder stays owned by b.
func (b *Blinders) For(c Curve) (*Secret, error) {
	switch c {
	case CurveBLS12381G1:
		return b.BLS, nil
	case CurveSecp256k1:
		return b.K256, nil
	default:
		return nil, fmt.Errorf("no blinder for curve %s", c)
	}
}

// Clone returns blinders with holders of their own.
func (b *Blinders) Clone() *Blinders {
	return &Blinders{BLS: b.BLS.Clone(), K256: b.K256.Clone()}
}

// Equal compares both blinders in constant time.
func (b *Blinders) Equal(o *Blinders) bool {
	if b == nil || o == nil {
		return false
	}
	bls := b.BLS.Equal(o.BLS)
	k256 := b.K256.Equal(o.K256)
	return bls && k256
}

// Wipe zeroes both blinders.
func (b *Blinders) Wipe() {
	if b == nil {
		return
	}
	b.BLS.Wipe()
	b.K256.Wipe()
}

// DecryptionShare is one recovery-party member's share of the decryption
// scalar for one root key, with the member's signature over it.
type DecryptionShare struct {
	Keyset      KeysetID
	RootKey     RootKeyID
	MemberIndex uint32
	Share       *Secret
	Proof       []byte
}

// RecoveryPartyConfig is fixed for the duration of a restore.
type RecoveryPartyConfig struct {
	Threshold int
	Members   []common.Address
}

// Size returns N_r.
func (c RecoveryPartyConfig) Size() int {
	return len(c.Members)
}

// Member returns the address of the member with the given 1-based index.
func (c RecoveryPartyConfig) Member(index uint32) (common.Address, bool) {
	if index == 0 || int(index) > len(c.Members) {
		return common.Address{}, false
	}
	return c.Members[index-1], true
}

// Validate checks 1 <= T_r <= N_r and distinct members.
func (c RecoveryPartyConfig) Validate() error {
	if len(c.Members) == 0 {
		return errors.New("recovery party has no members")
	}
	if c.Threshold < 1 || c.Threshold > len(c.Members) {
		return fmt.Errorf("recovery party threshold %d out of range [1,%d]", c.Threshold, len(c.Members))
	}
	seen := make(map[common.Address]struct{}, len(c.Members))
	for _, m := range c.Members {
		if _, ok := seen[m]; ok {
			return fmt.Errorf("duplicate recovery party member %s", m.Hex())
		}
		seen[m] = struct{}{}
	}
	return nil
}

// Validator is one member of a staking epoch's committee.
type Validator struct {
	Address common.Address
	// PublicKey is the node's secp256k1 communication key (uncompressed),
	// used to encrypt rebind evaluations to it.
	PublicKey []byte
	Endpoint  string
}

// Committee is the validator set of one staking epoch.
type Committee struct {
	Epoch     uint64
	Threshold int
	Members   []Validator
}

// IndexOf returns the 1-based share index of addr, or 0 if absent.
func (c *Committee) IndexOf(addr common.Address) uint32 {
	for i, m := range c.Members {
		if m.Address == addr {
			return uint32(i + 1)
		}
	}
	return 0
}

// Contains reports whether addr is in the committee.
func (c *Committee) Contains(addr common.Address) bool {
	return c.IndexOf(addr) != 0
}
