package backup

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"path"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/klauspost/compress/gzip"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/interfaces"
)

const (
	BundleVersion = 1

	manifestName   = "manifest.json"
	keysDir        = "keys"
	maxMemberBytes = 1 << 20
	maxMembers     = 4096

	integrityDomain = "keyset-restore/bundle-entry"
)

// Manifest is the bundle's table of contents.
type Manifest struct {
	Version      int                 `json:"version"`
	Keyset       interfaces.KeysetID `json:"keyset_id"`
	NodeIndex    uint32              `json:"node_index"`
	OldThreshold int                 `json:"old_threshold"`
	Entries      []string            `json:"entries"`
}

// Entry is one root key's encrypted local share together with the public
// data needed to verify it after decryption.
type Entry struct {
	Curve        interfaces.Curve `json:"curve"`
	RootKeyIndex uint32           `json:"root_key_index"`
	PublicKey    hexutil.Bytes    `json:"public_key"`
	// Commitments are the Feldman commitments of the prior network's
	// sharing polynomial. Commitments[0] is the root public key.
	Commitments []hexutil.Bytes `json:"commitments"`
	// DecryptionKeyCommitment is k·G for the recovery party's decryption
	// scalar k.
	DecryptionKeyCommitment hexutil.Bytes `json:"decryption_key_commitment"`
	Ciphertext              hexutil.Bytes `json:"ciphertext"`
	IntegrityTag            hexutil.Bytes `json:"integrity_tag"`
}

// RootKey returns the root key this entry claims to hold a share of.
func (e *Entry) RootKey() interfaces.RootKey {
	return interfaces.RootKey{Curve: e.Curve, Index: e.RootKeyIndex, PublicKey: append([]byte(nil), e.PublicKey...)}
}

// ID returns the root key id.
func (e *Entry) ID() interfaces.RootKeyID {
	return interfaces.RootKeyID{Curve: e.Curve, Index: e.RootKeyIndex}
}

// CiphertextSecret returns a held copy of the ciphertext. The caller wipes
// it.
func (e *Entry) CiphertextSecret() *interfaces.Secret {
	var s interfaces.Scalar
	copy(s[:], e.Ciphertext)
	return interfaces.NewSecret(&s)
}

// EntryPath is the tar member name of a root key's entry.
func EntryPath(id interfaces.RootKeyID) string {
	return path.Join(keysDir, id.String()+".json")
}

// ComputeIntegrityTag binds every entry field to the keyset and node index.
func ComputeIntegrityTag(keyset interfaces.KeysetID, nodeIndex uint32, e *Entry) []byte {
	parts := [][]byte{
		[]byte(integrityDomain),
		[]byte(keyset),
		cryptoutils.Uint32Bytes(nodeIndex),
		{byte(e.Curve)},
		cryptoutils.Uint32Bytes(e.RootKeyIndex),
		e.PublicKey,
		cryptoutils.Uint32Bytes(uint32(len(e.Commitments))),
	}
	for _, c := range e.Commitments {
		parts = append(parts, c)
	}
	parts = append(parts, e.DecryptionKeyCommitment, e.Ciphertext)
	return crypto.Keccak256(cryptoutils.LengthPrefixed(parts...))
}

// Bundle is a parsed and structurally validated backup tarball.
type Bundle struct {
	Manifest Manifest
	// Entries sorted by root key id.
	Entries []*Entry
}

// Entry returns the entry for a root key.
func (b *Bundle) Entry(id interfaces.RootKeyID) (*Entry, bool) {
	for _, e := range b.Entries {
		if e.ID() == id {
			return e, true
		}
	}
	return nil, false
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", interfaces.ErrTarballMalformed, fmt.Sprintf(format, args...))
}

// ParseBundle reads a gzip-compressed tar stream and validates its
// structure. It checks encodings and integrity tags only; agreement with
// on-chain root keys is the caller's responsibility.
func ParseBundle(r io.Reader) (*Bundle, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, malformed("gzip: %v", err)
	}
	defer gz.Close()

	members := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, malformed("tar: %v", err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
		default:
			return nil, malformed("unexpected tar member type %q for %s", hdr.Typeflag, hdr.Name)
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if path.IsAbs(name) || strings.HasPrefix(name, "..") {
			return nil, malformed("illegal member path %q", hdr.Name)
		}
		if _, dup := members[name]; dup {
			return nil, malformed("duplicate member %s", name)
		}
		if len(members) >= maxMembers {
			return nil, malformed("too many members")
		}
		if hdr.Size > maxMemberBytes {
			return nil, malformed("member %s too large", name)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxMemberBytes+1))
		if err != nil {
			return nil, malformed("reading %s: %v", name, err)
		}
		if len(data) > maxMemberBytes {
			return nil, malformed("member %s too large", name)
		}
		members[name] = data
	}

	raw, ok := members[manifestName]
	if !ok {
		return nil, malformed("missing %s", manifestName)
	}
	var m Manifest
	if err := decodeStrict(raw, &m); err != nil {
		return nil, malformed("manifest: %v", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if len(members) != len(m.Entries)+1 {
		return nil, malformed("tarball has %d members, manifest lists %d entries", len(members)-1, len(m.Entries))
	}

	bundle := &Bundle{Manifest: m}
	seen := make(map[interfaces.RootKeyID]struct{}, len(m.Entries))
	for _, name := range m.Entries {
		raw, ok := members[path.Clean(name)]
		if !ok {
			return nil, malformed("manifest entry %s missing from tarball", name)
		}
		var e Entry
		if err := decodeStrict(raw, &e); err != nil {
			return nil, malformed("entry %s: %v", name, err)
		}
		if EntryPath(e.ID()) != path.Clean(name) {
			return nil, malformed("entry %s holds root key %s", name, e.ID())
		}
		if _, dup := seen[e.ID()]; dup {
			return nil, malformed("duplicate root key %s", e.ID())
		}
		seen[e.ID()] = struct{}{}
		if err := e.validate(m); err != nil {
			return nil, err
		}
		bundle.Entries = append(bundle.Entries, &e)
	}

	sort.Slice(bundle.Entries, func(i, j int) bool {
		return bundle.Entries[i].ID().Less(bundle.Entries[j].ID())
	})
	return bundle, nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (m *Manifest) validate() error {
	if m.Version != BundleVersion {
		return malformed("unsupported bundle version %d", m.Version)
	}
	if _, err := interfaces.NewKeysetID(string(m.Keyset)); err != nil {
		return malformed("keyset id: %v", err)
	}
	if m.NodeIndex == 0 {
		return malformed("node index must be >= 1")
	}
	if m.OldThreshold < 1 {
		return malformed("old threshold must be >= 1")
	}
	if len(m.Entries) == 0 {
		return malformed("no entries")
	}
	return nil
}

func (e *Entry) validate(m Manifest) error {
	g, err := cryptoutils.GroupFor(e.Curve)
	if err != nil {
		return malformed("root key %s: %v", e.ID(), err)
	}
	if _, err := g.DecodePoint(e.PublicKey); err != nil {
		return malformed("root key %s public key: %v", e.ID(), err)
	}
	if len(e.Commitments) != m.OldThreshold {
		return malformed("root key %s has %d commitments, threshold is %d", e.ID(), len(e.Commitments), m.OldThreshold)
	}
	for i, c := range e.Commitments {
		if _, err := g.DecodePoint(c); err != nil {
			return malformed("root key %s commitment %d: %v", e.ID(), i, err)
		}
	}
	if _, err := g.DecodePoint(e.DecryptionKeyCommitment); err != nil {
		return malformed("root key %s decryption key commitment: %v", e.ID(), err)
	}
	if len(e.Ciphertext) != 32 {
		return malformed("root key %s ciphertext must be 32 bytes", e.ID())
	}
	ct := e.CiphertextSecret()
	c, err := cryptoutils.ScalarFromSecret(g, ct)
	ct.Wipe()
	if err != nil {
		return malformed("root key %s ciphertext: %v", e.ID(), err)
	}
	cryptoutils.WipeInt(c)
	if !bytes.Equal(e.IntegrityTag, ComputeIntegrityTag(m.Keyset, m.NodeIndex, e)) {
		return malformed("root key %s integrity tag mismatch", e.ID())
	}
	return nil
}

// EncodeBundle writes a bundle as a gzip-compressed tarball. The manifest's
// entry list is rebuilt from entries and integrity tags are computed.
func EncodeBundle(w io.Writer, keyset interfaces.KeysetID, nodeIndex uint32, oldThreshold int, entries []*Entry) error {
	m := Manifest{
		Version:      BundleVersion,
		Keyset:       keyset,
		NodeIndex:    nodeIndex,
		OldThreshold: oldThreshold,
	}
	for _, e := range entries {
		e.IntegrityTag = ComputeIntegrityTag(keyset, nodeIndex, e)
		m.Entries = append(m.Entries, EntryPath(e.ID()))
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	write := func(name string, v any) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o600, Size: int64(len(data)), Typeflag: tar.TypeReg}); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	}

	if err := write(manifestName, m); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	for _, e := range entries {
		if err := write(EntryPath(e.ID()), e); err != nil {
			return fmt.Errorf("writing entry %s: %w", e.ID(), err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

const padDomain = "keyset-restore/pad"

// DerivePad derives the one-time pad that masks a node's blinded share in
// its bundle entry from the recovery party's decryption scalar k.
func DerivePad(g cryptoutils.Group, k *big.Int, keyset interfaces.KeysetID, id interfaces.RootKeyID, nodeIndex uint32) *big.Int {
	kb := cryptoutils.ScalarToBytes(k)
	defer kb.Wipe()
	return cryptoutils.HashToScalar(g, padDomain,
		kb[:],
		[]byte(keyset),
		[]byte{byte(id.Curve)},
		cryptoutils.Uint32Bytes(id.Index),
		cryptoutils.Uint32Bytes(nodeIndex),
	)
}
