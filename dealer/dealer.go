// Package dealer plays the prior network and the recovery party offline: it
// produces root keys, per-node backup bundles and blinders, and signed
// decryption shares. It exists for tests and staging environments; in
// production these inputs come from the prior network's backup ceremony.
package dealer

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/keyset-restore/backup"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/interfaces"
)

// Config sizes a fixture.
type Config struct {
	Keyset interfaces.KeysetID
	// BLSKeys and K256Keys are the number of root keys per curve.
	BLSKeys  int
	K256Keys int
	// OldNodes and OldThreshold describe the prior network's sharing.
	OldNodes     int
	OldThreshold int
	// PartyKeys are the recovery party members' signing keys, in member
	// index order. PartyThreshold is T_r.
	PartyKeys      []*ecdsa.PrivateKey
	PartyThreshold int
}

func (c Config) validate() error {
	if c.BLSKeys+c.K256Keys == 0 {
		return errors.New("no root keys requested")
	}
	if c.OldThreshold < 1 || c.OldThreshold > c.OldNodes {
		return fmt.Errorf("old threshold %d out of range [1,%d]", c.OldThreshold, c.OldNodes)
	}
	if c.PartyThreshold < 1 || c.PartyThreshold > len(c.PartyKeys) {
		return fmt.Errorf("party threshold %d out of range [1,%d]", c.PartyThreshold, len(c.PartyKeys))
	}
	_, err := interfaces.NewKeysetID(string(c.Keyset))
	return err
}

// NodeInputs is what the operator of one prior-network node uploads.
type NodeInputs struct {
	Index    uint32
	Blinders *interfaces.Blinders
	Bundle   []byte
}

// Fixture is a complete set of restore inputs for one keyset.
type Fixture struct {
	Keyset   interfaces.KeysetID
	RootKeys []interfaces.RootKey
	Party    interfaces.RecoveryPartyConfig
	Nodes    []*NodeInputs

	// shares[member-1] holds that member's decryption shares.
	shares [][]*interfaces.DecryptionShare
	// secrets are the root secrets, kept so tests can check results.
	secrets map[interfaces.RootKeyID]*big.Int
}

// Generate deals a fresh fixture.
func Generate(cfg Config) (*Fixture, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	f := &Fixture{
		Keyset:  cfg.Keyset,
		Party:   interfaces.RecoveryPartyConfig{Threshold: cfg.PartyThreshold},
		shares:  make([][]*interfaces.DecryptionShare, len(cfg.PartyKeys)),
		secrets: make(map[interfaces.RootKeyID]*big.Int),
	}
	for _, k := range cfg.PartyKeys {
		f.Party.Members = append(f.Party.Members, crypto.PubkeyToAddress(k.PublicKey))
	}

	var ids []interfaces.RootKeyID
	for i := 0; i < cfg.BLSKeys; i++ {
		ids = append(ids, interfaces.RootKeyID{Curve: interfaces.CurveBLS12381G1, Index: uint32(i)})
	}
	for i := 0; i < cfg.K256Keys; i++ {
		ids = append(ids, interfaces.RootKeyID{Curve: interfaces.CurveSecp256k1, Index: uint32(i)})
	}

	nodes := make([]*NodeInputs, cfg.OldNodes)
	entries := make([][]*backup.Entry, cfg.OldNodes)
	for j := range nodes {
		nodes[j] = &NodeInputs{Index: uint32(j + 1), Blinders: &interfaces.Blinders{}}
		for _, curve := range interfaces.Curves {
			b, err := cryptoutils.RandomScalar(cryptoutils.MustGroup(curve))
			if err != nil {
				return nil, err
			}
			if curve == interfaces.CurveBLS12381G1 {
				nodes[j].Blinders.BLS = cryptoutils.SecretFromInt(b)
			} else {
				nodes[j].Blinders.K256 = cryptoutils.SecretFromInt(b)
			}
			cryptoutils.WipeInt(b)
		}
	}

	for _, id := range ids {
		g := cryptoutils.MustGroup(id.Curve)

		secret, err := cryptoutils.RandomScalar(g)
		if err != nil {
			return nil, err
		}
		f.secrets[id] = secret
		poly, err := cryptoutils.RandomPolynomial(g, secret, cfg.OldThreshold-1)
		if err != nil {
			return nil, err
		}
		commitments := cryptoutils.EncodePoints(poly.Commit(g))
		pub := g.BaseMul(secret).Bytes()
		f.RootKeys = append(f.RootKeys, interfaces.RootKey{Curve: id.Curve, Index: id.Index, PublicKey: pub})

		// k is the ephemeral decryption scalar for this root key, shared
		// among the recovery party.
		k, err := cryptoutils.RandomScalar(g)
		if err != nil {
			return nil, err
		}
		kPoly, err := cryptoutils.RandomPolynomial(g, k, cfg.PartyThreshold-1)
		if err != nil {
			return nil, err
		}
		K := g.BaseMul(k).Bytes()

		for j, node := range nodes {
			s := poly.Eval(node.Index)
			blinder, _ := node.Blinders.For(id.Curve)
			b, _ := cryptoutils.ScalarFromSecret(g, blinder)
			pad := backup.DerivePad(g, k, cfg.Keyset, id, node.Index)

			c := new(big.Int).Add(s, b)
			c.Add(c, pad)
			c.Mod(c, g.Order())
			ct := cryptoutils.ScalarToBytes(c)

			entries[j] = append(entries[j], &backup.Entry{
				Curve:                   id.Curve,
				RootKeyIndex:            id.Index,
				PublicKey:               pub,
				Commitments:             toHex(commitments),
				DecryptionKeyCommitment: K,
				Ciphertext:              ct[:],
			})
			cryptoutils.WipeInt(s)
			cryptoutils.WipeInt(b)
			cryptoutils.WipeInt(c)
		}

		for m, key := range cfg.PartyKeys {
			member := uint32(m + 1)
			share, err := SignShare(key, cfg.Keyset, id, member, cryptoutils.SecretFromInt(kPoly.Eval(member)))
			if err != nil {
				return nil, err
			}
			f.shares[m] = append(f.shares[m], share)
		}
		poly.Wipe()
		kPoly.Wipe()
	}

	for j, node := range nodes {
		var buf bytes.Buffer
		if err := backup.EncodeBundle(&buf, cfg.Keyset, node.Index, cfg.OldThreshold, entries[j]); err != nil {
			return nil, err
		}
		node.Bundle = buf.Bytes()
	}
	f.Nodes = nodes
	interfaces.SortRootKeys(f.RootKeys)
	return f, nil
}

// SignShare builds a decryption share signed by a recovery party member.
// The returned share takes ownership of share.
func SignShare(key *ecdsa.PrivateKey, keyset interfaces.KeysetID, id interfaces.RootKeyID, member uint32, share *interfaces.Secret) (*interfaces.DecryptionShare, error) {
	digest := cryptoutils.DecryptionShareDigest(keyset, id, member, share)
	sig, err := cryptoutils.SignDigest(key, digest)
	if err != nil {
		return nil, err
	}
	return &interfaces.DecryptionShare{
		Keyset:      keyset,
		RootKey:     id,
		MemberIndex: member,
		Share:       share,
		Proof:       sig,
	}, nil
}

// Shares returns the decryption shares of a 1-based member index.
func (f *Fixture) Shares(member uint32) []*interfaces.DecryptionShare {
	if member == 0 || int(member) > len(f.shares) {
		return nil
	}
	return f.shares[member-1]
}

// RootSecret returns the secret of a root key.
func (f *Fixture) RootSecret(id interfaces.RootKeyID) *big.Int {
	return f.secrets[id]
}

// Node returns the inputs of the node with the given 1-based index.
func (f *Fixture) Node(index uint32) *NodeInputs {
	if index == 0 || int(index) > len(f.Nodes) {
		return nil
	}
	return f.Nodes[index-1]
}

// RotateRootKeys replaces every root key with a fresh one, the way a
// key-router update would. Bundles already dealt become stale.
func (f *Fixture) RotateRootKeys() ([]interfaces.RootKey, error) {
	rotated := make([]interfaces.RootKey, len(f.RootKeys))
	for i, rk := range f.RootKeys {
		g := cryptoutils.MustGroup(rk.Curve)
		s, err := cryptoutils.RandomScalar(g)
		if err != nil {
			return nil, err
		}
		rotated[i] = interfaces.RootKey{Curve: rk.Curve, Index: rk.Index, PublicKey: g.BaseMul(s).Bytes()}
	}
	return rotated, nil
}
