package rebind

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/interfaces"
)

const (
	dealDomain    = "keyset-restore/rebind-deal"
	evalDomain    = "keyset-restore/rebind-eval"
	reshareDomain = "keyset-restore/reshare"

	maxCommitments   = 1024
	maxEncryptedEval = 512
)

// DealMessage carries one dealer's resharing of its prior share of one
// root key to one recipient of the target committee.
type DealMessage struct {
	Keyset         interfaces.KeysetID `json:"keyset_id"`
	Curve          interfaces.Curve    `json:"curve"`
	RootKeyIndex   uint32              `json:"root_key_index"`
	Epoch          uint64              `json:"epoch"`
	Dealer         common.Address      `json:"dealer"`
	DealerOldIndex uint32              `json:"dealer_old_index"`
	Recipient      common.Address      `json:"recipient"`
	// Commitments are the Feldman commitments of the dealer's resharing
	// polynomial. Commitments[0] commits to the dealer's prior share.
	Commitments []hexutil.Bytes `json:"commitments"`
	// EncryptedEval is the ECIES encryption of h(recipient index) to the
	// recipient's communication key.
	EncryptedEval hexutil.Bytes `json:"encrypted_eval"`
	Signature     hexutil.Bytes `json:"signature"`
}

// Ref returns the root key the deal is for.
func (m *DealMessage) Ref() interfaces.KeyRef {
	return interfaces.KeyRef{Keyset: m.Keyset, Key: interfaces.RootKeyID{Curve: m.Curve, Index: m.RootKeyIndex}}
}

// associatedData binds an encrypted evaluation to its context.
func (m *DealMessage) associatedData() []byte {
	return cryptoutils.LengthPrefixed(
		[]byte(evalDomain),
		[]byte(m.Keyset),
		[]byte{byte(m.Curve)},
		cryptoutils.Uint32Bytes(m.RootKeyIndex),
		cryptoutils.Uint64Bytes(m.Epoch),
		m.Dealer.Bytes(),
		m.Recipient.Bytes(),
	)
}

// Digest is the EIP-191 digest the dealer signs.
func (m *DealMessage) Digest() []byte {
	parts := [][]byte{
		[]byte(dealDomain),
		[]byte(m.Keyset),
		[]byte{byte(m.Curve)},
		cryptoutils.Uint32Bytes(m.RootKeyIndex),
		cryptoutils.Uint64Bytes(m.Epoch),
		m.Dealer.Bytes(),
		cryptoutils.Uint32Bytes(m.DealerOldIndex),
		m.Recipient.Bytes(),
		cryptoutils.Uint32Bytes(uint32(len(m.Commitments))),
	}
	for _, c := range m.Commitments {
		parts = append(parts, c)
	}
	parts = append(parts, m.EncryptedEval)
	return accounts.TextHash(crypto.Keccak256(cryptoutils.LengthPrefixed(parts...)))
}

// Sign sets Dealer to the key's address and signs the message.
func (m *DealMessage) Sign(key *ecdsa.PrivateKey) error {
	m.Dealer = crypto.PubkeyToAddress(key.PublicKey)
	sig, err := cryptoutils.SignDigest(key, m.Digest())
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Verify checks shape limits and that the signature recovers Dealer.
func (m *DealMessage) Verify() error {
	if _, err := interfaces.NewKeysetID(string(m.Keyset)); err != nil {
		return err
	}
	if _, err := cryptoutils.GroupFor(m.Curve); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err)
	}
	if len(m.Commitments) == 0 || len(m.Commitments) > maxCommitments {
		return fmt.Errorf("%w: deal carries %d commitments", interfaces.ErrMalformedInput, len(m.Commitments))
	}
	if len(m.EncryptedEval) == 0 || len(m.EncryptedEval) > maxEncryptedEval {
		return fmt.Errorf("%w: encrypted evaluation has %d bytes", interfaces.ErrMalformedInput, len(m.EncryptedEval))
	}
	if m.DealerOldIndex == 0 {
		return fmt.Errorf("%w: dealer old index must be non-zero", interfaces.ErrMalformedInput)
	}
	signer, err := cryptoutils.RecoverSigner(m.Digest(), m.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrVerificationFailed, err)
	}
	if signer != m.Dealer {
		return fmt.Errorf("%w: deal signed by %s, not dealer %s", interfaces.ErrVerificationFailed, signer.Hex(), m.Dealer.Hex())
	}
	return nil
}

func (m *DealMessage) clone() *DealMessage {
	cp := *m
	cp.Commitments = make([]hexutil.Bytes, len(m.Commitments))
	for i, c := range m.Commitments {
		cp.Commitments[i] = append(hexutil.Bytes{}, c...)
	}
	cp.EncryptedEval = append(hexutil.Bytes{}, m.EncryptedEval...)
	cp.Signature = append(hexutil.Bytes{}, m.Signature...)
	return &cp
}
