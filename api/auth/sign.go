package auth

import (
	"crypto/ecdsa"
	"fmt"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/keyset-restore/api"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/spruceid/siwe-go"
)

// DefaultSigTTL is how long client-generated admin auth sigs stay valid.
const DefaultSigTTL = 2 * time.Minute

// MessageParams describes a SIWE message to sign.
type MessageParams struct {
	Domain    string
	URI       string
	Resources []string
	Nonce     string
	ChainID   int
	IssuedAt  time.Time
	ExpiresAt time.Time
	NotBefore *time.Time
}

// AdminParams returns the params of a standard admin auth sig for host,
// valid for ttl.
func AdminParams(host string, ttl time.Duration) MessageParams {
	now := time.Now().UTC()
	return MessageParams{
		Domain:    host,
		URI:       "https://" + host,
		Resources: []string{api.AdminResource},
		Nonce:     siwe.GenerateNonce(),
		ChainID:   1,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// Sign builds the EIP-4361 message for p and signs it with key.
func Sign(key *ecdsa.PrivateKey, p MessageParams) (*AuthSig, error) {
	address := crypto.PubkeyToAddress(key.PublicKey)

	resources := make([]url.URL, 0, len(p.Resources))
	for _, r := range p.Resources {
		u, err := url.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", r, err)
		}
		resources = append(resources, *u)
	}
	options := map[string]interface{}{
		"chainId":        p.ChainID,
		"issuedAt":       p.IssuedAt.UTC().Format(time.RFC3339),
		"expirationTime": p.ExpiresAt.UTC().Format(time.RFC3339),
		"resources":      resources,
	}
	if p.NotBefore != nil {
		options["notBefore"] = p.NotBefore.UTC().Format(time.RFC3339)
	}

	msg, err := siwe.InitMessage(p.Domain, address.Hex(), p.URI, p.Nonce, options)
	if err != nil {
		return nil, fmt.Errorf("building SIWE message: %w", err)
	}
	text := msg.String()
	sig, err := cryptoutils.PersonalSign(key, []byte(text))
	if err != nil {
		return nil, err
	}
	return &AuthSig{
		Sig:           hexutil.Encode(sig),
		DerivedVia:    DerivedVia,
		SignedMessage: text,
		Address:       address.Hex(),
	}, nil
}

// SignHeader is Sign followed by Encode.
func SignHeader(key *ecdsa.PrivateKey, p MessageParams) (string, error) {
	sig, err := Sign(key, p)
	if err != nil {
		return "", err
	}
	return sig.Encode()
}
