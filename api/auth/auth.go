// Package auth verifies the SIWE (EIP-4361) auth sigs that gate the admin
// surface.
//
// The x-auth-sig header carries base64url(JSON AuthSig). A request is
// authorized when the signed message parses, its EIP-191 signature recovers
// the claimed address, the address is the configured admin, the domain is
// this node's host, the resources grant the admin scope, the validity
// window is open and bounded, and the nonce has not been seen before.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/ruteri/keyset-restore/api"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/spruceid/siwe-go"
)

// DerivedVia is the only signing method accepted.
const DerivedVia = "web3.eth.personal.sign"

// AuthSig is the decoded x-auth-sig header.
type AuthSig struct {
	Sig           string `json:"sig"`
	DerivedVia    string `json:"derivedVia"`
	SignedMessage string `json:"signedMessage"`
	Address       string `json:"address"`
}

// Encode returns the header value.
func (a *AuthSig) Encode() (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// DecodeAuthSig parses a header value. Padded and unpadded base64url are
// both accepted.
func DecodeAuthSig(header string) (*AuthSig, error) {
	raw, err := base64.URLEncoding.DecodeString(header)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(header)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding auth sig: %w", err)
	}
	var a AuthSig
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decoding auth sig: %w", err)
	}
	return &a, nil
}

type Config struct {
	// Admin is the only address allowed on the admin surface.
	Admin common.Address
	// Domain is the node host the message must be bound to.
	Domain string
	// MaxValidity bounds how far in the future Expiration Time may be.
	MaxValidity time.Duration
	// NonceTTL is how long a used nonce is remembered. It must cover
	// MaxValidity, otherwise a sig could be replayed before it expires.
	NonceTTL time.Duration
	// NonceCacheSize caps the replay cache.
	NonceCacheSize int
}

// Verifier checks auth sigs against a single admin.
type Verifier struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu     sync.Mutex
	nonces *expirable.LRU[string, struct{}]
}

func NewVerifier(cfg Config, log *slog.Logger) (*Verifier, error) {
	if cfg.Admin == (common.Address{}) {
		return nil, fmt.Errorf("admin address is not configured")
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("auth domain is not configured")
	}
	if cfg.MaxValidity <= 0 {
		cfg.MaxValidity = 10 * time.Minute
	}
	if cfg.NonceTTL < cfg.MaxValidity {
		cfg.NonceTTL = cfg.MaxValidity
	}
	if cfg.NonceCacheSize <= 0 {
		cfg.NonceCacheSize = 4096
	}
	return &Verifier{
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		nonces: expirable.NewLRU[string, struct{}](cfg.NonceCacheSize, nil, cfg.NonceTTL),
	}, nil
}

func unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", interfaces.ErrUnauthorized, fmt.Sprintf(format, args...))
}

// Verify checks a header value and returns the authenticated address. On
// success the nonce is burned.
func (v *Verifier) Verify(header string) (common.Address, error) {
	if header == "" {
		return common.Address{}, unauthorized("missing %s header", api.AuthHeader)
	}
	sig, err := DecodeAuthSig(header)
	if err != nil {
		return common.Address{}, unauthorized("%v", err)
	}
	if sig.DerivedVia != DerivedVia {
		return common.Address{}, unauthorized("unsupported derivedVia %q", sig.DerivedVia)
	}
	if !common.IsHexAddress(sig.Address) {
		return common.Address{}, unauthorized("malformed address")
	}
	claimed := common.HexToAddress(sig.Address)

	msg, err := siwe.ParseMessage(sig.SignedMessage)
	if err != nil {
		return common.Address{}, unauthorized("parsing message: %v", err)
	}
	if msg.GetAddress() != claimed {
		return common.Address{}, unauthorized("message address does not match auth sig address")
	}

	raw, err := hexutil.Decode(sig.Sig)
	if err != nil {
		return common.Address{}, unauthorized("decoding signature: %v", err)
	}
	signer, err := cryptoutils.RecoverSigner(accounts.TextHash([]byte(sig.SignedMessage)), raw)
	if err != nil {
		return common.Address{}, unauthorized("%v", err)
	}
	if signer != claimed {
		return common.Address{}, unauthorized("signature does not recover %s", claimed.Hex())
	}
	if signer != v.cfg.Admin {
		return common.Address{}, unauthorized("%s is not the admin", signer.Hex())
	}

	if msg.GetDomain() != v.cfg.Domain {
		return common.Address{}, unauthorized("domain %q is not %q", msg.GetDomain(), v.cfg.Domain)
	}
	if !hasResource(msg, api.AdminResource) {
		return common.Address{}, unauthorized("missing %s resource", api.AdminResource)
	}
	if err := v.checkWindow(msg); err != nil {
		return common.Address{}, err
	}

	nonce := msg.GetNonce()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.nonces.Contains(nonce) {
		return common.Address{}, unauthorized("nonce %q already used", nonce)
	}
	v.nonces.Add(nonce, struct{}{})
	return signer, nil
}

func hasResource(msg *siwe.Message, want string) bool {
	for _, r := range msg.GetResources() {
		if r.String() == want {
			return true
		}
	}
	return false
}

func (v *Verifier) checkWindow(msg *siwe.Message) error {
	now := v.now()

	exp := msg.GetExpirationTime()
	if exp == nil {
		return unauthorized("expiration time is required")
	}
	expiresAt, err := time.Parse(time.RFC3339, *exp)
	if err != nil {
		return unauthorized("parsing expiration time: %v", err)
	}
	if !now.Before(expiresAt) {
		return unauthorized("expired at %s", *exp)
	}
	if expiresAt.Sub(now) > v.cfg.MaxValidity {
		return unauthorized("expiration %s is further than %s away", *exp, v.cfg.MaxValidity)
	}

	if nbf := msg.GetNotBefore(); nbf != nil {
		notBefore, err := time.Parse(time.RFC3339, *nbf)
		if err != nil {
			return unauthorized("parsing not before: %v", err)
		}
		if now.Before(notBefore) {
			return unauthorized("not valid before %s", *nbf)
		}
	}
	return nil
}

// Middleware rejects requests without a valid admin auth sig. The reason
// is logged and never returned to the caller.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := v.Verify(r.Header.Get(api.AuthHeader)); err != nil {
			v.log.Warn("Admin authentication failed", "path", r.URL.Path, "remote", r.RemoteAddr, "err", err)
			api.WriteError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
