package restore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/ruteri/keyset-restore/metrics"
)

// BundleIndex is the view of the Ciphertext Store the pool needs.
type BundleIndex interface {
	HasRootKey(keyset interfaces.KeysetID, id interfaces.RootKeyID) (bundled bool, known bool)
	Quarantined(keyset interfaces.KeysetID) error
}

// ThresholdListener is called when a root key's pool reaches the recovery
// party threshold.
type ThresholdListener func(ref interfaces.KeyRef)

// SelectedShare is one member's decryption share, cloned out of the pool.
// The caller wipes Share.
type SelectedShare struct {
	Member uint32
	Share  *interfaces.Secret
}

// SharePool collects verified decryption shares per root key. The first
// accepted share of a member stands; later ones are rejected.
type SharePool struct {
	mu      sync.Mutex
	log     *slog.Logger
	party   interfaces.RecoveryPartyConfig
	gate    Gate
	index   BundleIndex
	metrics *metrics.Collector

	shares    map[interfaces.KeyRef]map[uint32]*interfaces.Secret
	consumed  map[interfaces.KeyRef]bool
	listeners []ThresholdListener
}

// NewSharePool creates a pool for a fixed recovery party.
func NewSharePool(party interfaces.RecoveryPartyConfig, gate Gate, index BundleIndex, collector *metrics.Collector, log *slog.Logger) *SharePool {
	return &SharePool{
		log:      log,
		party:    party,
		gate:     gate,
		index:    index,
		metrics:  collector,
		shares:   make(map[interfaces.KeyRef]map[uint32]*interfaces.Secret),
		consumed: make(map[interfaces.KeyRef]bool),
	}
}

// OnThreshold registers a listener.
func (p *SharePool) OnThreshold(fn ThresholdListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Party returns the recovery party configuration.
func (p *SharePool) Party() interfaces.RecoveryPartyConfig {
	return p.party
}

// Submit verifies and stores a copy of one decryption share, returning how
// many shares are now held for its root key. The caller keeps ownership of
// share.Share.
func (p *SharePool) Submit(ctx context.Context, share *interfaces.DecryptionShare) (held int, err error) {
	defer func() { p.metrics.ShareSubmitted(metrics.Result(err)) }()

	if err := p.gate.AcceptingInputs(ctx); err != nil {
		return 0, err
	}

	member, ok := p.party.Member(share.MemberIndex)
	if !ok {
		return 0, fmt.Errorf("%w: index %d", interfaces.ErrMemberUnknown, share.MemberIndex)
	}
	digest := cryptoutils.DecryptionShareDigest(share.Keyset, share.RootKey, share.MemberIndex, share.Share)
	signer, err := cryptoutils.RecoverSigner(digest, share.Proof)
	if err != nil || signer != member {
		return 0, interfaces.ErrVerificationFailed
	}

	if err := p.index.Quarantined(share.Keyset); err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrQuarantined, err)
	}
	bundled, known := p.index.HasRootKey(share.Keyset, share.RootKey)
	if !bundled {
		return 0, interfaces.ErrBundleMissing
	}
	if !known {
		return 0, fmt.Errorf("%w: %s", interfaces.ErrUnknownRootKey, share.RootKey)
	}
	g, err := cryptoutils.GroupFor(share.RootKey.Curve)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err)
	}
	v, err := cryptoutils.ScalarFromSecret(g, share.Share)
	if err != nil {
		return 0, err
	}
	cryptoutils.WipeInt(v)

	ref := interfaces.KeyRef{Keyset: share.Keyset, Key: share.RootKey}

	p.mu.Lock()
	if p.consumed[ref] {
		p.mu.Unlock()
		return 0, interfaces.ErrAlreadyRecovered
	}
	byMember, ok := p.shares[ref]
	if !ok {
		byMember = make(map[uint32]*interfaces.Secret)
		p.shares[ref] = byMember
	}
	if _, dup := byMember[share.MemberIndex]; dup {
		p.mu.Unlock()
		return len(byMember), interfaces.ErrMemberDuplicate
	}
	byMember[share.MemberIndex] = share.Share.Clone()
	held = len(byMember)
	reached := held == p.party.Threshold
	listeners := append([]ThresholdListener{}, p.listeners...)
	p.mu.Unlock()

	p.log.Info("Decryption share accepted",
		"keyset", share.Keyset,
		"rootKey", share.RootKey.String(),
		"member", share.MemberIndex,
		"held", held,
		"threshold", p.party.Threshold)

	if reached {
		for _, fn := range listeners {
			fn(ref)
		}
	}
	return held, nil
}

// Count returns the number of shares held for ref.
func (p *SharePool) Count(ref interfaces.KeyRef) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.shares[ref])
}

// Ready returns every root key with at least threshold shares held.
func (p *SharePool) Ready() []interfaces.KeyRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []interfaces.KeyRef
	for ref, byMember := range p.shares {
		if len(byMember) >= p.party.Threshold {
			out = append(out, ref)
		}
	}
	return out
}

// Select clones the threshold shares with the lowest member indices.
func (p *SharePool) Select(ref interfaces.KeyRef) ([]SelectedShare, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byMember := p.shares[ref]
	if len(byMember) < p.party.Threshold {
		return nil, fmt.Errorf("%w: %d of %d shares held", interfaces.ErrInvalidState, len(byMember), p.party.Threshold)
	}
	members := make([]uint32, 0, len(byMember))
	for m := range byMember {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	out := make([]SelectedShare, p.party.Threshold)
	for i := range out {
		out[i] = SelectedShare{Member: members[i], Share: byMember[members[i]].Clone()}
	}
	return out, nil
}

// Consume wipes and drops the shares of a reconstructed root key. Later
// submissions for it are rejected.
func (p *SharePool) Consume(ref interfaces.KeyRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wipeShares(p.shares[ref])
	delete(p.shares, ref)
	p.consumed[ref] = true
}

// Reset wipes every held share.
func (p *SharePool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ref, byMember := range p.shares {
		wipeShares(byMember)
		delete(p.shares, ref)
	}
	p.consumed = make(map[interfaces.KeyRef]bool)
}

// ResetKeyset wipes the shares held for one keyset.
func (p *SharePool) ResetKeyset(keyset interfaces.KeysetID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ref, byMember := range p.shares {
		if ref.Keyset == keyset {
			wipeShares(byMember)
			delete(p.shares, ref)
		}
	}
	for ref := range p.consumed {
		if ref.Keyset == keyset {
			delete(p.consumed, ref)
		}
	}
}

func wipeShares(byMember map[uint32]*interfaces.Secret) {
	for _, s := range byMember {
		s.Wipe()
	}
}
