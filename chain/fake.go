package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/keyset-restore/interfaces"
)

// Registration records one RegisterAttestedWallet call on a FakeChain.
type Registration struct {
	Wallet      common.Address
	Attestation []byte
}

// FakeChain is an in-memory chain for tests and local multi-node runs. It
// implements interfaces.ChainReader and interfaces.WalletRegistrar.
// Setters simulate governance moving the network through its states.
type FakeChain struct {
	mu            sync.RWMutex
	state         interfaces.NetworkState
	epoch         uint64
	committees    map[uint64]*interfaces.Committee
	rootKeys      map[interfaces.KeysetID][]interfaces.RootKey
	registrations []Registration
	failReads     error
}

// NewFakeChain creates a fake chain in the Active state at epoch 1.
func NewFakeChain() *FakeChain {
	return &FakeChain{
		state:      interfaces.NetworkActive,
		epoch:      1,
		committees: make(map[uint64]*interfaces.Committee),
		rootKeys:   make(map[interfaces.KeysetID][]interfaces.RootKey),
	}
}

func (f *FakeChain) SetNetworkState(s interfaces.NetworkState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *FakeChain) SetEpoch(epoch uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch = epoch
}

// SetCommittee installs the committee of c.Epoch.
func (f *FakeChain) SetCommittee(c *interfaces.Committee) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committees[c.Epoch] = copyCommittee(c)
}

func (f *FakeChain) SetRootKeys(keyset interfaces.KeysetID, keys []interfaces.RootKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]interfaces.RootKey{}, keys...)
	interfaces.SortRootKeys(cp)
	f.rootKeys[keyset] = cp
}

// FailReads makes every read return err until called with nil.
func (f *FakeChain) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReads = err
}

// Registrations returns the wallets registered so far.
func (f *FakeChain) Registrations() []Registration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Registration{}, f.registrations...)
}

func (f *FakeChain) NetworkState(ctx context.Context) (interfaces.NetworkState, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failReads != nil {
		return 0, f.failReads
	}
	return f.state, nil
}

func (f *FakeChain) CurrentEpoch(ctx context.Context) (uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failReads != nil {
		return 0, f.failReads
	}
	return f.epoch, nil
}

func (f *FakeChain) Committee(ctx context.Context, epoch uint64) (*interfaces.Committee, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failReads != nil {
		return nil, f.failReads
	}
	c, ok := f.committees[epoch]
	if !ok {
		return nil, fmt.Errorf("no committee for epoch %d", epoch)
	}
	return copyCommittee(c), nil
}

func (f *FakeChain) RootKeys(ctx context.Context, keyset interfaces.KeysetID) ([]interfaces.RootKey, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.failReads != nil {
		return nil, f.failReads
	}
	return append([]interfaces.RootKey{}, f.rootKeys[keyset]...), nil
}

func (f *FakeChain) RegisterAttestedWallet(ctx context.Context, wallet common.Address, attestation []byte) error {
	if len(attestation) == 0 {
		return errors.New("empty attestation")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations = append(f.registrations, Registration{Wallet: wallet, Attestation: append([]byte{}, attestation...)})
	return nil
}

func copyCommittee(c *interfaces.Committee) *interfaces.Committee {
	cp := *c
	cp.Members = append([]interfaces.Validator{}, c.Members...)
	return &cp
}
