package interfaces

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// StakingReader reads network state and validator committees from the
// staking contract.
type StakingReader interface {
	// NetworkState returns the contract's current state.
	NetworkState(ctx context.Context) (NetworkState, error)

	// CurrentEpoch returns the current epoch number.
	CurrentEpoch(ctx context.Context) (uint64, error)

	// Committee returns the validator set and threshold for epoch.
	Committee(ctx context.Context, epoch uint64) (*Committee, error)
}

// KeyRouterReader reads the canonical root keys of a keyset.
type KeyRouterReader interface {
	RootKeys(ctx context.Context, keyset KeysetID) ([]RootKey, error)
}

// ContractResolver maps well-known contract names to addresses.
type ContractResolver interface {
	Lookup(ctx context.Context, name string) (common.Address, error)
}

// WalletRegistrar re-registers the node's attested wallet after restore.
type WalletRegistrar interface {
	RegisterAttestedWallet(ctx context.Context, wallet common.Address, attestation []byte) error
}

// ChainReader bundles the reads the restore subsystem needs.
type ChainReader interface {
	StakingReader
	KeyRouterReader
}

// AttestationProvider produces a TEE attestation over 64 bytes of report
// data.
type AttestationProvider interface {
	AttestationType() string
	Attest(reportData [64]byte) ([]byte, error)
}
