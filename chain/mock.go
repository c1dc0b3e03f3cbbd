package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockChainReader mocks interfaces.ChainReader
type MockChainReader struct {
	mock.Mock
}

// NetworkState mocks the NetworkState method
func (m *MockChainReader) NetworkState(ctx context.Context) (interfaces.NetworkState, error) {
	args := m.Called(ctx)
	return args.Get(0).(interfaces.NetworkState), args.Error(1)
}

// CurrentEpoch mocks the CurrentEpoch method
func (m *MockChainReader) CurrentEpoch(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

// Committee mocks the Committee method
func (m *MockChainReader) Committee(ctx context.Context, epoch uint64) (*interfaces.Committee, error) {
	args := m.Called(ctx, epoch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Committee), args.Error(1)
}

// RootKeys mocks the RootKeys method
func (m *MockChainReader) RootKeys(ctx context.Context, keyset interfaces.KeysetID) ([]interfaces.RootKey, error) {
	args := m.Called(ctx, keyset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]interfaces.RootKey), args.Error(1)
}

// MockRegistrar mocks interfaces.WalletRegistrar
type MockRegistrar struct {
	mock.Mock
}

// RegisterAttestedWallet mocks the RegisterAttestedWallet method
func (m *MockRegistrar) RegisterAttestedWallet(ctx context.Context, wallet common.Address, attestation []byte) error {
	args := m.Called(ctx, wallet, attestation)
	return args.Error(0)
}
