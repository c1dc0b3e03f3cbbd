// Package chain adapts the staking, key-router and resolver contracts to
// the typed reads the restore subsystem consumes. Contracts are called
// through bind.BoundContract over minimal ABIs rather than generated
// bindings.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/keyset-restore/interfaces"
	"golang.org/x/sync/errgroup"
)

// ErrNoTransactOpts is returned when a transaction is attempted without first setting transaction options.
var ErrNoTransactOpts = errors.New("no authorized transactor available")

func boundContract(jsonABI string, address common.Address, caller bind.ContractCaller, transactor bind.ContractTransactor, filterer bind.ContractFilterer) (*bind.BoundContract, error) {
	parsed, err := abi.JSON(strings.NewReader(jsonABI))
	if err != nil {
		return nil, err
	}
	return bind.NewBoundContract(address, parsed, caller, transactor, filterer), nil
}

func call(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	return out, nil
}

// validatorRecord mirrors the staking contract's validator tuple.
type validatorRecord struct {
	NodeAddress common.Address
	PublicKey   []byte
	Endpoint    string
}

// StakingClient reads network state and committees from the staking
// contract and re-registers the node's attested wallet.
type StakingClient struct {
	contract *bind.BoundContract
	backend  bind.DeployBackend
	address  common.Address
	auth     *bind.TransactOpts
}

// NewStakingClient creates a client for the staking contract at address.
// backend may be nil when no transactions are sent.
func NewStakingClient(caller bind.ContractCaller, transactor bind.ContractTransactor, backend bind.DeployBackend, address common.Address) (*StakingClient, error) {
	contract, err := boundContract(StakingABI, address, caller, transactor, nil)
	if err != nil {
		return nil, err
	}
	return &StakingClient{contract: contract, backend: backend, address: address}, nil
}

// SetTransactOpts sets the transaction options required for functions that modify state.
func (c *StakingClient) SetTransactOpts(auth *bind.TransactOpts) {
	c.auth = auth
}

func (c *StakingClient) NetworkState(ctx context.Context) (interfaces.NetworkState, error) {
	out, err := call(ctx, c.contract, "state")
	if err != nil {
		return 0, err
	}
	return interfaces.NetworkState(*abi.ConvertType(out[0], new(uint8)).(*uint8)), nil
}

func (c *StakingClient) CurrentEpoch(ctx context.Context) (uint64, error) {
	out, err := call(ctx, c.contract, "epoch")
	if err != nil {
		return 0, err
	}
	epoch := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if !epoch.IsUint64() {
		return 0, fmt.Errorf("epoch %s out of range", epoch)
	}
	return epoch.Uint64(), nil
}

// Committee reads the validator set and threshold of epoch in parallel.
// Share indices follow the contract's ordering.
func (c *StakingClient) Committee(ctx context.Context, epoch uint64) (*interfaces.Committee, error) {
	var (
		records   []validatorRecord
		threshold *big.Int
	)
	e := new(big.Int).SetUint64(epoch)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := call(gctx, c.contract, "getValidatorsInEpoch", e)
		if err != nil {
			return err
		}
		records = *abi.ConvertType(out[0], new([]validatorRecord)).(*[]validatorRecord)
		return nil
	})
	g.Go(func() error {
		out, err := call(gctx, c.contract, "threshold", e)
		if err != nil {
			return err
		}
		threshold = *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !threshold.IsInt64() || threshold.Int64() < 1 || threshold.Int64() > int64(len(records)) {
		return nil, fmt.Errorf("threshold %s invalid for %d validators", threshold, len(records))
	}
	committee := &interfaces.Committee{Epoch: epoch, Threshold: int(threshold.Int64())}
	seen := make(map[common.Address]struct{}, len(records))
	for _, r := range records {
		if _, dup := seen[r.NodeAddress]; dup {
			return nil, fmt.Errorf("validator %s listed twice in epoch %d", r.NodeAddress.Hex(), epoch)
		}
		seen[r.NodeAddress] = struct{}{}
		committee.Members = append(committee.Members, interfaces.Validator{
			Address:   r.NodeAddress,
			PublicKey: r.PublicKey,
			Endpoint:  r.Endpoint,
		})
	}
	return committee, nil
}

// RegisterAttestedWallet sends the registration and waits for it to be
// mined when a deploy backend is available.
func (c *StakingClient) RegisterAttestedWallet(ctx context.Context, wallet common.Address, attestation []byte) error {
	if c.auth == nil {
		return ErrNoTransactOpts
	}
	opts := *c.auth
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, "registerAttestedWallet", wallet, attestation)
	if err != nil {
		return err
	}
	if c.backend == nil {
		return nil
	}
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("registerAttestedWallet reverted in tx %s", tx.Hash().Hex())
	}
	return nil
}

// rootKeyRecord mirrors the key router's root key tuple.
type rootKeyRecord struct {
	Curve  uint8
	Index  *big.Int
	Pubkey []byte
}

// KeyRouterClient reads the canonical root keys of keysets.
type KeyRouterClient struct {
	contract *bind.BoundContract
}

func NewKeyRouterClient(caller bind.ContractCaller, address common.Address) (*KeyRouterClient, error) {
	contract, err := boundContract(KeyRouterABI, address, caller, nil, nil)
	if err != nil {
		return nil, err
	}
	return &KeyRouterClient{contract: contract}, nil
}

func (c *KeyRouterClient) RootKeys(ctx context.Context, keyset interfaces.KeysetID) ([]interfaces.RootKey, error) {
	out, err := call(ctx, c.contract, "getRootKeys", string(keyset))
	if err != nil {
		return nil, err
	}
	records := *abi.ConvertType(out[0], new([]rootKeyRecord)).(*[]rootKeyRecord)

	keys := make([]interfaces.RootKey, 0, len(records))
	for _, r := range records {
		curve := interfaces.Curve(r.Curve)
		if curve != interfaces.CurveBLS12381G1 && curve != interfaces.CurveSecp256k1 {
			return nil, fmt.Errorf("keyset %s: unsupported curve %d", keyset, r.Curve)
		}
		if !r.Index.IsUint64() || r.Index.Uint64() > uint64(^uint32(0)) {
			return nil, fmt.Errorf("keyset %s: root key index %s out of range", keyset, r.Index)
		}
		keys = append(keys, interfaces.RootKey{Curve: curve, Index: uint32(r.Index.Uint64()), PublicKey: r.Pubkey})
	}
	interfaces.SortRootKeys(keys)
	return keys, nil
}

// ResolverClient looks up contract addresses by name.
type ResolverClient struct {
	contract *bind.BoundContract
}

func NewResolverClient(caller bind.ContractCaller, address common.Address) (*ResolverClient, error) {
	contract, err := boundContract(ResolverABI, address, caller, nil, nil)
	if err != nil {
		return nil, err
	}
	return &ResolverClient{contract: contract}, nil
}

// Lookup resolves keccak256(name).
func (c *ResolverClient) Lookup(ctx context.Context, name string) (common.Address, error) {
	out, err := call(ctx, c.contract, "getContract", [32]byte(crypto.Keccak256Hash([]byte(name))))
	if err != nil {
		return common.Address{}, err
	}
	addr := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("resolver has no contract named %s", name)
	}
	return addr, nil
}

// Client is the node's view of the chain.
type Client struct {
	*StakingClient
	*KeyRouterClient
}

// Addresses configures Dial. Zero staking or key-router addresses are
// looked up through the resolver.
type Addresses struct {
	Resolver  common.Address
	Staking   common.Address
	KeyRouter common.Address
}

// Dial connects to rpcURL and binds the contracts.
func Dial(ctx context.Context, rpcURL string, addrs Addresses) (*Client, *ethclient.Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, err
	}
	c, err := NewClient(ctx, ec, addrs)
	if err != nil {
		ec.Close()
		return nil, nil, err
	}
	return c, ec, nil
}

// NewClient binds the contracts over an existing backend.
func NewClient(ctx context.Context, backend bind.ContractBackend, addrs Addresses) (*Client, error) {
	if addrs.Staking == (common.Address{}) || addrs.KeyRouter == (common.Address{}) {
		if addrs.Resolver == (common.Address{}) {
			return nil, errors.New("resolver address required to look up contracts")
		}
		resolver, err := NewResolverClient(backend, addrs.Resolver)
		if err != nil {
			return nil, err
		}
		if addrs.Staking == (common.Address{}) {
			if addrs.Staking, err = resolver.Lookup(ctx, StakingContractName); err != nil {
				return nil, err
			}
		}
		if addrs.KeyRouter == (common.Address{}) {
			if addrs.KeyRouter, err = resolver.Lookup(ctx, KeyRouterContractName); err != nil {
				return nil, err
			}
		}
	}

	var deploy bind.DeployBackend
	if d, ok := backend.(bind.DeployBackend); ok {
		deploy = d
	}
	staking, err := NewStakingClient(backend, backend, deploy, addrs.Staking)
	if err != nil {
		return nil, err
	}
	router, err := NewKeyRouterClient(backend, addrs.KeyRouter)
	if err != nil {
		return nil, err
	}
	return &Client{StakingClient: staking, KeyRouterClient: router}, nil
}
