// Package node assembles a restore node: the ciphertext store, share pool,
// reconstructor, rebinder and lifecycle controller behind the admin,
// recovery and peer HTTP surfaces.
package node

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/keyset-restore/api/adminhandler"
	"github.com/ruteri/keyset-restore/api/auth"
	"github.com/ruteri/keyset-restore/api/peerhandler"
	"github.com/ruteri/keyset-restore/api/recoveryhandler"
	"github.com/ruteri/keyset-restore/api/server"
	"github.com/ruteri/keyset-restore/chain"
	"github.com/ruteri/keyset-restore/config"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/ruteri/keyset-restore/lifecycle"
	"github.com/ruteri/keyset-restore/metrics"
	"github.com/ruteri/keyset-restore/rebind"
	"github.com/ruteri/keyset-restore/restore"
	"github.com/ruteri/keyset-restore/storage"
)

// Settings are the node's own parameters.
type Settings struct {
	// Host is the SIWE domain admin auth sigs must be bound to.
	Host      string
	DataDir   string
	WalletKey *ecdsa.PrivateKey
	Admin     common.Address

	AuthMaxValidity time.Duration
	AuthNonceTTL    time.Duration

	Party        interfaces.RecoveryPartyConfig
	Keysets      []interfaces.KeysetID
	PollInterval time.Duration

	Rebind                rebind.Config
	ReconstructionWorkers int
	MaxBackupBytes        int64
	MirrorTimeout         time.Duration

	Hooks lifecycle.Hooks
}

// Deps are the node's external collaborators.
type Deps struct {
	Chain     interfaces.ChainReader
	Registrar interfaces.WalletRegistrar
	Transport rebind.Transport
	Attester  interfaces.AttestationProvider
	// Mirror is optional.
	Mirror interfaces.BlobStore
	// Metrics is optional.
	Metrics *metrics.Collector
}

type Node struct {
	log      *slog.Logger
	settings Settings

	Store         *restore.CiphertextStore
	Pool          *restore.SharePool
	Progress      *restore.Progress
	Reconstructor *restore.Reconstructor
	Rebinder      *rebind.Rebinder
	Controller    *lifecycle.Controller
	Verifier      *auth.Verifier

	closers []func()
}

// New wires a node. Nothing runs until Run.
func New(s Settings, d Deps, log *slog.Logger) (*Node, error) {
	if s.WalletKey == nil {
		return nil, errors.New("node requires a wallet key")
	}
	if d.Chain == nil || d.Registrar == nil || d.Transport == nil || d.Attester == nil {
		return nil, errors.New("node requires chain, registrar, transport and attester")
	}
	if err := s.Party.Validate(); err != nil {
		return nil, err
	}

	n := &Node{log: log, settings: s}

	var ctl *lifecycle.Controller
	gate := restore.GateFunc(func(ctx context.Context) error {
		if ctl == nil {
			return fmt.Errorf("%w: node is starting", interfaces.ErrInvalidState)
		}
		return ctl.AcceptingInputs(ctx)
	})

	n.Progress = restore.NewProgress()
	n.Store = restore.NewCiphertextStore(restore.StoreConfig{
		DataDir:        s.DataDir,
		MaxBundleBytes: s.MaxBackupBytes,
		MirrorTimeout:  s.MirrorTimeout,
	}, d.Chain, gate, d.Mirror, d.Metrics, log.With("component", "store"))
	n.Pool = restore.NewSharePool(s.Party, gate, n.Store, d.Metrics, log.With("component", "pool"))

	rcfg := s.Rebind
	rcfg.DataDir = s.DataDir
	rcfg.Key = s.WalletKey
	rebinder, err := rebind.NewRebinder(rcfg, d.Chain, d.Transport, n.Progress, d.Metrics, log.With("component", "rebind"))
	if err != nil {
		return nil, err
	}
	n.Rebinder = rebinder

	n.Reconstructor = restore.NewReconstructor(n.Store, n.Pool, n.Progress, n.Rebinder, s.ReconstructionWorkers, d.Metrics, log.With("component", "reconstruct"))
	n.closers = append(n.closers, n.Reconstructor.Stop)

	wallet := crypto.PubkeyToAddress(s.WalletKey.PublicKey)
	ctl, err = lifecycle.NewController(lifecycle.Config{
		Keysets:      s.Keysets,
		PollInterval: s.PollInterval,
		DataDir:      s.DataDir,
	}, lifecycle.Components{
		Chain:         d.Chain,
		Store:         n.Store,
		Pool:          n.Pool,
		Reconstructor: n.Reconstructor,
		Rebinder:      n.Rebinder,
		Progress:      n.Progress,
		Rejoiner:      lifecycle.NewRejoiner(wallet, d.Attester, d.Registrar, log.With("component", "rejoin")),
	}, s.Hooks, d.Metrics, log.With("component", "lifecycle"))
	if err != nil {
		n.Close()
		return nil, err
	}
	n.Controller = ctl

	n.Verifier, err = auth.NewVerifier(auth.Config{
		Admin:       s.Admin,
		Domain:      s.Host,
		MaxValidity: s.AuthMaxValidity,
		NonceTTL:    s.AuthNonceTTL,
	}, log.With("component", "auth"))
	if err != nil {
		n.Close()
		return nil, err
	}

	log.Info("Node assembled",
		"wallet", wallet.Hex(),
		"admin", s.Admin.Hex(),
		"host", s.Host,
		"keysets", s.Keysets,
		"partySize", len(s.Party.Members),
		"partyThreshold", s.Party.Threshold)
	return n, nil
}

// Address is the node's wallet and communication address.
func (n *Node) Address() common.Address {
	return n.Rebinder.Address()
}

// Handlers returns the HTTP surfaces for server.New.
func (n *Node) Handlers() []server.RouteRegistrar {
	return []server.RouteRegistrar{
		adminhandler.NewHandler(n.Store, n.Controller, n.Verifier, n.log.With("component", "admin")),
		recoveryhandler.NewHandler(n.Pool, n.Controller, n.log.With("component", "recovery")),
		peerhandler.NewHandler(n.Rebinder, n.log.With("component", "peer")),
	}
}

// Run reloads persisted uploads, staged shares and lifecycle state, then
// drives the lifecycle until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Store.Load(ctx); err != nil {
		return fmt.Errorf("reloading restore material: %w", err)
	}
	if err := n.Controller.Reload(ctx); err != nil {
		return fmt.Errorf("reloading lifecycle state: %w", err)
	}
	return n.Controller.Run(ctx)
}

// Close stops background workers. Call it after Run returns.
func (n *Node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
	n.closers = nil
}

// FromConfig dials the chain and builds a node from a validated config.
// The returned node owns the chain connection.
func FromConfig(ctx context.Context, cfg *config.Config, collector *metrics.Collector, log *slog.Logger) (*Node, error) {
	key, err := cfg.LoadWalletKey()
	if err != nil {
		return nil, err
	}
	party, err := cfg.Party()
	if err != nil {
		return nil, err
	}
	keysets, err := cfg.KeysetIDs()
	if err != nil {
		return nil, err
	}
	resolver, staking, keyRouter, err := cfg.Chain.ContractAddresses()
	if err != nil {
		return nil, err
	}
	attester, err := cryptoutils.AttestationProviderFor(cfg.Attestation)
	if err != nil {
		return nil, err
	}

	client, ec, err := chain.Dial(ctx, cfg.Chain.RPCURL, chain.Addresses{
		Resolver:  resolver,
		Staking:   staking,
		KeyRouter: keyRouter,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to chain: %w", err)
	}
	if err := setTransactor(ctx, client, ec, key); err != nil {
		ec.Close()
		return nil, err
	}

	peerTimeout := cfg.Rebind.PeerTimeout
	if peerTimeout <= 0 {
		peerTimeout = 30 * time.Second
	}

	var mirror interfaces.BlobStore
	if len(cfg.Mirrors) > 0 {
		locations := make([]interfaces.MirrorLocation, len(cfg.Mirrors))
		for i, uri := range cfg.Mirrors {
			loc, err := interfaces.ParseMirrorLocation(uri)
			if err != nil {
				ec.Close()
				return nil, err
			}
			locations[i] = loc
		}
		mirror, err = storage.NewFactory(log).CreateMultiStore(locations)
		if err != nil {
			ec.Close()
			return nil, fmt.Errorf("creating backup mirrors: %w", err)
		}
	}

	n, err := New(Settings{
		Host:            cfg.Host,
		DataDir:         cfg.DataDir,
		WalletKey:       key,
		Admin:           cfg.Admin(),
		AuthMaxValidity: cfg.Auth.MaxValidity,
		AuthNonceTTL:    cfg.Auth.NonceTTL,
		Party:           party,
		Keysets:         keysets,
		PollInterval:    cfg.Chain.PollInterval,
		Rebind: rebind.Config{
			PeerTimeout:     cfg.Rebind.PeerTimeout,
			MaxRetries:      cfg.Rebind.MaxRetries,
			BackoffBase:     cfg.Rebind.BackoffBase,
			BackoffCap:      cfg.Rebind.BackoffCap,
			Parallelism:     cfg.Rebind.Parallelism,
			MaxBufferedKeys: cfg.Rebind.MaxBufferedKeys,
		},
		ReconstructionWorkers: cfg.ReconstructionWorkers,
		MaxBackupBytes:        cfg.MaxBackupBytes,
	}, Deps{
		Chain:     client,
		Registrar: client,
		Transport: rebind.NewHTTPTransport(peerTimeout),
		Attester:  attester,
		Mirror:    mirror,
		Metrics:   collector,
	}, log)
	if err != nil {
		ec.Close()
		return nil, err
	}
	n.closers = append([]func(){ec.Close}, n.closers...)
	return n, nil
}

func setTransactor(ctx context.Context, client *chain.Client, ec *ethclient.Client, key *ecdsa.PrivateKey) error {
	chainID, err := ec.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("reading chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return err
	}
	client.SetTransactOpts(opts)
	return nil
}
