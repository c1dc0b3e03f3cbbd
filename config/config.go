// Package config loads the node's YAML configuration. Validation is fail
// fast: a node with a missing or malformed admin address, recovery party
// or chain setting does not boot.
package config

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/ruteri/keyset-restore/interfaces"
	"gopkg.in/yaml.v3"
)

type AuthConfig struct {
	// MaxValidity bounds the Expiration Time of admin auth sigs.
	MaxValidity time.Duration `yaml:"max_validity" validate:"gte=0"`
	NonceTTL    time.Duration `yaml:"nonce_ttl" validate:"gte=0"`
}

type RecoveryPartyConfig struct {
	Threshold int      `yaml:"threshold" validate:"required,min=1"`
	Members   []string `yaml:"members" validate:"required,min=1,dive,eth_addr"`
}

type ChainConfig struct {
	RPCURL string `yaml:"rpc_url" validate:"required,url"`
	// Resolver locates the staking and key-router contracts unless they
	// are given explicitly.
	Resolver     string        `yaml:"resolver" validate:"omitempty,eth_addr"`
	Staking      string        `yaml:"staking" validate:"omitempty,eth_addr"`
	KeyRouter    string        `yaml:"key_router" validate:"omitempty,eth_addr"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
}

type RebindConfig struct {
	PeerTimeout     time.Duration `yaml:"peer_timeout" validate:"gte=0"`
	MaxRetries      uint64        `yaml:"max_retries"`
	BackoffBase     time.Duration `yaml:"backoff_base" validate:"gte=0"`
	BackoffCap      time.Duration `yaml:"backoff_cap" validate:"gte=0"`
	Parallelism     int           `yaml:"parallelism" validate:"gte=0"`
	MaxBufferedKeys int           `yaml:"max_buffered_keys" validate:"gte=0"`
}

type Config struct {
	// Host is the node's public host name; admin auth sigs must be bound
	// to it.
	Host       string `yaml:"host" validate:"required"`
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`
	DataDir    string `yaml:"data_dir" validate:"required"`
	// WalletKeyFile holds the node's hex-encoded secp256k1 key. It signs
	// rebind deals and is the attested wallet.
	WalletKeyFile string `yaml:"wallet_key_file" validate:"required"`
	AdminAddress  string `yaml:"admin_address" validate:"required,eth_addr"`

	Auth          AuthConfig          `yaml:"auth"`
	RecoveryParty RecoveryPartyConfig `yaml:"recovery_party"`
	Keysets       []string            `yaml:"keysets" validate:"required,min=1,unique"`
	Chain         ChainConfig         `yaml:"chain"`
	Rebind        RebindConfig        `yaml:"rebind"`

	ReconstructionWorkers int   `yaml:"reconstruction_workers" validate:"gte=0"`
	MaxBackupBytes        int64 `yaml:"max_backup_bytes" validate:"gte=0"`
	// Mirrors are blob store URIs accepted tarballs are copied to.
	Mirrors     []string `yaml:"mirrors" validate:"dive,uri"`
	Attestation string   `yaml:"attestation" validate:"required"`
}

var validate = validator.New()

// Load reads, decodes and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Auth.MaxValidity == 0 {
		c.Auth.MaxValidity = 10 * time.Minute
	}
	if c.Auth.NonceTTL == 0 {
		c.Auth.NonceTTL = c.Auth.MaxValidity
	}
	if c.Chain.PollInterval == 0 {
		c.Chain.PollInterval = 5 * time.Second
	}
	if c.ReconstructionWorkers == 0 {
		c.ReconstructionWorkers = 4
	}
	if c.Attestation == "" {
		c.Attestation = "qemu-tdx"
	}
}

// Validate checks field tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Party(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.KeysetIDs(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, _, _, err := c.Chain.ContractAddresses(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Auth.NonceTTL < c.Auth.MaxValidity {
		return fmt.Errorf("invalid config: auth nonce_ttl %s is shorter than max_validity %s", c.Auth.NonceTTL, c.Auth.MaxValidity)
	}
	return nil
}

// Admin returns the operator address.
func (c *Config) Admin() common.Address {
	return common.HexToAddress(c.AdminAddress)
}

// Party returns the recovery party with member indices in file order,
// starting at 1.
func (c *Config) Party() (interfaces.RecoveryPartyConfig, error) {
	party := interfaces.RecoveryPartyConfig{Threshold: c.RecoveryParty.Threshold}
	for _, m := range c.RecoveryParty.Members {
		party.Members = append(party.Members, common.HexToAddress(m))
	}
	return party, party.Validate()
}

// KeysetIDs returns the hosted keysets.
func (c *Config) KeysetIDs() ([]interfaces.KeysetID, error) {
	ids := make([]interfaces.KeysetID, 0, len(c.Keysets))
	for _, k := range c.Keysets {
		id, err := interfaces.NewKeysetID(k)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// LoadWalletKey reads the node wallet key.
func (c *Config) LoadWalletKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.LoadECDSA(c.WalletKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading wallet key: %w", err)
	}
	return key, nil
}

// ErrNoAddresses is returned when neither a resolver nor both explicit
// contract addresses are configured.
var ErrNoAddresses = errors.New("chain needs a resolver or both staking and key_router addresses")

// ContractAddresses returns the configured contract addresses; zero values
// are resolved at boot.
func (c *ChainConfig) ContractAddresses() (resolver, staking, keyRouter common.Address, err error) {
	if c.Resolver == "" && (c.Staking == "" || c.KeyRouter == "") {
		return resolver, staking, keyRouter, ErrNoAddresses
	}
	if c.Resolver != "" {
		resolver = common.HexToAddress(c.Resolver)
	}
	if c.Staking != "" {
		staking = common.HexToAddress(c.Staking)
	}
	if c.KeyRouter != "" {
		keyRouter = common.HexToAddress(c.KeyRouter)
	}
	return resolver, staking, keyRouter, nil
}
