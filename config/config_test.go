package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
host: node-1.example.org
listen_addr: 0.0.0.0:8443
data_dir: /var/lib/keyset-restore
wallet_key_file: /etc/keyset-restore/wallet.key
admin_address: "0x00000000000000000000000000000000000000a1"
auth:
  max_validity: 5m
recovery_party:
  threshold: 2
  members:
    - "0x00000000000000000000000000000000000000b1"
    - "0x00000000000000000000000000000000000000b2"
    - "0x00000000000000000000000000000000000000b3"
keysets: [datil]
chain:
  rpc_url: http://127.0.0.1:8545
  resolver: "0x00000000000000000000000000000000000000c1"
  poll_interval: 2s
rebind:
  peer_timeout: 20s
  max_retries: 5
mirrors:
  - s3://backups/keysets?region=us-east-1
attestation: dummy
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0xa1"), cfg.Admin())
	assert.Equal(t, 5*time.Minute, cfg.Auth.MaxValidity)
	assert.Equal(t, 5*time.Minute, cfg.Auth.NonceTTL)
	assert.Equal(t, 2*time.Second, cfg.Chain.PollInterval)
	assert.Equal(t, 20*time.Second, cfg.Rebind.PeerTimeout)
	assert.Equal(t, 4, cfg.ReconstructionWorkers)

	party, err := cfg.Party()
	require.NoError(t, err)
	assert.Equal(t, 2, party.Threshold)
	m, ok := party.Member(3)
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0xb3"), m)

	keysets, err := cfg.KeysetIDs()
	require.NoError(t, err)
	assert.Len(t, keysets, 1)

	resolver, staking, _, err := cfg.Chain.ContractAddresses()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xc1"), resolver)
	assert.Equal(t, common.Address{}, staking)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		replace [2]string
	}{
		{"missing admin", [2]string{`admin_address: "0x00000000000000000000000000000000000000a1"`, ``}},
		{"malformed admin", [2]string{`"0x00000000000000000000000000000000000000a1"`, `"0xnot-an-address"`}},
		{"threshold too high", [2]string{`threshold: 2`, `threshold: 4`}},
		{"zero threshold", [2]string{`threshold: 2`, `threshold: 0`}},
		{"duplicate member", [2]string{`"0x00000000000000000000000000000000000000b3"`, `"0x00000000000000000000000000000000000000b2"`}},
		{"bad keyset", [2]string{`keysets: [datil]`, `keysets: ["../datil"]`}},
		{"no keysets", [2]string{`keysets: [datil]`, `keysets: []`}},
		{"no contracts", [2]string{`resolver: "0x00000000000000000000000000000000000000c1"`, ``}},
		{"unknown field", [2]string{`attestation: dummy`, "attestation: dummy\nsurprise: true"}},
		{"bad listen addr", [2]string{`0.0.0.0:8443`, `nowhere`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := strings.Replace(validConfig, tt.replace[0], tt.replace[1], 1)
			require.NotEqual(t, validConfig, data)
			_, err := Parse([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestExplicitContracts(t *testing.T) {
	data := strings.Replace(validConfig,
		`resolver: "0x00000000000000000000000000000000000000c1"`,
		"staking: \"0x00000000000000000000000000000000000000d1\"\n  key_router: \"0x00000000000000000000000000000000000000d2\"", 1)
	cfg, err := Parse([]byte(data))
	require.NoError(t, err)
	resolver, staking, keyRouter, err := cfg.Chain.ContractAddresses()
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, resolver)
	assert.Equal(t, common.HexToAddress("0xd1"), staking)
	assert.Equal(t, common.HexToAddress("0xd2"), keyRouter)
}

func TestLoadWalletKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	dir := t.TempDir()
	path := filepath.Join(dir, "wallet.key")
	require.NoError(t, crypto.SaveECDSA(path, key))

	cfgPath := filepath.Join(dir, "node.yaml")
	data := strings.Replace(validConfig, "/etc/keyset-restore/wallet.key", path, 1)
	require.NoError(t, os.WriteFile(cfgPath, []byte(data), 0o600))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	loaded, err := cfg.LoadWalletKey()
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), crypto.PubkeyToAddress(loaded.PublicKey))
}
