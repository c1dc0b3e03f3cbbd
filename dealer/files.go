package dealer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/keyset-restore/api"
	"github.com/ruteri/keyset-restore/backup"
	"github.com/ruteri/keyset-restore/interfaces"
)

// RootKeyRecord is the JSON form of a root key, as a key-router seed.
type RootKeyRecord struct {
	Curve     interfaces.Curve `json:"curve"`
	Index     uint32           `json:"index"`
	PublicKey hexutil.Bytes    `json:"public_key"`
}

func toHex(in [][]byte) []hexutil.Bytes {
	out := make([]hexutil.Bytes, len(in))
	for i, b := range in {
		out[i] = b
	}
	return out
}

// WriteDir lays the fixture out for distribution:
//
//	rootkeys.json
//	node-<j>/bundle.tar.gz
//	node-<j>/blinders.json          (a set_blinders request body)
//	member-<m>/shares.json          (submit_share request bodies)
func (f *Fixture) WriteDir(dir string) error {
	var keys []RootKeyRecord
	for _, rk := range f.RootKeys {
		keys = append(keys, RootKeyRecord{Curve: rk.Curve, Index: rk.Index, PublicKey: rk.PublicKey})
	}
	if err := writeJSON(filepath.Join(dir, "rootkeys.json"), keys); err != nil {
		return err
	}

	for _, node := range f.Nodes {
		nodeDir := filepath.Join(dir, fmt.Sprintf("node-%d", node.Index))
		if err := os.MkdirAll(nodeDir, 0o700); err != nil {
			return err
		}
		if err := backup.WriteFileAtomic(filepath.Join(nodeDir, "bundle.tar.gz"), node.Bundle, 0o600); err != nil {
			return err
		}
		req := api.SetBlindersRequest{
			BLSBlinder:  node.Blinders.BLS.Hex(),
			K256Blinder: node.Blinders.K256.Hex(),
			Keyset:      string(f.Keyset),
		}
		if err := writeJSON(filepath.Join(nodeDir, "blinders.json"), req); err != nil {
			return err
		}
	}

	for m := range f.shares {
		member := uint32(m + 1)
		var subs []*api.ShareSubmission
		for _, s := range f.Shares(member) {
			subs = append(subs, api.NewShareSubmission(s))
		}
		if err := writeJSON(filepath.Join(dir, fmt.Sprintf("member-%d", member), "shares.json"), subs); err != nil {
			return err
		}
	}
	return nil
}

// ReadRootKeys loads rootkeys.json.
func ReadRootKeys(path string) ([]interfaces.RootKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []RootKeyRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	keys := make([]interfaces.RootKey, len(records))
	for i, r := range records {
		keys[i] = interfaces.RootKey{Curve: r.Curve, Index: r.Index, PublicKey: r.PublicKey}
	}
	return keys, nil
}

// ReadShares loads a member's shares.json.
func ReadShares(path string) ([]*api.ShareSubmission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var subs []*api.ShareSubmission
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return backup.WriteFileAtomic(path, data, 0o600)
}
