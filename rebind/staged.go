package rebind

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/keyset-restore/backup"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/ruteri/keyset-restore/restore"
)

const sealedExt = ".sealed"

// stagedDir is staged/ under the data dir. A staged share survives a
// restart sealed to the node's own communication key.
func stagedDir(dataDir string) string {
	return filepath.Join(dataDir, "staged")
}

// stagedPath is staged/<keyset>/<curve>-<index>.sealed.
func stagedPath(dataDir string, ref interfaces.KeyRef) string {
	return filepath.Join(stagedDir(dataDir), string(ref.Keyset), ref.Key.String()+sealedExt)
}

func sealAssociated(ref interfaces.KeyRef) []byte {
	return cryptoutils.LengthPrefixed([]byte("keyset-restore/staged-share/v1"), []byte(ref.Keyset), []byte(ref.Key.String()))
}

// sealShare encodes share with its secret encrypted to pub.
func sealShare(pub *ecdsa.PublicKey, share *restore.RecoveredShare) ([]byte, error) {
	secret := make([]byte, 32)
	defer cryptoutils.WipeBytes(secret)
	if !share.Secret.Use(func(v *big.Int) { v.FillBytes(secret) }) {
		return nil, fmt.Errorf("%w: staged share of %s was wiped", interfaces.ErrInvalidState, share.Ref())
	}
	sealed, err := cryptoutils.EncryptTo(pub, secret, sealAssociated(share.Ref()))
	if err != nil {
		return nil, err
	}
	return backup.NewEncoder().
		PutString(string(share.Keyset)).
		PutUint32(uint32(share.RootKey.Curve)).
		PutUint32(share.RootKey.Index).
		PutBytes(share.RootKey.PublicKey).
		PutUint32(share.OldIndex).
		PutUint32(uint32(share.OldThreshold)).
		PutList(share.Commitments).
		PutBytes(sealed).
		Bytes(), nil
}

// openShare is the inverse of sealShare.
func openShare(key *ecdsa.PrivateKey, data []byte) (*restore.RecoveredShare, error) {
	d := backup.NewDecoder(data)
	share := &restore.RecoveredShare{Keyset: interfaces.KeysetID(d.String())}
	share.RootKey.Curve = interfaces.Curve(d.Uint32())
	share.RootKey.Index = d.Uint32()
	share.RootKey.PublicKey = d.Bytes()
	share.OldIndex = d.Uint32()
	share.OldThreshold = int(d.Uint32())
	share.Commitments = d.List()
	sealed := d.Bytes()
	if err := d.Finish(); err != nil {
		return nil, fmt.Errorf("decoding staged share: %w", err)
	}

	secret, err := cryptoutils.DecryptWith(key, sealed, sealAssociated(share.Ref()))
	if err != nil {
		return nil, fmt.Errorf("%w: opening staged share of %s: %v", interfaces.ErrCryptoFailure, share.Ref(), err)
	}
	defer cryptoutils.WipeBytes(secret)
	v := new(big.Int).SetBytes(secret)
	defer cryptoutils.WipeInt(v)
	share.Secret = cryptoutils.NewSecretScalar(v)
	return share, nil
}

func writeStaged(dataDir string, key *ecdsa.PrivateKey, share *restore.RecoveredShare) error {
	data, err := sealShare(&key.PublicKey, share)
	if err != nil {
		return err
	}
	return backup.WriteFileAtomic(stagedPath(dataDir, share.Ref()), data, 0o600)
}

// removeStaged overwrites and deletes the sealed file of ref, if any.
func removeStaged(dataDir string, ref interfaces.KeyRef) error {
	path := stagedPath(dataDir, ref)
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, make([]byte, st.Size()), 0o600); err != nil {
		return err
	}
	return os.Remove(path)
}

// readStaged opens every sealed share under the data dir. A file that
// cannot be opened is reported and skipped.
func readStaged(dataDir string, key *ecdsa.PrivateKey) ([]*restore.RecoveredShare, error) {
	keysets, err := os.ReadDir(stagedDir(dataDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var (
		out  []*restore.RecoveredShare
		errs []error
	)
	for _, ks := range keysets {
		if !ks.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(stagedDir(dataDir), ks.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), sealedExt) {
				continue
			}
			data, err := os.ReadFile(filepath.Join(stagedDir(dataDir), ks.Name(), e.Name()))
			if err == nil {
				var share *restore.RecoveredShare
				if share, err = openShare(key, data); err == nil {
					out = append(out, share)
					continue
				}
			}
			errs = append(errs, fmt.Errorf("%s/%s: %w", ks.Name(), e.Name(), err))
		}
	}
	return out, errors.Join(errs...)
}
