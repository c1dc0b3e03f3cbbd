package backup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruteri/keyset-restore/interfaces"
)

// ShareFile is a node's durable key share of one root key for one epoch.
type ShareFile struct {
	Keyset    interfaces.KeysetID
	RootKey   interfaces.RootKey
	Epoch     uint64
	Index     uint32
	Threshold uint32
	Share     *interfaces.Secret
	// Commitments are the Feldman commitments of the epoch's sharing
	// polynomial; Commitments[0] equals RootKey.PublicKey as a point.
	Commitments [][]byte
}

func (f *ShareFile) MarshalBinary() ([]byte, error) {
	enc := NewEncoder().
		PutString(string(f.Keyset)).
		PutUint32(uint32(f.RootKey.Curve)).
		PutUint32(f.RootKey.Index).
		PutBytes(f.RootKey.PublicKey).
		PutUint64(f.Epoch).
		PutUint32(f.Index).
		PutUint32(f.Threshold)
	if !f.Share.Use(func(v *interfaces.Scalar) { enc.PutBytes(v[:]) }) {
		return nil, fmt.Errorf("%w: share of %s was wiped", interfaces.ErrInvalidState, f.RootKey.ID())
	}
	return enc.PutList(f.Commitments).Bytes(), nil
}

func (f *ShareFile) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	f.Keyset = interfaces.KeysetID(d.String())
	f.RootKey.Curve = interfaces.Curve(d.Uint32())
	f.RootKey.Index = d.Uint32()
	f.RootKey.PublicKey = d.Bytes()
	f.Epoch = d.Uint64()
	f.Index = d.Uint32()
	f.Threshold = d.Uint32()
	share := d.Bytes()
	f.Commitments = d.List()
	if err := d.Finish(); err != nil {
		return fmt.Errorf("decoding share file: %w", err)
	}
	defer wipe(share)
	held, err := interfaces.SecretFromBytes(share)
	if err != nil {
		return fmt.Errorf("decoding share file: share has %d bytes", len(share))
	}
	f.Share = held
	return nil
}

// Wipe zeroes the share.
func (f *ShareFile) Wipe() {
	f.Share.Wipe()
}

// ShareFilePath is keyshares/<keyset>/<curve>-<index>-e<epoch>.share.
func ShareFilePath(dataDir string, keyset interfaces.KeysetID, id interfaces.RootKeyID, epoch uint64) string {
	return filepath.Join(dataDir, "keyshares", string(keyset), fmt.Sprintf("%s-e%d.share", id, epoch))
}

// WriteShareFile persists f atomically with owner-only permissions.
func WriteShareFile(dataDir string, f *ShareFile) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	defer wipe(data)
	return WriteFileAtomic(ShareFilePath(dataDir, f.Keyset, f.RootKey.ID(), f.Epoch), data, 0o600)
}

// ReadShareFile loads a share file. A missing file yields os.ErrNotExist.
func ReadShareFile(dataDir string, keyset interfaces.KeysetID, id interfaces.RootKeyID, epoch uint64) (*ShareFile, error) {
	data, err := os.ReadFile(ShareFilePath(dataDir, keyset, id, epoch))
	if err != nil {
		return nil, err
	}
	defer wipe(data)
	var f ShareFile
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &f, nil
}

// BlindersPath is blinders/<keyset>.blinders.
func BlindersPath(dataDir string, keyset interfaces.KeysetID) string {
	return filepath.Join(dataDir, "blinders", string(keyset)+".blinders")
}

// WriteBlinders persists blinders for a keyset.
func WriteBlinders(dataDir string, keyset interfaces.KeysetID, b *interfaces.Blinders) error {
	enc := NewEncoder().PutString(string(keyset))
	for _, s := range []*interfaces.Secret{b.BLS, b.K256} {
		if !s.Use(func(v *interfaces.Scalar) { enc.PutBytes(v[:]) }) {
			return fmt.Errorf("%w: blinders of %s were wiped", interfaces.ErrInvalidState, keyset)
		}
	}
	data := enc.Bytes()
	defer wipe(data)
	return WriteFileAtomic(BlindersPath(dataDir, keyset), data, 0o600)
}

// ReadBlinders loads persisted blinders.
func ReadBlinders(path string) (interfaces.KeysetID, *interfaces.Blinders, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	defer wipe(data)

	d := NewDecoder(data)
	keyset := interfaces.KeysetID(d.String())
	bls := d.Bytes()
	k256 := d.Bytes()
	defer wipe(bls)
	defer wipe(k256)
	if err := d.Finish(); err != nil {
		return "", nil, fmt.Errorf("decoding blinders: %w", err)
	}
	blsHeld, err := interfaces.SecretFromBytes(bls)
	if err != nil {
		return "", nil, fmt.Errorf("decoding blinders: bad scalar length")
	}
	k256Held, err := interfaces.SecretFromBytes(k256)
	if err != nil {
		blsHeld.Wipe()
		return "", nil, fmt.Errorf("decoding blinders: bad scalar length")
	}
	return keyset, &interfaces.Blinders{BLS: blsHeld, K256: k256Held}, nil
}

// RemoveBlinders deletes the blinders file, overwriting it first.
func RemoveBlinders(dataDir string, keyset interfaces.KeysetID) error {
	path := BlindersPath(dataDir, keyset)
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
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

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
