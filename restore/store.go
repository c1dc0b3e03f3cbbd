package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/keyset-restore/backup"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/ruteri/keyset-restore/metrics"
	"github.com/ruteri/keyset-restore/storage"
)

// DefaultMaxBundleBytes bounds a single set_key_backup upload.
const DefaultMaxBundleBytes = 64 << 20

// Gate decides whether restore inputs are accepted right now.
type Gate interface {
	AcceptingInputs(ctx context.Context) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context) error

func (f GateFunc) AcceptingInputs(ctx context.Context) error { return f(ctx) }

// StoreConfig configures a CiphertextStore.
type StoreConfig struct {
	DataDir        string
	MaxBundleBytes int64
	// MirrorTimeout bounds best-effort mirroring of accepted tarballs.
	MirrorTimeout time.Duration
}

// Material is a copy of everything the Reconstructor needs for one root
// key. Wipe it when done.
type Material struct {
	RootKey      interfaces.RootKey
	NodeIndex    uint32
	OldThreshold int
	Commitments  [][]byte
	// DecryptionKeyCommitment is K = k·G.
	DecryptionKeyCommitment []byte
	Ciphertext              *interfaces.Secret
	Blinder                 *interfaces.Secret
}

func (m *Material) Wipe() {
	m.Ciphertext.Wipe()
	m.Blinder.Wipe()
}

type keysetSlot struct {
	blinders   *interfaces.Blinders
	bundleID   interfaces.ContentID
	bundle     *backup.Bundle
	consumed   map[interfaces.RootKeyID]bool
	quarantine error
}

// BundleListener is notified after a bundle has been durably accepted.
type BundleListener func(keyset interfaces.KeysetID)

// CiphertextStore holds the operator-supplied inputs of a restore: the
// per-keyset blinders and the node's backup bundle. Tarballs are archived
// under backups/<keyset>/ and optionally mirrored.
type CiphertextStore struct {
	mu      sync.RWMutex
	log     *slog.Logger
	cfg     StoreConfig
	chain   interfaces.KeyRouterReader
	gate    Gate
	mirror  interfaces.BlobStore
	metrics *metrics.Collector

	keysets   map[interfaces.KeysetID]*keysetSlot
	archives  map[interfaces.KeysetID]*storage.FileStore
	listeners []BundleListener
}

// NewCiphertextStore creates the store. mirror and collector may be nil.
func NewCiphertextStore(cfg StoreConfig, chain interfaces.KeyRouterReader, gate Gate, mirror interfaces.BlobStore, collector *metrics.Collector, log *slog.Logger) *CiphertextStore {
	if cfg.MaxBundleBytes <= 0 {
		cfg.MaxBundleBytes = DefaultMaxBundleBytes
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 30 * time.Second
	}
	return &CiphertextStore{
		log:      log,
		cfg:      cfg,
		chain:    chain,
		gate:     gate,
		mirror:   mirror,
		metrics:  collector,
		keysets:  make(map[interfaces.KeysetID]*keysetSlot),
		archives: make(map[interfaces.KeysetID]*storage.FileStore),
	}
}

// OnBundle registers a listener for accepted bundles.
func (s *CiphertextStore) OnBundle(fn BundleListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *CiphertextStore) slotLocked(keyset interfaces.KeysetID) *keysetSlot {
	slot, ok := s.keysets[keyset]
	if !ok {
		slot = &keysetSlot{consumed: make(map[interfaces.RootKeyID]bool)}
		s.keysets[keyset] = slot
	}
	return slot
}

func (s *CiphertextStore) archive(keyset interfaces.KeysetID) (*storage.FileStore, error) {
	if fs, ok := s.archives[keyset]; ok {
		return fs, nil
	}
	fs, err := storage.NewFileStore(filepath.Join(s.cfg.DataDir, "backups", string(keyset)), s.log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTransientIO, err)
	}
	s.archives[keyset] = fs
	return fs, nil
}

// SetBlinders installs a copy of the blinders of a keyset. Repeating the
// same values is a no-op; different values are rejected with AlreadyBound.
// The caller keeps ownership of blinders.
func (s *CiphertextStore) SetBlinders(ctx context.Context, keyset interfaces.KeysetID, blinders *interfaces.Blinders) (err error) {
	defer func() { s.metrics.BlindersUploaded(metrics.Result(err)) }()

	if err := s.gate.AcceptingInputs(ctx); err != nil {
		return err
	}
	if blinders == nil {
		return fmt.Errorf("%w: no blinders", interfaces.ErrMalformedInput)
	}
	for _, curve := range interfaces.Curves {
		b, _ := blinders.For(curve)
		v, err := cryptoutils.NonZeroScalarFromSecret(cryptoutils.MustGroup(curve), b)
		if err != nil {
			return fmt.Errorf("%s blinder: %w", curve, err)
		}
		cryptoutils.WipeInt(v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slotLocked(keyset)
	if slot.quarantine != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrQuarantined, slot.quarantine)
	}
	if slot.blinders != nil {
		if slot.blinders.Equal(blinders) {
			s.log.Info("Blinders already installed", "keyset", keyset)
			return nil
		}
		return interfaces.ErrAlreadyBound
	}

	if err := backup.WriteBlinders(s.cfg.DataDir, keyset, blinders); err != nil {
		return fmt.Errorf("%w: persisting blinders: %v", interfaces.ErrTransientIO, err)
	}
	slot.blinders = blinders.Clone()
	s.log.Info("Blinders installed", "keyset", keyset)
	return nil
}

// SetKeyBackup accepts the node's backup bundle for keyset. The body is
// spooled to disk, parsed, checked against the key router, archived and
// indexed. Nothing is persisted unless every check passes.
func (s *CiphertextStore) SetKeyBackup(ctx context.Context, keyset interfaces.KeysetID, body io.Reader) (id interfaces.ContentID, err error) {
	defer func() { s.metrics.BundleUploaded(metrics.Result(err)) }()

	if err := s.gate.AcceptingInputs(ctx); err != nil {
		return id, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.slotLocked(keyset)
	if slot.quarantine != nil {
		return id, fmt.Errorf("%w: %v", interfaces.ErrQuarantined, slot.quarantine)
	}
	if slot.blinders == nil {
		return id, interfaces.ErrBlindersMissing
	}
	archive, err := s.archive(keyset)
	if err != nil {
		return id, err
	}

	spooled, err := archive.Spool(body, s.cfg.MaxBundleBytes)
	if errors.Is(err, storage.ErrTooLarge) {
		return id, fmt.Errorf("%w: bundle larger than %d bytes", interfaces.ErrTarballMalformed, s.cfg.MaxBundleBytes)
	}
	if err != nil {
		return id, err
	}
	defer spooled.Discard()
	id = spooled.ID()

	if slot.bundle != nil {
		if slot.bundleID == id {
			s.log.Info("Backup bundle already uploaded", "keyset", keyset, "contentID", id.String())
			return id, nil
		}
		cause := fmt.Errorf("%w: conflicting bundle %s, %s already accepted", interfaces.ErrInvariantViolation, id.String(), slot.bundleID.String())
		s.quarantineLocked(keyset, slot, cause)
		return id, cause
	}

	f, err := spooled.Open()
	if err != nil {
		return id, fmt.Errorf("%w: %v", interfaces.ErrTransientIO, err)
	}
	bundle, err := backup.ParseBundle(f)
	f.Close()
	if err != nil {
		return id, err
	}
	if bundle.Manifest.Keyset != keyset {
		return id, fmt.Errorf("%w: bundle is for keyset %q", interfaces.ErrMalformedInput, bundle.Manifest.Keyset)
	}

	onchain, err := s.chain.RootKeys(ctx, keyset)
	if err != nil {
		return id, fmt.Errorf("%w: reading root keys: %v", interfaces.ErrTransientIO, err)
	}
	if err := checkAgainstChain(bundle, onchain); err != nil {
		s.log.Error("Backup bundle contradicts key router", "keyset", keyset, "contentID", id.String(), "err", err)
		s.quarantineLocked(keyset, slot, err)
		return id, err
	}

	if err := spooled.Commit(); err != nil {
		return id, err
	}
	s.mirrorBlob(ctx, archive, id)

	slot.bundle = bundle
	slot.bundleID = id
	s.log.Info("Backup bundle accepted",
		"keyset", keyset,
		"contentID", id.String(),
		"nodeIndex", bundle.Manifest.NodeIndex,
		"rootKeys", len(bundle.Entries))

	for _, fn := range s.listeners {
		go fn(keyset)
	}
	return id, nil
}

// checkAgainstChain requires the bundle to cover exactly the on-chain root
// keys, byte-for-byte, with commitments anchored at each public key.
func checkAgainstChain(bundle *backup.Bundle, onchain []interfaces.RootKey) error {
	if len(onchain) != len(bundle.Entries) {
		return fmt.Errorf("%w: bundle has %d root keys, key router has %d", interfaces.ErrInvariantViolation, len(bundle.Entries), len(onchain))
	}
	for _, want := range onchain {
		e, ok := bundle.Entry(want.ID())
		if !ok {
			return fmt.Errorf("%w: root key %s missing from bundle", interfaces.ErrInvariantViolation, want.ID())
		}
		if !e.RootKey().Equal(want) {
			return fmt.Errorf("%w: root key %s differs from key router", interfaces.ErrInvariantViolation, want.ID())
		}
		g := cryptoutils.MustGroup(want.Curve)
		if !cryptoutils.PointsEqual(g, e.Commitments[0], want.PublicKey) {
			return fmt.Errorf("%w: commitments of %s are not anchored at its public key", interfaces.ErrInvariantViolation, want.ID())
		}
	}
	return nil
}

func (s *CiphertextStore) mirrorBlob(ctx context.Context, archive *storage.FileStore, id interfaces.ContentID) {
	if s.mirror == nil {
		return
	}
	data, err := archive.Fetch(ctx, id)
	if err != nil {
		s.log.Warn("Failed to read archived bundle for mirroring", "contentID", id.String(), "err", err)
		return
	}
	mctx, cancel := context.WithTimeout(ctx, s.cfg.MirrorTimeout)
	defer cancel()
	if _, err := s.mirror.Store(mctx, data); err != nil {
		s.log.Warn("Failed to mirror backup bundle", "contentID", id.String(), "mirror", s.mirror.Name(), "err", err)
	}
}

// Load restores blinders and archived bundles from the data dir. Bundles
// are re-parsed; chain agreement was checked when they were accepted.
func (s *CiphertextStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blinderFiles, err := filepath.Glob(filepath.Join(s.cfg.DataDir, "blinders", "*.blinders"))
	if err != nil {
		return err
	}
	for _, path := range blinderFiles {
		keyset, blinders, err := backup.ReadBlinders(path)
		if err != nil {
			s.log.Warn("Ignoring unreadable blinders file", "path", path, "err", err)
			continue
		}
		s.slotLocked(keyset).blinders = blinders
	}

	dirs, err := os.ReadDir(filepath.Join(s.cfg.DataDir, "backups"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		keyset, err := interfaces.NewKeysetID(d.Name())
		if err != nil {
			continue
		}
		archive, err := s.archive(keyset)
		if err != nil {
			return err
		}
		ids, err := archive.List(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			f, err := os.Open(archive.Path(id))
			if err != nil {
				return err
			}
			bundle, err := backup.ParseBundle(f)
			f.Close()
			if err != nil || bundle.Manifest.Keyset != keyset {
				s.log.Warn("Ignoring unreadable archived bundle", "keyset", keyset, "contentID", id.String(), "err", err)
				continue
			}
			slot := s.slotLocked(keyset)
			slot.bundle = bundle
			slot.bundleID = id
			s.log.Info("Reloaded backup bundle", "keyset", keyset, "contentID", id.String())
		}
	}
	return nil
}

// Material returns copies of the inputs needed to reconstruct ref.
func (s *CiphertextStore) Material(ref interfaces.KeyRef) (*Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slot, ok := s.keysets[ref.Keyset]
	if !ok || slot.bundle == nil {
		return nil, interfaces.ErrBundleMissing
	}
	if slot.quarantine != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrQuarantined, slot.quarantine)
	}
	if slot.blinders == nil {
		return nil, interfaces.ErrBlindersMissing
	}
	if slot.consumed[ref.Key] {
		return nil, interfaces.ErrAlreadyRecovered
	}
	e, ok := slot.bundle.Entry(ref.Key)
	if !ok {
		return nil, interfaces.ErrUnknownRootKey
	}
	blinder, err := slot.blinders.For(ref.Key.Curve)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err)
	}
	commitments := make([][]byte, len(e.Commitments))
	for i, c := range e.Commitments {
		commitments[i] = append([]byte(nil), c...)
	}
	return &Material{
		RootKey:                 e.RootKey(),
		NodeIndex:               slot.bundle.Manifest.NodeIndex,
		OldThreshold:            slot.bundle.Manifest.OldThreshold,
		Commitments:             commitments,
		DecryptionKeyCommitment: append([]byte(nil), e.DecryptionKeyCommitment...),
		Ciphertext:              e.CiphertextSecret(),
		Blinder:                 blinder.Clone(),
	}, nil
}

// Consume wipes the in-memory ciphertext of a reconstructed root key.
func (s *CiphertextStore) Consume(ref interfaces.KeyRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.keysets[ref.Keyset]
	if !ok || slot.bundle == nil {
		return
	}
	if e, ok := slot.bundle.Entry(ref.Key); ok {
		cryptoutils.WipeBytes(e.Ciphertext)
	}
	slot.consumed[ref.Key] = true
}

// HasBundle reports whether keyset has an accepted bundle.
func (s *CiphertextStore) HasBundle(keyset interfaces.KeysetID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.keysets[keyset]
	return ok && slot.bundle != nil
}

// HasBlinders reports whether keyset has blinders installed.
func (s *CiphertextStore) HasBlinders(keyset interfaces.KeysetID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.keysets[keyset]
	return ok && slot.blinders != nil
}

// RootKeys returns the root keys of the accepted bundle.
func (s *CiphertextStore) RootKeys(keyset interfaces.KeysetID) ([]interfaces.RootKeyID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.keysets[keyset]
	if !ok || slot.bundle == nil {
		return nil, false
	}
	ids := make([]interfaces.RootKeyID, 0, len(slot.bundle.Entries))
	for _, e := range slot.bundle.Entries {
		ids = append(ids, e.ID())
	}
	return ids, true
}

// HasRootKey reports whether the accepted bundle of keyset holds id.
func (s *CiphertextStore) HasRootKey(keyset interfaces.KeysetID, id interfaces.RootKeyID) (bundled bool, known bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.keysets[keyset]
	if !ok || slot.bundle == nil {
		return false, false
	}
	_, known = slot.bundle.Entry(id)
	return true, known
}

// Quarantine halts a keyset after a fatal error. Further inputs for it are
// refused until the restore material is discarded.
func (s *CiphertextStore) Quarantine(keyset interfaces.KeysetID, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantineLocked(keyset, s.slotLocked(keyset), cause)
}

func (s *CiphertextStore) quarantineLocked(keyset interfaces.KeysetID, slot *keysetSlot, cause error) {
	if slot.quarantine != nil {
		return
	}
	slot.quarantine = cause
	s.log.Error("Keyset quarantined", "keyset", keyset, "kind", interfaces.KindOf(cause).String(), "err", cause)
	n := 0
	for _, sl := range s.keysets {
		if sl.quarantine != nil {
			n++
		}
	}
	s.metrics.QuarantinedKeysets(n)
}

// Quarantined returns the cause if keyset is quarantined.
func (s *CiphertextStore) Quarantined(keyset interfaces.KeysetID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if slot, ok := s.keysets[keyset]; ok {
		return slot.quarantine
	}
	return nil
}

// Status fills the store's part of a keyset status.
func (s *CiphertextStore) Status(keyset interfaces.KeysetID) interfaces.KeysetStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := interfaces.KeysetStatus{Keyset: keyset}
	if slot, ok := s.keysets[keyset]; ok {
		st.BlindersSet = slot.blinders != nil
		st.BundleUploaded = slot.bundle != nil
		if slot.quarantine != nil {
			st.Quarantined = true
			st.QuarantineCause = interfaces.CodeOf(slot.quarantine)
		}
	}
	return st
}

// Keysets returns every keyset the store holds anything for.
func (s *CiphertextStore) Keysets() []interfaces.KeysetID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]interfaces.KeysetID, 0, len(s.keysets))
	for k := range s.keysets {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Destroy zeroizes and removes all restore material of keyset: blinders
// (memory and disk), the archived tarball and the quarantine flag.
func (s *CiphertextStore) Destroy(ctx context.Context, keyset interfaces.KeysetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if slot, ok := s.keysets[keyset]; ok {
		if slot.blinders != nil {
			slot.blinders.Wipe()
		}
		if slot.bundle != nil {
			for _, e := range slot.bundle.Entries {
				cryptoutils.WipeBytes(e.Ciphertext)
			}
			if archive, err := s.archive(keyset); err == nil {
				errs = append(errs, archive.Delete(ctx, slot.bundleID))
			}
		}
		delete(s.keysets, keyset)
	}
	errs = append(errs, backup.RemoveBlinders(s.cfg.DataDir, keyset))
	s.log.Info("Restore material destroyed", "keyset", keyset)
	return errors.Join(errs...)
}
