package storage

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/keyset-restore/backup"
	"github.com/ruteri/keyset-restore/interfaces"
)

// FileStore keeps blobs as files named by their content ID. Writes go
// through backup.WriteFileAtomic, so a Store that returned nil is durable.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates the base directory with owner-only permissions.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads a blob. Returns ErrContentNotFound if the file doesn't exist.
func (b *FileStore) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	filePath := b.Path(id)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("content at %s does not match its id", filePath)
	}

	b.log.Debug("Fetched blob from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes data under its SHA-256 content ID. Storing the same data
// twice is a no-op.
func (b *FileStore) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	filePath := b.Path(id)

	if _, err := os.Stat(filePath); err == nil {
		return id, nil
	}

	if err := backup.WriteFileAtomic(filePath, data, 0o600); err != nil {
		return id, fmt.Errorf("%w: %v", interfaces.ErrTransientIO, err)
	}

	b.log.Debug("Stored blob in file",
		slog.String("path", filePath),
		slog.String("contentID", id.String()))

	return id, nil
}

// Delete removes a blob. Missing blobs are not an error.
func (b *FileStore) Delete(ctx context.Context, id interfaces.ContentID) error {
	err := os.Remove(b.Path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the IDs of all stored blobs.
func (b *FileStore) List(ctx context.Context) ([]interfaces.ContentID, error) {
	entries, err := os.ReadDir(b.baseDir)
	if err != nil {
		return nil, err
	}
	var ids []interfaces.ContentID
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), blobExt)
		if e.IsDir() || !ok {
			continue
		}
		id, err := interfaces.ParseContentID(name)
		if err != nil {
			b.log.Warn("Ignoring unexpected file in blob store", slog.String("name", e.Name()))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Available checks the base directory exists.
func (b *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File store unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileStore) LocationURI() string {
	return b.locationURI
}

// Path is the file holding the blob with the given ID.
func (b *FileStore) Path(id interfaces.ContentID) string {
	return filepath.Join(b.baseDir, id.String()+blobExt)
}

const blobExt = ".tar.gz"

// Spooled is an upload streamed to a temp file next to the store, hashed
// on the way in. It becomes a blob only on Commit.
type Spooled struct {
	store *FileStore
	path  string
	id    interfaces.ContentID
	size  int64
}

// ErrTooLarge is returned by Spool when the stream exceeds the limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Spool streams r to a temp file without buffering it in memory.
func (b *FileStore) Spool(r io.Reader, limit int64) (*Spooled, error) {
	tmp, err := os.CreateTemp(b.baseDir, ".spool-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating spool file: %v", interfaces.ErrTransientIO, err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, limit+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("%w: spooling upload: %v", interfaces.ErrTransientIO, err)
	}
	if n > limit {
		_ = os.Remove(tmp.Name())
		return nil, ErrTooLarge
	}
	s := &Spooled{store: b, path: tmp.Name(), size: n}
	copy(s.id[:], h.Sum(nil))
	return s, nil
}

// ID is the content ID the spooled data will be stored under.
func (s *Spooled) ID() interfaces.ContentID { return s.id }

// Size is the number of bytes spooled.
func (s *Spooled) Size() int64 { return s.size }

// Open opens the spooled data for reading.
func (s *Spooled) Open() (*os.File, error) {
	return os.Open(s.path)
}

// Commit fsyncs the spooled file and renames it into place.
func (s *Spooled) Commit() error {
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTransientIO, err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", interfaces.ErrTransientIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", interfaces.ErrTransientIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTransientIO, err)
	}
	if err := os.Rename(s.path, s.store.Path(s.id)); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTransientIO, err)
	}
	d, err := os.Open(s.store.baseDir)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTransientIO, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrTransientIO, err)
	}
	return nil
}

// Discard removes the spooled file. Safe after Commit.
func (s *Spooled) Discard() {
	_ = os.Remove(s.path)
}
