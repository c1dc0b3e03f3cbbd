package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/keyset-restore/interfaces"
)

// IPFSStore mirrors tarballs into the IPFS node's mutable file system,
// under <root>/<content id>.tar.gz, so they can be fetched back by our
// SHA-256 content ID rather than by CID.
type IPFSStore struct {
	shell       *shell.Shell
	apiAddr     string
	root        string
	log         *slog.Logger
	locationURI string
}

func NewIPFSStore(host, port, root string, timeout time.Duration, log *slog.Logger) (*IPFSStore, error) {
	apiAddr := fmt.Sprintf("%s:%s", host, port)
	if root == "" {
		root = "/keyset-restore"
	}
	root = "/" + strings.Trim(root, "/")

	sh := shell.NewShell(apiAddr)
	sh.SetTimeout(timeout)

	return &IPFSStore{
		shell:       sh,
		apiAddr:     apiAddr,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiAddr, root, timeout),
	}, nil
}

func (b *IPFSStore) mfsPath(id interfaces.ContentID) string {
	return fmt.Sprintf("%s/%s%s", b.root, id.String(), blobExt)
}

func (b *IPFSStore) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	start := time.Now()
	path := b.mfsPath(id)

	if !b.shell.IsUp() {
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, interfaces.ErrContentNotFound
		}
		b.log.Error("Failed to read blob from IPFS", slog.String("path", path), "err", err)
		return nil, fmt.Errorf("failed to read blob from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob from IPFS: %w", err)
	}
	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("ipfs blob at %s does not match its id", path)
	}

	b.log.Debug("Fetched blob from IPFS",
		slog.String("path", path),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

func (b *IPFSStore) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	path := b.mfsPath(id)

	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	err := b.shell.FilesWrite(ctx, path, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to write blob to IPFS: %w", err)
	}

	b.log.Debug("Stored blob in IPFS", slog.String("path", path), slog.String("contentID", id.String()))
	return id, nil
}

func (b *IPFSStore) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSStore) Name() string {
	return fmt.Sprintf("ipfs-%s", b.apiAddr)
}

func (b *IPFSStore) LocationURI() string {
	return b.locationURI
}
