package storage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/keyset-restore/interfaces"
)

// Factory creates blob stores from location URIs.
type Factory struct {
	log *slog.Logger
}

func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{log: logger}
}

// StoreFor creates a blob store from a location URI.
//
// Supported schemes:
//   - file:///absolute/path
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=host
//   - ipfs://host:port/mfs/root?timeout=30s
//   - vault://host:port/mount/path?token=...&tls=false
func (f *Factory) StoreFor(loc interfaces.MirrorLocation) (interfaces.BlobStore, error) {
	switch strings.ToLower(loc.Scheme) {
	case "file":
		return f.createFileStore(loc)
	case "s3":
		return f.createS3Store(loc)
	case "ipfs":
		return f.createIPFSStore(loc)
	case "vault":
		return f.createVaultStore(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiStore builds a MultiStore over every location that could be
// configured. Locations that fail are logged and skipped.
func (f *Factory) CreateMultiStore(locations []interfaces.MirrorLocation) (interfaces.BlobStore, error) {
	backends := make([]interfaces.BlobStore, 0, len(locations))
	for _, loc := range locations {
		backend, err := f.StoreFor(loc)
		if err != nil {
			f.log.Warn("Failed to create blob store", "err", err, slog.String("locationURI", loc.String()))
			continue
		}
		backends = append(backends, backend)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid blob stores created")
	}
	return NewMultiStore(backends, f.log), nil
}

func (f *Factory) createFileStore(loc interfaces.MirrorLocation) (interfaces.BlobStore, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, loc.String())
	}
	return NewFileStore(path, f.log)
}

func (f *Factory) createS3Store(loc interfaces.MirrorLocation) (interfaces.BlobStore, error) {
	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
	}

	return NewS3Store(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, f.log)
}

func (f *Factory) createIPFSStore(loc interfaces.MirrorLocation) (interfaces.BlobStore, error) {
	host, port, found := strings.Cut(loc.Host, ":")
	if !found {
		port = "5001"
	}
	timeout := 30 * time.Second
	if raw := loc.GetParam("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout: %v", interfaces.ErrInvalidLocationURI, err)
		}
		timeout = parsed
	}
	return NewIPFSStore(host, port, loc.Path, timeout, f.log)
}

func (f *Factory) createVaultStore(loc interfaces.MirrorLocation) (interfaces.BlobStore, error) {
	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: vault URI must be vault://host/mount/path", interfaces.ErrInvalidLocationURI)
	}
	scheme := "https"
	if loc.Query.Get("tls") == "false" {
		scheme = "http"
	}
	return NewVaultStore(fmt.Sprintf("%s://%s", scheme, loc.Host), parts[0], parts[1], loc.GetParam("token"), f.log)
}
