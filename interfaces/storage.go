package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentID addresses an archived backup tarball by its SHA-256 digest.
type ContentID [32]byte

// ParseContentID decodes a 64 character hex digest, with or without 0x.
func ParseContentID(s string) (ContentID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return ContentID{}, fmt.Errorf("content id: %w", err)
	}
	if len(raw) != len(ContentID{}) {
		return ContentID{}, fmt.Errorf("content id: want 32 bytes, got %d", len(raw))
	}
	return ContentID(raw), nil
}

func ComputeID(data []byte) ContentID {
	return sha256.Sum256(data)
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// MirrorLocation is a parsed backup mirror URI from the node config.
type MirrorLocation struct {
	uri    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values

	// Auth is the userinfo section, "user:secret" when a secret is set.
	Auth string
}

var mirrorSchemes = map[string]bool{"file": true, "s3": true, "ipfs": true, "vault": true}

func ParseMirrorLocation(uri string) (MirrorLocation, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return MirrorLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	if !mirrorSchemes[strings.ToLower(u.Scheme)] {
		return MirrorLocation{}, fmt.Errorf("%w: scheme %q", ErrInvalidLocationURI, u.Scheme)
	}

	loc := MirrorLocation{
		uri:    uri,
		Scheme: strings.ToLower(u.Scheme),
		Host:   u.Host,
		Path:   u.Path,
		Query:  u.Query(),
	}
	if u.User != nil {
		loc.Auth = u.User.String()
	}
	return loc, nil
}

// String returns the URI with any credentials redacted, for logs.
func (loc MirrorLocation) String() string {
	u, err := url.Parse(loc.uri)
	if err != nil {
		return loc.Scheme + "://" + loc.Host + loc.Path
	}
	return u.Redacted()
}

func (loc MirrorLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

var (
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable covers network failures, rejected credentials
	// and outages of a mirror.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	ErrInvalidLocationURI = errors.New("invalid mirror location URI")
)

// BlobStore archives received backup tarballs, keyed by content digest.
// Mirrors are write-mostly: a restore never reads its own bundle back from
// them, Fetch exists for operators recovering a lost upload.
type BlobStore interface {
	Fetch(ctx context.Context, id ContentID) ([]byte, error)
	Store(ctx context.Context, data []byte) (ContentID, error)
	Available(ctx context.Context) bool
	// Name is a short label for logs and metrics.
	Name() string
	LocationURI() string
}
