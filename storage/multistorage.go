package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/keyset-restore/interfaces"
	"golang.org/x/sync/errgroup"
)

// MultiStore writes to every available backend in parallel and fetches
// from the first backend that has the content.
type MultiStore struct {
	backends []interfaces.BlobStore
	log      *slog.Logger
}

func NewMultiStore(backends []interfaces.BlobStore, logger *slog.Logger) *MultiStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiStore{
		backends: backends,
		log:      logger,
	}
}

func (m *MultiStore) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	start := time.Now()
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		data, err := backend.Fetch(ctx, id)
		if err == nil {
			m.log.Debug("Fetched blob",
				slog.String("backend_name", backend.Name()),
				slog.String("content_id", id.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", id.String(), errors.Join(errs...))
}

// Store succeeds if at least one backend stored the data.
func (m *MultiStore) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)

	var (
		mu     sync.Mutex
		stored int
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, backend := range m.backends {
		g.Go(func() error {
			if !backend.Available(gctx) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
				mu.Unlock()
				return nil
			}
			got, err := backend.Store(gctx, data)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
				return nil
			}
			if got != id {
				m.log.Warn("Inconsistent content id from backend",
					slog.String("backend_name", backend.Name()),
					slog.String("expected_id", id.String()),
					slog.String("actual_id", got.String()))
				return nil
			}
			stored++
			return nil
		})
	}
	_ = g.Wait()

	if stored == 0 {
		m.log.Error("All backends failed to store blob",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return id, fmt.Errorf("all backends failed to store blob: %w", errors.Join(errs...))
	}
	if len(errs) > 0 {
		m.log.Warn("Some backends failed to store blob",
			slog.String("content_id", id.String()),
			"err", errors.Join(errs...))
	}
	return id, nil
}

func (m *MultiStore) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStore) Name() string {
	return "multi-storage"
}

func (m *MultiStore) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
