package restore

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/ruteri/keyset-restore/backup"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/ruteri/keyset-restore/metrics"
)

// RecoveredShare is a node's raw prior-network share of one root key,
// unblinded and verified against the prior commitments. The secret is
// owned by whoever holds the RecoveredShare and must be wiped by them.
type RecoveredShare struct {
	Keyset       interfaces.KeysetID
	RootKey      interfaces.RootKey
	OldIndex     uint32
	OldThreshold int
	Commitments  [][]byte
	Secret       *cryptoutils.SecretScalar
}

// Ref returns the root key reference.
func (r *RecoveredShare) Ref() interfaces.KeyRef {
	return interfaces.KeyRef{Keyset: r.Keyset, Key: r.RootKey.ID()}
}

// ShareSink takes ownership of recovered shares.
type ShareSink interface {
	Stage(ctx context.Context, share *RecoveredShare) error
}

type jobState int

const (
	jobScheduled jobState = iota + 1
	jobDone
)

// Reconstructor turns threshold-ready root keys into recovered shares on a
// bounded worker pool. At most one job per root key is ever queued; extra
// triggers coalesce.
type Reconstructor struct {
	log      *slog.Logger
	store    *CiphertextStore
	pool     *SharePool
	progress *Progress
	sink     ShareSink
	metrics  *metrics.Collector
	wp       *workerpool.WorkerPool

	mu   sync.Mutex
	jobs map[interfaces.KeyRef]jobState
	// generation is bumped by Reset; jobs from an older generation drop
	// their result.
	generation uint64
}

// NewReconstructor wires the reconstructor to its inputs and subscribes
// it to pool thresholds and bundle uploads.
func NewReconstructor(store *CiphertextStore, pool *SharePool, progress *Progress, sink ShareSink, workers int, collector *metrics.Collector, log *slog.Logger) *Reconstructor {
	if workers < 1 {
		workers = 1
	}
	r := &Reconstructor{
		log:      log,
		store:    store,
		pool:     pool,
		progress: progress,
		sink:     sink,
		metrics:  collector,
		wp:       workerpool.New(workers),
		jobs:     make(map[interfaces.KeyRef]jobState),
	}
	pool.OnThreshold(r.Trigger)
	store.OnBundle(r.TriggerKeyset)
	return r
}

// Trigger schedules ref if its pool is at threshold and the store holds
// its entry and blinders.
func (r *Reconstructor) Trigger(ref interfaces.KeyRef) {
	if r.pool.Count(ref) < r.pool.Party().Threshold {
		return
	}
	if !r.store.HasBlinders(ref.Keyset) || !r.store.HasBundle(ref.Keyset) {
		return
	}
	if r.store.Quarantined(ref.Keyset) != nil {
		return
	}

	r.mu.Lock()
	if _, busy := r.jobs[ref]; busy {
		r.mu.Unlock()
		return
	}
	r.jobs[ref] = jobScheduled
	gen := r.generation
	r.mu.Unlock()

	r.progress.Advance(ref, interfaces.StageThresholdReady)
	r.wp.Submit(func() { r.run(ref, gen) })
}

// TriggerKeyset schedules every threshold-ready root key of keyset.
func (r *Reconstructor) TriggerKeyset(keyset interfaces.KeysetID) {
	for _, ref := range r.pool.Ready() {
		if ref.Keyset == keyset {
			r.Trigger(ref)
		}
	}
}

// TriggerAll schedules every threshold-ready root key.
func (r *Reconstructor) TriggerAll() {
	for _, ref := range r.pool.Ready() {
		r.Trigger(ref)
	}
}

func (r *Reconstructor) run(ref interfaces.KeyRef, gen uint64) {
	log := r.log.With("keyset", ref.Keyset, "rootKey", ref.Key.String())
	r.progress.Advance(ref, interfaces.StageReconstructing)

	// Reconstruction is never cancelled once started.
	share, err := r.reconstruct(ref)

	r.mu.Lock()
	stale := gen != r.generation
	switch {
	case stale:
	case err == nil || interfaces.KindOf(err).Fatal():
		r.jobs[ref] = jobDone
	default:
		delete(r.jobs, ref)
	}
	r.mu.Unlock()

	if stale {
		if share != nil {
			share.Secret.Wipe()
		}
		log.Info("Dropping result of reconstruction started before reset")
		return
	}

	if err == nil {
		err = r.sink.Stage(context.Background(), share)
		if err != nil {
			share.Secret.Wipe()
		}
	}

	if err != nil {
		r.metrics.Reconstructed(ref.Key.Curve.String(), metrics.ResultFailed)
		if interfaces.KindOf(err).Fatal() {
			log.Error("Reconstruction failed", "kind", interfaces.KindOf(err).String(), "err", err)
			r.progress.Fail(ref, err)
			r.store.Quarantine(ref.Keyset, err)
			return
		}
		log.Warn("Reconstruction deferred", "err", err)
		r.mu.Lock()
		delete(r.jobs, ref)
		r.mu.Unlock()
		r.progress.Revert(ref, interfaces.StageThresholdReady)
		return
	}

	r.pool.Consume(ref)
	r.store.Consume(ref)
	r.metrics.Reconstructed(ref.Key.Curve.String(), metrics.ResultOK)
	r.progress.Advance(ref, interfaces.StageReconstructed)
	log.Info("Root key share reconstructed", "nodeIndex", share.OldIndex)
}

// reconstruct decrypts and unblinds this node's share of ref. Every
// intermediate secret lives in the scope and is wiped on return.
func (r *Reconstructor) reconstruct(ref interfaces.KeyRef) (*RecoveredShare, error) {
	scope := cryptoutils.NewScope()
	defer scope.Wipe()

	mat, err := r.store.Material(ref)
	if err != nil {
		return nil, err
	}
	defer mat.Wipe()

	selected, err := r.pool.Select(ref)
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range selected {
			selected[i].Share.Wipe()
		}
	}()

	g, err := cryptoutils.GroupFor(ref.Key.Curve)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err)
	}

	xs := make([]uint32, len(selected))
	ys := make([]*big.Int, len(selected))
	for i, s := range selected {
		xs[i] = s.Member
		y, err := cryptoutils.ScalarFromSecret(g, s.Share)
		if err != nil {
			return nil, err
		}
		ys[i] = scope.Track(y)
	}
	k, err := cryptoutils.InterpolateAtZero(g, xs, ys)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err)
	}
	scope.Track(k)

	K, err := g.DecodePoint(mat.DecryptionKeyCommitment)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption key commitment: %v", interfaces.ErrCryptoFailure, err)
	}
	if !g.BaseMul(k).Equal(K) {
		return nil, fmt.Errorf("%w: combined decryption shares do not match the decryption key commitment", interfaces.ErrCryptoFailure)
	}

	pad := scope.Track(backup.DerivePad(g, k, ref.Keyset, ref.Key, mat.NodeIndex))
	c, err := cryptoutils.ScalarFromSecret(g, mat.Ciphertext)
	if err != nil {
		return nil, err
	}
	scope.Track(c)
	m := scope.Int()
	m.Sub(c, pad)
	m.Mod(m, g.Order())

	b, err := cryptoutils.ScalarFromSecret(g, mat.Blinder)
	if err != nil {
		return nil, err
	}
	scope.Track(b)

	commitments, err := cryptoutils.DecodePoints(g, mat.Commitments)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCryptoFailure, err)
	}
	expected := g.Add(cryptoutils.EvalCommitments(g, commitments, mat.NodeIndex), g.BaseMul(b))
	if !g.BaseMul(m).Equal(expected) {
		return nil, fmt.Errorf("%w: decrypted share of node %d does not match prior commitments", interfaces.ErrCryptoFailure, mat.NodeIndex)
	}

	s := scope.Int()
	s.Sub(m, b)
	s.Mod(s, g.Order())

	return &RecoveredShare{
		Keyset:       ref.Keyset,
		RootKey:      mat.RootKey,
		OldIndex:     mat.NodeIndex,
		OldThreshold: mat.OldThreshold,
		Commitments:  mat.Commitments,
		Secret:       cryptoutils.NewSecretScalar(s),
	}, nil
}

// Reset forgets every job. Jobs already running finish, but their results
// are wiped instead of staged.
func (r *Reconstructor) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generation++
	r.jobs = make(map[interfaces.KeyRef]jobState)
}

// ResetKeyset forgets the jobs of one keyset so they can be scheduled
// again after its material is replaced.
func (r *Reconstructor) ResetKeyset(keyset interfaces.KeysetID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ref := range r.jobs {
		if ref.Keyset == keyset {
			delete(r.jobs, ref)
		}
	}
}

// Stop waits for queued jobs to finish.
func (r *Reconstructor) Stop() {
	r.wp.StopWait()
}
