package rebind

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ruteri/keyset-restore/backup"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/ruteri/keyset-restore/metrics"
	"github.com/ruteri/keyset-restore/restore"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Config configures a Rebinder.
type Config struct {
	DataDir string
	// Key is the node's communication key. Its address must appear in the
	// target committee and its public key is what peers encrypt to.
	Key         *ecdsa.PrivateKey
	PeerTimeout time.Duration
	MaxRetries  uint64
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Parallelism bounds how many root keys are rebound at once.
	Parallelism int
	// MaxBufferedKeys bounds how many root keys' deals are held at once.
	MaxBufferedKeys int
}

func (c *Config) setDefaults() {
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	if c.Parallelism < 1 {
		c.Parallelism = 4
	}
	if c.MaxBufferedKeys < 1 {
		c.MaxBufferedKeys = 1024
	}
}

// Rebinder reshares recovered prior-network shares to the committee of the
// target epoch and persists the resulting key shares.
type Rebinder struct {
	cfg       Config
	self      common.Address
	chain     interfaces.ChainReader
	transport Transport
	progress  *restore.Progress
	metrics   *metrics.Collector
	log       *slog.Logger

	committees *lru.Cache[uint64, *interfaces.Committee]
	inbox      *inbox

	mu     sync.Mutex
	staged map[interfaces.KeyRef]*restore.RecoveredShare
}

func NewRebinder(cfg Config, chain interfaces.ChainReader, transport Transport, progress *restore.Progress, collector *metrics.Collector, log *slog.Logger) (*Rebinder, error) {
	if cfg.Key == nil {
		return nil, errors.New("rebinder requires a node key")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("rebinder requires a data dir")
	}
	cfg.setDefaults()
	committees, err := lru.New[uint64, *interfaces.Committee](16)
	if err != nil {
		return nil, err
	}
	deals, err := newInbox(cfg.MaxBufferedKeys)
	if err != nil {
		return nil, err
	}
	return &Rebinder{
		cfg:        cfg,
		self:       crypto.PubkeyToAddress(cfg.Key.PublicKey),
		chain:      chain,
		transport:  transport,
		progress:   progress,
		metrics:    collector,
		log:        log,
		committees: committees,
		inbox:      deals,
		staged:     make(map[interfaces.KeyRef]*restore.RecoveredShare),
	}, nil
}

// Address returns the node address deals are signed with.
func (r *Rebinder) Address() common.Address {
	return r.self
}

// Stage takes ownership of a recovered share until it is rebound. The
// share is sealed to disk first so a restart does not lose it.
func (r *Rebinder) Stage(ctx context.Context, share *restore.RecoveredShare) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := writeStaged(r.cfg.DataDir, r.cfg.Key, share); err != nil {
		return fmt.Errorf("%w: sealing staged share of %s: %v", interfaces.ErrTransientIO, share.Ref(), err)
	}
	if old, ok := r.staged[share.Ref()]; ok {
		old.Secret.Wipe()
	}
	r.staged[share.Ref()] = share
	return nil
}

// Load reopens the shares sealed by Stage before a restart. Shares that
// cannot be opened are skipped and reported in the returned error.
func (r *Rebinder) Load() error {
	shares, err := readStaged(r.cfg.DataDir, r.cfg.Key)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, share := range shares {
		if old, ok := r.staged[share.Ref()]; ok {
			old.Secret.Wipe()
		}
		r.staged[share.Ref()] = share
		r.log.Info("Staged share reloaded", "keyset", share.Keyset, "rootKey", share.RootKey.ID().String())
	}
	return err
}

// Staged reports whether a recovered share of ref is held.
func (r *Rebinder) Staged(ref interfaces.KeyRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.staged[ref]
	return ok
}

func (r *Rebinder) stagedShare(ref interfaces.KeyRef) *restore.RecoveredShare {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.staged[ref]
}

func (r *Rebinder) unstage(ref interfaces.KeyRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(ref)
}

// dropLocked wipes the staged share of ref and its sealed copy.
func (r *Rebinder) dropLocked(ref interfaces.KeyRef) {
	if share, ok := r.staged[ref]; ok {
		share.Secret.Wipe()
		delete(r.staged, ref)
	}
	if err := removeStaged(r.cfg.DataDir, ref); err != nil {
		r.log.Error("Could not remove sealed staged share", "keyset", ref.Keyset, "rootKey", ref.Key.String(), "err", err)
	}
}

// Reset wipes every staged share and buffered deal.
func (r *Rebinder) Reset() {
	r.mu.Lock()
	for ref := range r.staged {
		r.dropLocked(ref)
	}
	r.mu.Unlock()
	if err := os.RemoveAll(stagedDir(r.cfg.DataDir)); err != nil {
		r.log.Error("Could not remove staged shares", "err", err)
	}
	r.inbox.reset()
}

// Discard wipes the staged shares and deals of one keyset.
func (r *Rebinder) Discard(keyset interfaces.KeysetID) {
	r.mu.Lock()
	for ref := range r.staged {
		if ref.Keyset == keyset {
			r.dropLocked(ref)
		}
	}
	r.mu.Unlock()
	r.inbox.clearKeyset(keyset)
}

// Deliver accepts a deal from a peer. Only deals addressed to this node
// and signed by a member of the deal epoch's committee are buffered.
func (r *Rebinder) Deliver(ctx context.Context, msg *DealMessage) error {
	if err := msg.Verify(); err != nil {
		return err
	}
	if msg.Recipient != r.self {
		return fmt.Errorf("%w: deal addressed to %s", interfaces.ErrMalformedInput, msg.Recipient.Hex())
	}
	committee, err := r.committee(ctx, msg.Epoch)
	if err != nil {
		return err
	}
	if !committee.Contains(msg.Dealer) {
		return fmt.Errorf("%w: dealer %s not in committee of epoch %d", interfaces.ErrVerificationFailed, msg.Dealer.Hex(), msg.Epoch)
	}
	r.inbox.put(msg)
	r.log.Debug("Deal received", "keyset", msg.Keyset, "rootKey", msg.Ref().Key.String(), "epoch", msg.Epoch, "dealer", msg.Dealer.Hex())
	return nil
}

func (r *Rebinder) backoff() retry.Backoff {
	b := retry.NewExponential(r.cfg.BackoffBase)
	b = retry.WithCappedDuration(r.cfg.BackoffCap, b)
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(r.cfg.MaxRetries, b)
}

// withRetry retries fn while it fails with TransientIO.
func (r *Rebinder) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && interfaces.KindOf(err) == interfaces.KindTransientIO {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (r *Rebinder) committee(ctx context.Context, epoch uint64) (*interfaces.Committee, error) {
	if c, ok := r.committees.Get(epoch); ok {
		return c, nil
	}
	c, err := r.chain.Committee(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("%w: reading committee of epoch %d: %v", interfaces.ErrTransientIO, epoch, err)
	}
	if c.Threshold < 1 || c.Threshold > len(c.Members) {
		return nil, fmt.Errorf("%w: committee of epoch %d has threshold %d of %d", interfaces.ErrInvariantViolation, epoch, c.Threshold, len(c.Members))
	}
	r.committees.Add(epoch, c)
	return c, nil
}

// Run rebinds every tracked, not yet persisted root key of keysets to the
// committee of epoch. It returns once each key is persisted or has failed;
// keys that failed for transient reasons stay eligible for another Run.
func (r *Rebinder) Run(ctx context.Context, epoch uint64, keysets []interfaces.KeysetID) error {
	var committee *interfaces.Committee
	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		committee, err = r.committee(ctx, epoch)
		return err
	})
	if err != nil {
		return err
	}
	selfIndex := committee.IndexOf(r.self)
	if selfIndex == 0 {
		return fmt.Errorf("%w: node %s is not in the committee of epoch %d", interfaces.ErrInvalidState, r.self.Hex(), epoch)
	}

	var (
		eg     errgroup.Group
		errsMu sync.Mutex
		errs   []error
	)
	addErr := func(err error) {
		errsMu.Lock()
		defer errsMu.Unlock()
		errs = append(errs, err)
	}
	eg.SetLimit(r.cfg.Parallelism)
	// Every node walks keys in the same order so bounded parallelism
	// cannot leave two nodes waiting on each other's next key.
	ordered := append([]interfaces.KeysetID{}, keysets...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	for _, keyset := range ordered {
		var onchain []interfaces.RootKey
		err := r.withRetry(ctx, func(ctx context.Context) error {
			var err error
			onchain, err = r.chain.RootKeys(ctx, keyset)
			if err != nil {
				return fmt.Errorf("%w: reading root keys of %s: %v", interfaces.ErrTransientIO, keyset, err)
			}
			return nil
		})
		if err != nil {
			addErr(err)
			continue
		}
		byID := make(map[interfaces.RootKeyID]interfaces.RootKey, len(onchain))
		for _, rk := range onchain {
			byID[rk.ID()] = rk
		}

		for _, id := range r.progress.Keys(keyset) {
			ref := interfaces.KeyRef{Keyset: keyset, Key: id}
			switch r.progress.Stage(ref) {
			case interfaces.StagePersisted, interfaces.StageFailed:
				continue
			}
			rk, ok := byID[id]
			if !ok {
				err := fmt.Errorf("%w: root key %s no longer on chain", interfaces.ErrInvariantViolation, ref)
				r.progress.Fail(ref, err)
				addErr(err)
				continue
			}
			eg.Go(func() error {
				if err := r.rebindKey(ctx, committee, selfIndex, ref, rk); err != nil {
					addErr(err)
				}
				return nil
			})
		}
	}
	_ = eg.Wait()
	errsMu.Lock()
	defer errsMu.Unlock()
	return errors.Join(errs...)
}

func (r *Rebinder) rebindKey(ctx context.Context, committee *interfaces.Committee, selfIndex uint32, ref interfaces.KeyRef, rk interfaces.RootKey) error {
	log := r.log.With("keyset", ref.Keyset, "rootKey", ref.Key.String(), "curve", ref.Key.Curve.String(), "epoch", committee.Epoch, "newIndex", selfIndex)
	start := time.Now()
	err := r.withRetry(ctx, func(ctx context.Context) error {
		err := r.rebindOnce(ctx, committee, selfIndex, ref, rk)
		if err != nil && interfaces.KindOf(err) == interfaces.KindTransientIO {
			log.Warn("Rebind attempt failed, retrying", "err", err)
		}
		return err
	})

	kind := "none"
	if err != nil {
		kind = interfaces.KindOf(err).String()
	}
	r.metrics.Rebound(ref.Key.Curve.String(), metrics.Result(err), kind, time.Since(start))

	switch {
	case err == nil:
		log.Info("Root key share rebound and persisted", "duration", time.Since(start))
	case interfaces.KindOf(err).Fatal():
		log.Error("Rebind failed", "kind", interfaces.KindOf(err).String(), "err", err)
		r.progress.Fail(ref, err)
		r.unstage(ref)
	default:
		log.Warn("Rebind incomplete", "err", err)
	}
	return err
}

func (r *Rebinder) rebindOnce(ctx context.Context, committee *interfaces.Committee, selfIndex uint32, ref interfaces.KeyRef, rk interfaces.RootKey) error {
	persisted := false
	if f, err := backup.ReadShareFile(r.cfg.DataDir, ref.Keyset, ref.Key, committee.Epoch); err == nil {
		f.Wipe()
		persisted = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: reading share file: %v", interfaces.ErrTransientIO, err)
	}

	share := r.stagedShare(ref)
	if share == nil {
		if persisted {
			r.finish(ref, committee.Epoch)
			return nil
		}
		return fmt.Errorf("%w: no recovered share staged for %s", interfaces.ErrInvalidState, ref)
	}

	g, err := cryptoutils.GroupFor(ref.Key.Curve)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err)
	}

	// Peers still need our deal even when our own file survived a restart.
	if err := r.deal(ctx, g, committee, share); err != nil {
		return err
	}
	if persisted {
		r.finish(ref, committee.Epoch)
		return nil
	}

	deals, err := r.await(ctx, ref, committee)
	if err != nil {
		return err
	}
	file, err := r.combine(g, committee, selfIndex, share, rk, deals)
	if err != nil {
		return err
	}
	defer file.Wipe()

	if err := backup.WriteShareFile(r.cfg.DataDir, file); err != nil {
		return fmt.Errorf("%w: writing share file: %v", interfaces.ErrTransientIO, err)
	}
	r.finish(ref, committee.Epoch)
	return nil
}

// finish marks ref persisted and drops its staged material. Only called
// once the share file is durable.
func (r *Rebinder) finish(ref interfaces.KeyRef, epoch uint64) {
	r.unstage(ref)
	r.inbox.clear(ref, epoch)
	r.progress.Advance(ref, interfaces.StagePersisted)
}

// deal derives this node's resharing polynomial and sends one evaluation
// to every committee member, including itself. The polynomial is derived
// from the share and its context so repeated deals are identical.
func (r *Rebinder) deal(ctx context.Context, g cryptoutils.Group, committee *interfaces.Committee, share *restore.RecoveredShare) error {
	ref := share.Ref()
	var poly *cryptoutils.Polynomial
	ok := share.Secret.Use(func(s *big.Int) {
		poly = cryptoutils.DerivePolynomial(g, reshareDomain, s, committee.Threshold-1,
			[]byte(ref.Keyset),
			[]byte{byte(ref.Key.Curve)},
			cryptoutils.Uint32Bytes(ref.Key.Index),
			cryptoutils.Uint64Bytes(committee.Epoch),
		)
	})
	if !ok {
		return fmt.Errorf("%w: staged share of %s was wiped", interfaces.ErrInvalidState, ref)
	}
	defer poly.Wipe()

	commitments := cryptoutils.EncodePoints(poly.Commit(g))
	msgs := make([]*DealMessage, len(committee.Members))
	for j, member := range committee.Members {
		msg := &DealMessage{
			Keyset:         ref.Keyset,
			Curve:          ref.Key.Curve,
			RootKeyIndex:   ref.Key.Index,
			Epoch:          committee.Epoch,
			Dealer:         r.self,
			DealerOldIndex: share.OldIndex,
			Recipient:      member.Address,
		}
		for _, c := range commitments {
			msg.Commitments = append(msg.Commitments, hexutil.Bytes(c))
		}

		pub, err := cryptoutils.ParseNodePublicKey(member.PublicKey)
		if err != nil {
			return fmt.Errorf("%w: communication key of %s: %v", interfaces.ErrInvariantViolation, member.Address.Hex(), err)
		}
		x := poly.Eval(uint32(j + 1))
		eval := cryptoutils.SecretFromInt(x)
		cryptoutils.WipeInt(x)
		var ct []byte
		eval.Use(func(v *interfaces.Scalar) { ct, err = cryptoutils.EncryptTo(pub, v[:], msg.associatedData()) })
		eval.Wipe()
		if err != nil {
			return fmt.Errorf("encrypting evaluation for %s: %w", member.Address.Hex(), err)
		}
		msg.EncryptedEval = ct
		if err := msg.Sign(r.cfg.Key); err != nil {
			return err
		}
		msgs[j] = msg
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for j, member := range committee.Members {
		msg := msgs[j]
		if member.Address == r.self {
			r.inbox.put(msg)
			continue
		}
		eg.Go(func() error {
			if err := r.transport.Send(egCtx, member, msg); err != nil {
				if interfaces.KindOf(err) == interfaces.KindUnknown {
					return fmt.Errorf("%w: sending deal to %s: %v", interfaces.ErrTransientIO, member.Address.Hex(), err)
				}
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

// await blocks until every committee member's deal for ref is buffered.
func (r *Rebinder) await(ctx context.Context, ref interfaces.KeyRef, committee *interfaces.Committee) (map[common.Address]*DealMessage, error) {
	timer := time.NewTimer(r.cfg.PeerTimeout)
	defer timer.Stop()
	for {
		deals, held, changed := r.inbox.collect(ref, committee)
		if deals != nil {
			return deals, nil
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil, fmt.Errorf("%w: %d of %d deals for %s after %s", interfaces.ErrPeerTimeout, held, len(committee.Members), ref, r.cfg.PeerTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// combine verifies every deal and sums them into this node's share under
// the new committee.
func (r *Rebinder) combine(g cryptoutils.Group, committee *interfaces.Committee, selfIndex uint32, share *restore.RecoveredShare, rk interfaces.RootKey, deals map[common.Address]*DealMessage) (*backup.ShareFile, error) {
	scope := cryptoutils.NewScope()
	defer scope.Wipe()

	prior, err := cryptoutils.DecodePoints(g, share.Commitments)
	if err != nil {
		return nil, fmt.Errorf("%w: prior commitments: %v", interfaces.ErrCryptoFailure, err)
	}

	var (
		xs      []uint32
		evals   []*big.Int
		columns = make([][]cryptoutils.Point, committee.Threshold)
		seen    = make(map[uint32]common.Address)
	)
	for _, member := range committee.Members {
		msg := deals[member.Address]
		if err := msg.Verify(); err != nil {
			return nil, fmt.Errorf("%w: deal from %s: %v", interfaces.ErrCryptoFailure, member.Address.Hex(), err)
		}
		if other, dup := seen[msg.DealerOldIndex]; dup {
			return nil, fmt.Errorf("%w: dealers %s and %s both claim prior index %d", interfaces.ErrCryptoFailure, other.Hex(), msg.Dealer.Hex(), msg.DealerOldIndex)
		}
		seen[msg.DealerOldIndex] = msg.Dealer

		raw := make([][]byte, len(msg.Commitments))
		for i, c := range msg.Commitments {
			raw[i] = c
		}
		H, err := cryptoutils.DecodePoints(g, raw)
		if err != nil || len(H) != committee.Threshold {
			return nil, fmt.Errorf("%w: dealer %s sent %d malformed commitments", interfaces.ErrCryptoFailure, msg.Dealer.Hex(), len(raw))
		}
		if !H[0].Equal(cryptoutils.EvalCommitments(g, prior, msg.DealerOldIndex)) {
			return nil, fmt.Errorf("%w: dealer %s did not reshare its prior share %d", interfaces.ErrCryptoFailure, msg.Dealer.Hex(), msg.DealerOldIndex)
		}

		plain, err := cryptoutils.DecryptWith(r.cfg.Key, msg.EncryptedEval, msg.associatedData())
		if err != nil {
			return nil, fmt.Errorf("%w: decrypting evaluation from %s: %v", interfaces.ErrCryptoFailure, msg.Dealer.Hex(), err)
		}
		scope.TrackBytes(plain)
		held, err := interfaces.SecretFromBytes(plain)
		if err != nil {
			return nil, fmt.Errorf("%w: evaluation from %s has %d bytes", interfaces.ErrCryptoFailure, msg.Dealer.Hex(), len(plain))
		}
		v, err := cryptoutils.ScalarFromSecret(g, held)
		held.Wipe()
		if err != nil {
			return nil, fmt.Errorf("%w: evaluation from %s out of range", interfaces.ErrCryptoFailure, msg.Dealer.Hex())
		}
		scope.Track(v)
		if !cryptoutils.VerifyShare(g, H, selfIndex, v) {
			return nil, fmt.Errorf("%w: evaluation from %s does not match its commitments", interfaces.ErrCryptoFailure, msg.Dealer.Hex())
		}

		xs = append(xs, msg.DealerOldIndex)
		evals = append(evals, v)
		for k := range columns {
			columns[k] = append(columns[k], H[k])
		}
	}
	if len(xs) < share.OldThreshold {
		return nil, fmt.Errorf("%w: committee holds %d prior shares, %d needed", interfaces.ErrInvariantViolation, len(xs), share.OldThreshold)
	}

	newShare, err := cryptoutils.InterpolateAtZero(g, xs, evals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCryptoFailure, err)
	}
	scope.Track(newShare)

	commitments := make([]cryptoutils.Point, len(columns))
	for k, col := range columns {
		if commitments[k], err = cryptoutils.InterpolatePointsAtZero(g, xs, col); err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrCryptoFailure, err)
		}
	}

	groupKey, err := g.DecodePoint(rk.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: on-chain key: %v", interfaces.ErrInvariantViolation, err)
	}
	if !commitments[0].Equal(groupKey) {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrCommitmentMismatch, share.Ref())
	}
	if !cryptoutils.VerifyShare(g, commitments, selfIndex, newShare) {
		return nil, fmt.Errorf("%w: combined share does not match combined commitments", interfaces.ErrCryptoFailure)
	}

	return &backup.ShareFile{
		Keyset:      share.Keyset,
		RootKey:     rk,
		Epoch:       committee.Epoch,
		Index:       selfIndex,
		Threshold:   uint32(committee.Threshold),
		Share:       cryptoutils.SecretFromInt(newShare),
		Commitments: cryptoutils.EncodePoints(commitments),
	}, nil
}
