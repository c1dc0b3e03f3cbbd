package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ruteri/keyset-restore/backup"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/ruteri/keyset-restore/metrics"
	"github.com/ruteri/keyset-restore/rebind"
	"github.com/ruteri/keyset-restore/restore"
	"go.uber.org/atomic"
)

// AbortMode selects what an administrative abort does with restore
// material.
type AbortMode string

const (
	// AbortDiscard zeroizes and forgets all restore material.
	AbortDiscard AbortMode = "discard"
	// AbortRetain keeps the material for a later Restore.
	AbortRetain AbortMode = "retain"
)

// ParseAbortMode validates an abort mode.
func ParseAbortMode(s string) (AbortMode, error) {
	switch AbortMode(s) {
	case AbortDiscard, AbortRetain:
		return AbortMode(s), nil
	default:
		return "", fmt.Errorf("%w: abort mode %q", interfaces.ErrMalformedInput, s)
	}
}

// Hooks let the node suspend and resume its active-phase duties.
type Hooks struct {
	Suspend func(ctx context.Context)
	Resume  func(ctx context.Context)
}

type Config struct {
	// Keysets are the keysets this node hosts.
	Keysets      []interfaces.KeysetID
	PollInterval time.Duration
	// DataDir holds lifecycle.state. Empty disables persistence.
	DataDir string
}

// Components are the restore pipeline the controller drives.
type Components struct {
	Chain         interfaces.ChainReader
	Store         *restore.CiphertextStore
	Pool          *restore.SharePool
	Reconstructor *restore.Reconstructor
	Rebinder      *rebind.Rebinder
	Progress      *restore.Progress
	Rejoiner      *Rejoiner
}

// Controller runs the node-local restore lifecycle. The on-chain network
// state is the only gate for accepting inputs; local state tracks how far
// this node got.
type Controller struct {
	cfg     Config
	c       Components
	hooks   Hooks
	metrics *metrics.Collector
	log     *slog.Logger

	kick      chan struct{}
	rebinding atomic.Bool
	rejoining atomic.Bool

	mu           sync.Mutex
	state        interfaces.LifecycleState
	aborted      bool
	retained     bool
	registered   bool
	targetEpoch  uint64
	rebindCancel context.CancelFunc
	rejoinCancel context.CancelFunc
	// saved is what lifecycle.state last recorded.
	saved savedState
}

func NewController(cfg Config, c Components, hooks Hooks, collector *metrics.Collector, log *slog.Logger) (*Controller, error) {
	if len(cfg.Keysets) == 0 {
		return nil, errors.New("controller requires at least one hosted keyset")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	ctl := &Controller{
		cfg:     cfg,
		c:       c,
		hooks:   hooks,
		metrics: collector,
		log:     log,
		kick:    make(chan struct{}, 1),
		state:   interfaces.StateActive,
	}
	c.Progress.Subscribe(ctl.wake)
	collector.LifecycleState(int(interfaces.StateActive))
	return ctl, nil
}

// wake schedules an immediate poll.
func (ctl *Controller) wake() {
	select {
	case ctl.kick <- struct{}{}:
	default:
	}
}

// Keysets returns the hosted keysets.
func (ctl *Controller) Keysets() []interfaces.KeysetID {
	return append([]interfaces.KeysetID{}, ctl.cfg.Keysets...)
}

// Hosts reports whether keyset is hosted by this node.
func (ctl *Controller) Hosts(keyset interfaces.KeysetID) bool {
	for _, k := range ctl.cfg.Keysets {
		if k == keyset {
			return true
		}
	}
	return false
}

// State returns the current local state.
func (ctl *Controller) State() interfaces.LifecycleState {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.state
}

// Reload restores the state saved before a restart and re-derives root
// key progress from the staged shares and share files that survived it.
// Call it once, after the ciphertext store is loaded and before Run.
func (ctl *Controller) Reload(ctx context.Context) error {
	if ctl.cfg.DataDir == "" {
		return nil
	}
	saved, err := readState(ctl.cfg.DataDir)
	if errors.Is(err, os.ErrNotExist) {
		saved = savedState{State: interfaces.StateActive}
	} else if err != nil {
		return fmt.Errorf("reading lifecycle state: %w", err)
	}
	if err := ctl.c.Rebinder.Load(); err != nil {
		ctl.log.Error("Some staged shares could not be reopened", "err", err)
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	defer ctl.reportLocked()

	ctl.saved = saved
	ctl.state = saved.State
	ctl.targetEpoch = saved.TargetEpoch
	ctl.aborted = saved.Aborted
	ctl.retained = saved.Retained
	ctl.registered = saved.Registered

	if ctl.state == interfaces.StateActive {
		if !ctl.retained {
			// leftovers of a restore that already finished
			ctl.c.Rebinder.Reset()
		}
		return nil
	}

	ctl.log.Info("Resuming lifecycle after restart", "state", ctl.state.String(), "targetEpoch", ctl.targetEpoch, "registered", ctl.registered)
	if ctl.hooks.Suspend != nil {
		ctl.hooks.Suspend(ctx)
	}
	ctl.trackLocked(ctx)
	if ctl.state == interfaces.StateRestoreReady && !ctl.c.Progress.AllAtLeast(ctl.cfg.Keysets, interfaces.StageReconstructed) {
		ctl.setStateLocked(interfaces.StateRestore)
	}
	if ctl.state == interfaces.StateRestore {
		ctl.c.Reconstructor.TriggerAll()
	}
	return nil
}

// Run polls the chain until ctx is done.
func (ctl *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(ctl.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := ctl.Poll(ctx); err != nil && ctx.Err() == nil {
			ctl.log.Warn("Lifecycle poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			ctl.stopWork()
			return ctx.Err()
		case <-ticker.C:
		case <-ctl.kick:
		}
	}
}

func (ctl *Controller) readChain(ctx context.Context) (interfaces.NetworkState, uint64, error) {
	network, err := ctl.c.Chain.NetworkState(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading network state: %v", interfaces.ErrTransientIO, err)
	}
	epoch, err := ctl.c.Chain.CurrentEpoch(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading epoch: %v", interfaces.ErrTransientIO, err)
	}
	return network, epoch, nil
}

// Poll reads the chain once and applies every transition it allows.
func (ctl *Controller) Poll(ctx context.Context) error {
	network, epoch, err := ctl.readChain(ctx)
	if err != nil {
		return err
	}

	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	defer ctl.reportLocked()

	for {
		before := ctl.state
		if err := ctl.stepLocked(ctx, network, epoch); err != nil {
			return err
		}
		if ctl.state == before {
			return nil
		}
	}
}

func (ctl *Controller) stepLocked(ctx context.Context, network interfaces.NetworkState, epoch uint64) error {
	restoring := network == interfaces.NetworkRestore

	switch ctl.state {
	case interfaces.StateActive:
		if restoring {
			ctl.enterRestoreLocked(ctx)
		}

	case interfaces.StateRestore:
		if restoring {
			if ctl.aborted {
				ctl.log.Info("Network back in Restore, resuming")
				ctl.aborted = false
			}
			ctl.trackLocked(ctx)
		}
		if ctl.c.Progress.AllAtLeast(ctl.cfg.Keysets, interfaces.StageReconstructed) {
			ctl.setStateLocked(interfaces.StateRestoreReady)
			return nil
		}
		if !restoring && !ctl.aborted {
			ctl.aborted = true
			ctl.log.Warn("Network left Restore before this node reconstructed every root key", "network", network.String())
		}

	case interfaces.StateRestoreReady:
		if !restoring {
			ctl.targetEpoch = epoch
			ctl.registered = false
			ctl.setStateLocked(interfaces.StateRebinding)
		}

	case interfaces.StateRebinding:
		ctl.trackLocked(ctx)
		if ctl.c.Progress.AllAtLeast(ctl.cfg.Keysets, interfaces.StagePersisted) {
			ctl.setStateLocked(interfaces.StateRejoining)
			return nil
		}
		ctl.startRebindLocked()

	case interfaces.StateRejoining:
		ctl.trackLocked(ctx)
		if !ctl.registered {
			// registration wakes the controller when it lands
			ctl.startRejoinLocked()
			return nil
		}
		if epoch <= ctl.targetEpoch {
			return nil
		}
		committee, err := ctl.c.Chain.Committee(ctx, epoch)
		if err != nil {
			return fmt.Errorf("%w: reading committee of epoch %d: %v", interfaces.ErrTransientIO, epoch, err)
		}
		if !committee.Contains(ctl.c.Rejoiner.Wallet()) {
			return nil
		}
		return ctl.transitionActiveLocked(ctx)
	}
	return nil
}

func (ctl *Controller) setStateLocked(s interfaces.LifecycleState) {
	if ctl.state == s {
		return
	}
	ctl.log.Info("Lifecycle transition", "from", ctl.state.String(), "to", s.String(), "targetEpoch", ctl.targetEpoch)
	ctl.state = s
}

func (ctl *Controller) reportLocked() {
	ctl.saveLocked()
	ctl.metrics.LifecycleState(int(ctl.state))
	quarantined := 0
	for _, k := range ctl.cfg.Keysets {
		if ctl.c.Store.Quarantined(k) != nil {
			quarantined++
		}
	}
	ctl.metrics.QuarantinedKeysets(quarantined)
}

// saveLocked writes lifecycle.state when it changed. A failed write is
// retried on the next report.
func (ctl *Controller) saveLocked() {
	if ctl.cfg.DataDir == "" {
		return
	}
	now := savedState{
		State:       ctl.state,
		TargetEpoch: ctl.targetEpoch,
		Aborted:     ctl.aborted,
		Retained:    ctl.retained,
		Registered:  ctl.registered,
	}
	if now == ctl.saved {
		return
	}
	if err := writeState(ctl.cfg.DataDir, now); err != nil {
		ctl.log.Error("Could not save lifecycle state", "state", now.State.String(), "err", err)
		return
	}
	ctl.saved = now
}

func (ctl *Controller) enterRestoreLocked(ctx context.Context) {
	if ctl.hooks.Suspend != nil {
		ctl.hooks.Suspend(ctx)
	}
	if ctl.retained {
		ctl.log.Info("Resuming restore with retained material")
	} else {
		ctl.c.Reconstructor.Reset()
		ctl.c.Pool.Reset()
		ctl.c.Rebinder.Reset()
		ctl.c.Progress.Reset()
	}
	ctl.retained = false
	ctl.aborted = false
	ctl.setStateLocked(interfaces.StateRestore)
	ctl.trackLocked(ctx)
	ctl.c.Reconstructor.TriggerAll()
}

// trackLocked declares the on-chain root keys of every hosted keyset not
// yet tracked. A failed read is retried on the next poll.
// Freshly tracked keys pick up whatever survived a restart.
func (ctl *Controller) trackLocked(ctx context.Context) {
	for _, keyset := range ctl.cfg.Keysets {
		if len(ctl.c.Progress.Keys(keyset)) > 0 {
			continue
		}
		keys, err := ctl.c.Chain.RootKeys(ctx, keyset)
		if err != nil {
			ctl.log.Warn("Could not read root keys", "keyset", keyset, "err", err)
			continue
		}
		if len(keys) == 0 {
			ctl.log.Warn("Keyset has no root keys on chain", "keyset", keyset)
			continue
		}
		ids := make([]interfaces.RootKeyID, len(keys))
		for i, k := range keys {
			ids[i] = k.ID()
		}
		ctl.c.Progress.Track(keyset, ids)
		for _, id := range ids {
			ctl.recoverStageLocked(interfaces.KeyRef{Keyset: keyset, Key: id})
		}
	}
}

func (ctl *Controller) recoverStageLocked(ref interfaces.KeyRef) {
	rebinding := ctl.state == interfaces.StateRebinding || ctl.state == interfaces.StateRejoining
	if rebinding {
		_, err := os.Stat(backup.ShareFilePath(ctl.cfg.DataDir, ref.Keyset, ref.Key, ctl.targetEpoch))
		if err == nil {
			ctl.c.Progress.Advance(ref, interfaces.StagePersisted)
			return
		}
	}
	switch {
	case ctl.c.Rebinder.Staged(ref):
		ctl.c.Progress.Advance(ref, interfaces.StageReconstructed)
	case rebinding:
		err := fmt.Errorf("%w: recovered share of %s lost before it was rebound", interfaces.ErrInvalidState, ref)
		ctl.log.Error("Cannot resume rebind", "keyset", ref.Keyset, "rootKey", ref.Key.String(), "err", err)
		ctl.c.Progress.Fail(ref, err)
	}
}

func (ctl *Controller) startRebindLocked() {
	if !ctl.rebinding.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctl.rebindCancel = cancel
	epoch := ctl.targetEpoch
	go func() {
		defer cancel()
		defer ctl.rebinding.Store(false)
		// persisted keys wake the controller through progress updates
		if err := ctl.c.Rebinder.Run(ctx, epoch, ctl.cfg.Keysets); err != nil {
			ctl.log.Warn("Rebind round incomplete", "epoch", epoch, "err", err)
		}
	}()
}

// startRejoinLocked registers the wallet for the target epoch off the
// controller lock, so status reads and input gating are not held up by
// attestation or the chain.
func (ctl *Controller) startRejoinLocked() {
	if !ctl.rejoining.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ctl.rejoinCancel = cancel
	epoch := ctl.targetEpoch
	go func() {
		defer cancel()
		defer ctl.rejoining.Store(false)
		if err := ctl.c.Rejoiner.Rejoin(ctx, epoch); err != nil {
			ctl.log.Warn("Rejoin attempt failed", "epoch", epoch, "err", err)
			return
		}
		ctl.mu.Lock()
		if ctl.state == interfaces.StateRejoining && ctl.targetEpoch == epoch {
			ctl.registered = true
			ctl.reportLocked()
		}
		ctl.mu.Unlock()
		ctl.wake()
	}()
}

func (ctl *Controller) stopWork() {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	ctl.stopWorkLocked()
}

func (ctl *Controller) stopWorkLocked() {
	if ctl.rebindCancel != nil {
		ctl.rebindCancel()
		ctl.rebindCancel = nil
	}
	if ctl.rejoinCancel != nil {
		ctl.rejoinCancel()
		ctl.rejoinCancel = nil
	}
}

// AcceptingInputs gates uploads and share submissions: the network must
// be in Restore and this node must not have moved past RestoreReady.
func (ctl *Controller) AcceptingInputs(ctx context.Context) error {
	network, err := ctl.c.Chain.NetworkState(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading network state: %v", interfaces.ErrTransientIO, err)
	}
	if network != interfaces.NetworkRestore {
		return fmt.Errorf("%w: network is %s", interfaces.ErrInvalidState, network)
	}
	if ctl.State() == interfaces.StateActive {
		// the watcher has not seen the flip yet
		if err := ctl.Poll(ctx); err != nil {
			return err
		}
	}
	switch s := ctl.State(); s {
	case interfaces.StateRestore, interfaces.StateRestoreReady:
		return nil
	default:
		return fmt.Errorf("%w: node is %s", interfaces.ErrInvalidState, s)
	}
}

// TransitionActive returns the node to Active. It is rejected with
// NotComplete while any hosted root key is not persisted.
func (ctl *Controller) TransitionActive(ctx context.Context) error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	defer ctl.reportLocked()
	return ctl.transitionActiveLocked(ctx)
}

func (ctl *Controller) transitionActiveLocked(ctx context.Context) error {
	if !ctl.c.Progress.AllAtLeast(ctl.cfg.Keysets, interfaces.StagePersisted) {
		return interfaces.ErrNotComplete
	}
	ctl.stopWorkLocked()
	ctl.destroyMaterialLocked(ctx)
	ctl.setStateLocked(interfaces.StateActive)
	if ctl.hooks.Resume != nil {
		ctl.hooks.Resume(ctx)
	}
	return nil
}

func (ctl *Controller) destroyMaterialLocked(ctx context.Context) {
	ctl.c.Reconstructor.Reset()
	ctl.c.Pool.Reset()
	ctl.c.Rebinder.Reset()
	for _, keyset := range ctl.cfg.Keysets {
		if err := ctl.c.Store.Destroy(ctx, keyset); err != nil {
			ctl.log.Error("Could not fully destroy restore material", "keyset", keyset, "err", err)
		}
	}
}

// Abort ends a restore by administrative override. Reconstructions already
// running finish but their results are dropped.
func (ctl *Controller) Abort(ctx context.Context, mode AbortMode) error {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	defer ctl.reportLocked()

	if ctl.state != interfaces.StateRestore && ctl.state != interfaces.StateRestoreReady {
		return fmt.Errorf("%w: cannot abort in %s", interfaces.ErrInvalidState, ctl.state)
	}
	switch mode {
	case AbortDiscard:
		ctl.destroyMaterialLocked(ctx)
		ctl.c.Progress.Reset()
		ctl.retained = false
	case AbortRetain:
		ctl.retained = true
	default:
		return fmt.Errorf("%w: abort mode %q", interfaces.ErrMalformedInput, mode)
	}
	ctl.log.Warn("Restore aborted by operator", "mode", string(mode), "state", ctl.state.String())
	ctl.aborted = false
	ctl.setStateLocked(interfaces.StateActive)
	if ctl.hooks.Resume != nil {
		ctl.hooks.Resume(ctx)
	}
	return nil
}

// Status is the read-only progress view served to orchestrators.
func (ctl *Controller) Status() interfaces.RestoreStatus {
	ctl.mu.Lock()
	st := interfaces.RestoreStatus{
		State:       ctl.state.String(),
		Aborted:     ctl.aborted,
		TargetEpoch: ctl.targetEpoch,
	}
	ctl.mu.Unlock()

	needed := ctl.c.Pool.Party().Threshold
	for _, keyset := range ctl.cfg.Keysets {
		ks := ctl.c.Store.Status(keyset)
		ks.RootKeys = ctl.c.Progress.Snapshot(keyset)
		for i := range ks.RootKeys {
			ref := interfaces.KeyRef{Keyset: keyset, Key: interfaces.RootKeyID{Curve: ks.RootKeys[i].Curve, Index: ks.RootKeys[i].Index}}
			ks.RootKeys[i].SharesHeld = ctl.c.Pool.Count(ref)
			ks.RootKeys[i].SharesNeeded = needed
		}
		st.Keysets = append(st.Keysets, ks)
	}
	return st
}
