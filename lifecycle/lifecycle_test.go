package lifecycle

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/keyset-restore/backup"
	"github.com/ruteri/keyset-restore/chain"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/dealer"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/ruteri/keyset-restore/rebind"
	"github.com/ruteri/keyset-restore/restore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const testKeyset interfaces.KeysetID = "datil-keyset"

type harness struct {
	chain     *chain.FakeChain
	fixture   *dealer.Fixture
	key       *ecdsa.PrivateKey
	dir       string
	store     *restore.CiphertextStore
	pool      *restore.SharePool
	progress  *restore.Progress
	rebinder  *rebind.Rebinder
	ctl       *Controller
	suspended atomic.Int32
	resumed   atomic.Int32
}

// newHarness builds a single node that alone held the prior network's
// shares (threshold 1) and alone forms the next committee.
func newHarness(t *testing.T) *harness {
	t.Helper()
	partyKeys := make([]*ecdsa.PrivateKey, 2)
	for i := range partyKeys {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		partyKeys[i] = k
	}
	f, err := dealer.Generate(dealer.Config{
		Keyset:         testKeyset,
		BLSKeys:        1,
		K256Keys:       1,
		OldNodes:       1,
		OldThreshold:   1,
		PartyKeys:      partyKeys,
		PartyThreshold: 2,
	})
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	h := &harness{chain: chain.NewFakeChain(), fixture: f, key: key, dir: t.TempDir()}
	h.chain.SetRootKeys(testKeyset, f.RootKeys)
	h.setCommittee(1)
	h.assemble(t, h.chain)
	return h
}

// restart builds a fresh node over the same data dir and chain and runs
// the boot-time reloads.
func (h *harness) restart(t *testing.T) *harness {
	t.Helper()
	next := &harness{chain: h.chain, fixture: h.fixture, key: h.key, dir: h.dir}
	next.assemble(t, h.chain)
	ctx := context.Background()
	require.NoError(t, next.store.Load(ctx))
	require.NoError(t, next.ctl.Reload(ctx))
	return next
}

func (h *harness) assemble(t *testing.T, registrar interfaces.WalletRegistrar) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := h.fixture
	key := h.key
	self := crypto.PubkeyToAddress(key.PublicKey)
	var err error

	gate := restore.GateFunc(func(ctx context.Context) error { return h.ctl.AcceptingInputs(ctx) })
	h.progress = restore.NewProgress()
	h.store = restore.NewCiphertextStore(restore.StoreConfig{DataDir: h.dir}, h.chain, gate, nil, nil, log)
	h.pool = restore.NewSharePool(f.Party, gate, h.store, nil, log)

	transport := rebind.NewLocalTransport()
	h.rebinder, err = rebind.NewRebinder(rebind.Config{
		DataDir:     h.dir,
		Key:         key,
		PeerTimeout: 2 * time.Second,
		MaxRetries:  2,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
	}, h.chain, transport, h.progress, nil, log)
	require.NoError(t, err)
	transport.Register(self, h.rebinder)

	recon := restore.NewReconstructor(h.store, h.pool, h.progress, h.rebinder, 2, nil, log)
	t.Cleanup(recon.Stop)

	h.ctl, err = NewController(Config{Keysets: []interfaces.KeysetID{testKeyset}, PollInterval: 10 * time.Millisecond, DataDir: h.dir},
		Components{
			Chain:         h.chain,
			Store:         h.store,
			Pool:          h.pool,
			Reconstructor: recon,
			Rebinder:      h.rebinder,
			Progress:      h.progress,
			Rejoiner:      NewRejoiner(self, cryptoutils.DummyAttestationProvider{}, registrar, log),
		},
		Hooks{
			Suspend: func(context.Context) { h.suspended.Inc() },
			Resume:  func(context.Context) { h.resumed.Inc() },
		}, nil, log)
	require.NoError(t, err)
}

func (h *harness) setCommittee(epoch uint64) {
	h.chain.SetCommittee(&interfaces.Committee{
		Epoch:     epoch,
		Threshold: 1,
		Members: []interfaces.Validator{{
			Address:   crypto.PubkeyToAddress(h.key.PublicKey),
			PublicKey: crypto.FromECDSAPub(&h.key.PublicKey),
		}},
	})
}

func (h *harness) upload(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	node := h.fixture.Node(1)
	require.NoError(t, h.store.SetBlinders(ctx, testKeyset, node.Blinders))
	_, err := h.store.SetKeyBackup(ctx, testKeyset, bytes.NewReader(node.Bundle))
	require.NoError(t, err)
}

func (h *harness) submit(t *testing.T, member uint32) {
	t.Helper()
	for _, s := range h.fixture.Shares(member) {
		_, err := h.pool.Submit(context.Background(), s)
		require.NoError(t, err)
	}
}

func (h *harness) pollUntil(t *testing.T, want interfaces.LifecycleState) {
	t.Helper()
	require.Eventually(t, func() bool {
		_ = h.ctl.Poll(context.Background())
		return h.ctl.State() == want
	}, 10*time.Second, 10*time.Millisecond, "never reached %s", want)
}

func TestRestoreLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	blinders := h.fixture.Node(1).Blinders

	// inputs are refused while the network is active
	err := h.store.SetBlinders(ctx, testKeyset, blinders)
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)
	assert.Equal(t, interfaces.StateActive, h.ctl.State())

	// the first upload after the on-chain flip moves the node into Restore
	h.chain.SetNetworkState(interfaces.NetworkRestore)
	h.upload(t)
	assert.Equal(t, interfaces.StateRestore, h.ctl.State())
	assert.Equal(t, int32(1), h.suspended.Load())

	h.submit(t, 1)
	require.NoError(t, h.ctl.Poll(ctx))
	assert.Equal(t, interfaces.StateRestore, h.ctl.State())
	assert.ErrorIs(t, h.ctl.TransitionActive(ctx), interfaces.ErrNotComplete)

	h.submit(t, 2)
	h.pollUntil(t, interfaces.StateRestoreReady)
	assert.ErrorIs(t, h.ctl.TransitionActive(ctx), interfaces.ErrNotComplete)

	st := h.ctl.Status()
	assert.Equal(t, "RestoreReady", st.State)
	require.Len(t, st.Keysets, 1)
	assert.True(t, st.Keysets[0].BlindersSet)
	require.Len(t, st.Keysets[0].RootKeys, 2)
	for _, rk := range st.Keysets[0].RootKeys {
		assert.Equal(t, interfaces.StageReconstructed, rk.Stage)
		assert.Equal(t, 2, rk.SharesNeeded)
	}

	// operator re-enables the network; the node rebinds to epoch 1
	h.chain.SetNetworkState(interfaces.NetworkActive)
	h.pollUntil(t, interfaces.StateRejoining)
	for _, rk := range h.fixture.RootKeys {
		f, err := backup.ReadShareFile(h.dir, testKeyset, rk.ID(), 1)
		require.NoError(t, err)
		g := cryptoutils.MustGroup(rk.Curve)
		assert.True(t, cryptoutils.PointsEqual(g, f.Commitments[0], rk.PublicKey))
	}

	require.NoError(t, h.ctl.Poll(ctx))
	require.Eventually(t, func() bool { return len(h.chain.Registrations()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, interfaces.StateRejoining, h.ctl.State())

	// the next epoch includes the node
	h.setCommittee(2)
	h.chain.SetEpoch(2)
	h.pollUntil(t, interfaces.StateActive)
	assert.Equal(t, int32(1), h.resumed.Load())
	assert.False(t, h.store.HasBlinders(testKeyset))
	assert.False(t, h.store.HasBundle(testKeyset))
	_, err = os.Stat(backup.BlindersPath(h.dir, testKeyset))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Len(t, h.chain.Registrations(), 1)
}

func TestIncompleteRestoreIsFlaggedAborted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.chain.SetNetworkState(interfaces.NetworkRestore)
	require.NoError(t, h.ctl.Poll(ctx))
	h.upload(t)
	h.submit(t, 1)

	h.chain.SetNetworkState(interfaces.NetworkActive)
	require.NoError(t, h.ctl.Poll(ctx))
	assert.Equal(t, interfaces.StateRestore, h.ctl.State())
	assert.True(t, h.ctl.Status().Aborted)

	_, err := h.pool.Submit(ctx, h.fixture.Shares(2)[0])
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)

	require.NoError(t, h.ctl.Abort(ctx, AbortDiscard))
	assert.Equal(t, interfaces.StateActive, h.ctl.State())
	assert.False(t, h.store.HasBlinders(testKeyset))
	assert.False(t, h.store.HasBundle(testKeyset))
	assert.Empty(t, h.progress.Keys(testKeyset))
	assert.Equal(t, int32(1), h.resumed.Load())
}

func TestAbortRetainKeepsMaterial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.chain.SetNetworkState(interfaces.NetworkRestore)
	require.NoError(t, h.ctl.Poll(ctx))
	h.upload(t)
	h.submit(t, 1)
	ref := interfaces.KeyRef{Keyset: testKeyset, Key: h.fixture.RootKeys[0].ID()}
	require.Equal(t, 1, h.pool.Count(ref))

	h.chain.SetNetworkState(interfaces.NetworkActive)
	require.NoError(t, h.ctl.Abort(ctx, AbortRetain))
	assert.Equal(t, interfaces.StateActive, h.ctl.State())
	assert.True(t, h.store.HasBundle(testKeyset))

	// a later restore resumes where the aborted one stopped
	h.chain.SetNetworkState(interfaces.NetworkRestore)
	require.NoError(t, h.ctl.Poll(ctx))
	assert.Equal(t, interfaces.StateRestore, h.ctl.State())
	assert.Equal(t, 1, h.pool.Count(ref))

	h.submit(t, 2)
	h.pollUntil(t, interfaces.StateRestoreReady)
}

func TestEnterRestoreClearsStaleState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.chain.SetNetworkState(interfaces.NetworkRestore)
	require.NoError(t, h.ctl.Poll(ctx))
	h.upload(t)
	h.submit(t, 1)
	ref := interfaces.KeyRef{Keyset: testKeyset, Key: h.fixture.RootKeys[0].ID()}

	h.chain.SetNetworkState(interfaces.NetworkActive)
	require.NoError(t, h.ctl.Abort(ctx, AbortDiscard))

	h.chain.SetNetworkState(interfaces.NetworkRestore)
	require.NoError(t, h.ctl.Poll(ctx))
	assert.Equal(t, 0, h.pool.Count(ref))
	assert.Equal(t, interfaces.StageAwaitingShares, h.progress.Stage(ref))
	assert.Equal(t, int32(2), h.suspended.Load())
}

// reachRestoreReady drives h through a complete share collection.
func (h *harness) reachRestoreReady(t *testing.T) {
	t.Helper()
	h.chain.SetNetworkState(interfaces.NetworkRestore)
	h.upload(t)
	h.submit(t, 1)
	h.submit(t, 2)
	h.pollUntil(t, interfaces.StateRestoreReady)
}

func (h *harness) refs() []interfaces.KeyRef {
	var out []interfaces.KeyRef
	for _, rk := range h.fixture.RootKeys {
		out = append(out, interfaces.KeyRef{Keyset: testKeyset, Key: rk.ID()})
	}
	return out
}

func TestRestartResumesLifecycle(t *testing.T) {
	h := newHarness(t)
	h.reachRestoreReady(t)

	// recovered shares come back from their sealed copies
	h = h.restart(t)
	assert.Equal(t, interfaces.StateRestoreReady, h.ctl.State())
	assert.Equal(t, int32(1), h.suspended.Load())
	for _, ref := range h.refs() {
		assert.Equal(t, interfaces.StageReconstructed, h.progress.Stage(ref))
		assert.True(t, h.rebinder.Staged(ref))
	}

	h.chain.SetNetworkState(interfaces.NetworkActive)
	h.pollUntil(t, interfaces.StateRejoining)
	assert.Equal(t, uint64(1), h.ctl.Status().TargetEpoch)
	require.Eventually(t, func() bool {
		saved, err := readState(h.dir)
		return err == nil && saved.Registered
	}, 5*time.Second, 10*time.Millisecond)

	// target epoch and persisted keys survive a restart mid-rejoin
	h = h.restart(t)
	assert.Equal(t, interfaces.StateRejoining, h.ctl.State())
	assert.Equal(t, uint64(1), h.ctl.Status().TargetEpoch)
	for _, ref := range h.refs() {
		assert.Equal(t, interfaces.StagePersisted, h.progress.Stage(ref))
	}

	h.setCommittee(2)
	h.chain.SetEpoch(2)
	h.pollUntil(t, interfaces.StateActive)
	_, err := os.Stat(filepath.Join(h.dir, "staged"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.Len(t, h.chain.Registrations(), 1)

	h = h.restart(t)
	assert.Equal(t, interfaces.StateActive, h.ctl.State())
	assert.Equal(t, int32(0), h.suspended.Load())
}

func TestRestartWithoutStagedSharesReturnsToRestore(t *testing.T) {
	h := newHarness(t)
	h.reachRestoreReady(t)
	require.NoError(t, os.RemoveAll(filepath.Join(h.dir, "staged")))

	h = h.restart(t)
	assert.Equal(t, interfaces.StateRestore, h.ctl.State())
	for _, ref := range h.refs() {
		assert.Equal(t, interfaces.StageAwaitingShares, h.progress.Stage(ref))
	}

	// the party resubmits against the reloaded bundle
	h.submit(t, 1)
	h.submit(t, 2)
	h.pollUntil(t, interfaces.StateRestoreReady)
}

func TestRestartInRebindingWithLostShareFailsKeys(t *testing.T) {
	h := newHarness(t)
	h.reachRestoreReady(t)
	require.NoError(t, writeState(h.dir, savedState{State: interfaces.StateRebinding, TargetEpoch: 1}))
	require.NoError(t, os.RemoveAll(filepath.Join(h.dir, "staged")))

	h = h.restart(t)
	assert.Equal(t, interfaces.StateRebinding, h.ctl.State())
	st := h.ctl.Status()
	require.Len(t, st.Keysets, 1)
	for _, rk := range st.Keysets[0].RootKeys {
		assert.Equal(t, interfaces.StageFailed, rk.Stage)
		assert.Equal(t, "InvalidState", rk.Error)
	}
	assert.ErrorIs(t, h.ctl.TransitionActive(context.Background()), interfaces.ErrNotComplete)
}

func TestSavedStateEncoding(t *testing.T) {
	dir := t.TempDir()
	want := savedState{State: interfaces.StateRejoining, TargetEpoch: 9, Retained: true, Registered: true}
	require.NoError(t, writeState(dir, want))
	got, err := readState(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = readState(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(statePath(dir), []byte{0, 0, 0, 1, 0, 0, 0, 42}, 0o600))
	_, err = readState(dir)
	assert.Error(t, err)
}

func TestRejoinDoesNotHoldController(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release := make(chan time.Time)
	registrar := new(chain.MockRegistrar)
	registrar.On("RegisterAttestedWallet", mock.Anything, crypto.PubkeyToAddress(h.key.PublicKey), mock.Anything).
		WaitUntil(release).Return(nil).Once()
	h.ctl.c.Rejoiner = NewRejoiner(crypto.PubkeyToAddress(h.key.PublicKey), cryptoutils.DummyAttestationProvider{}, registrar,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	h.reachRestoreReady(t)
	h.chain.SetNetworkState(interfaces.NetworkActive)
	h.pollUntil(t, interfaces.StateRejoining)

	// registration is in flight and held by the registrar
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.ctl.Status()
		_ = h.ctl.Poll(ctx)
		_ = h.ctl.AcceptingInputs(ctx)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("controller blocked behind wallet registration")
	}
	assert.Equal(t, interfaces.StateRejoining, h.ctl.State())

	close(release)
	h.setCommittee(2)
	h.chain.SetEpoch(2)
	h.pollUntil(t, interfaces.StateActive)
	registrar.AssertExpectations(t)
}

func TestAbortRequiresRestore(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctl.Abort(context.Background(), AbortDiscard), interfaces.ErrInvalidState)

	_, err := ParseAbortMode("wipe")
	assert.ErrorIs(t, err, interfaces.ErrMalformedInput)
	mode, err := ParseAbortMode("retain")
	require.NoError(t, err)
	assert.Equal(t, AbortRetain, mode)
}

func TestRejoiner(t *testing.T) {
	registrar := new(chain.MockRegistrar)
	wallet := crypto.PubkeyToAddress(mustKey(t).PublicKey)
	expected := cryptoutils.WalletReportData(wallet, 7)
	quote, err := cryptoutils.DummyAttestationProvider{}.Attest(expected)
	require.NoError(t, err)

	registrar.On("RegisterAttestedWallet", mock.Anything, wallet, quote).Return(nil).Once()
	r := NewRejoiner(wallet, cryptoutils.DummyAttestationProvider{}, registrar, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, r.Rejoin(context.Background(), 7))
	registrar.AssertExpectations(t)

	registrar.On("RegisterAttestedWallet", mock.Anything, wallet, mock.Anything).Return(assert.AnError)
	err = r.Rejoin(context.Background(), 8)
	assert.ErrorIs(t, err, interfaces.ErrTransientIO)
}

func TestAcceptingInputsWithChainDown(t *testing.T) {
	reader := new(chain.MockChainReader)
	reader.On("NetworkState", mock.Anything).Return(interfaces.NetworkState(0), assert.AnError)
	ctl := &Controller{c: Components{Chain: reader}}
	err := ctl.AcceptingInputs(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrTransientIO)
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return k
}
