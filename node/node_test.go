package node

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/keyset-restore/api"
	"github.com/ruteri/keyset-restore/api/auth"
	"github.com/ruteri/keyset-restore/api/clients"
	"github.com/ruteri/keyset-restore/api/server"
	"github.com/ruteri/keyset-restore/backup"
	"github.com/ruteri/keyset-restore/chain"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/dealer"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/ruteri/keyset-restore/rebind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyset interfaces.KeysetID = "datil"

type testNode struct {
	*Node
	dir      string
	key      *ecdsa.PrivateKey
	url      string
	admin    *clients.AdminClient
	recovery *clients.RecoveryClient
}

type network struct {
	chain     *chain.FakeChain
	fixture   *dealer.Fixture
	adminKey  *ecdsa.PrivateKey
	partyKeys []*ecdsa.PrivateKey
	nodes     []*testNode
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return k
}

// newNetwork starts n in-process nodes that held the prior network's
// shares and form the committee of epoch 1. Peers talk over HTTP.
func newNetwork(t *testing.T, n, oldThreshold, k256Keys, partySize, partyThreshold int) *network {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	net := &network{chain: chain.NewFakeChain(), adminKey: mustKey(t)}
	for i := 0; i < partySize; i++ {
		net.partyKeys = append(net.partyKeys, mustKey(t))
	}
	f, err := dealer.Generate(dealer.Config{
		Keyset:         testKeyset,
		BLSKeys:        1,
		K256Keys:       k256Keys,
		OldNodes:       n,
		OldThreshold:   oldThreshold,
		PartyKeys:      net.partyKeys,
		PartyThreshold: partyThreshold,
	})
	require.NoError(t, err)
	net.fixture = f
	net.chain.SetRootKeys(testKeyset, f.RootKeys)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	transport := rebind.NewHTTPTransport(5 * time.Second)
	for i := 0; i < n; i++ {
		var handler http.Handler = http.NotFoundHandler()
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler.ServeHTTP(w, r)
		}))
		t.Cleanup(ts.Close)

		tn := &testNode{dir: t.TempDir(), key: mustKey(t), url: ts.URL}
		tn.Node, err = New(Settings{
			Host:         ts.Listener.Addr().String(),
			DataDir:      tn.dir,
			WalletKey:    tn.key,
			Admin:        crypto.PubkeyToAddress(net.adminKey.PublicKey),
			Party:        f.Party,
			Keysets:      []interfaces.KeysetID{testKeyset},
			PollInterval: 20 * time.Millisecond,
			Rebind: rebind.Config{
				PeerTimeout: 10 * time.Second,
				MaxRetries:  3,
				BackoffBase: 20 * time.Millisecond,
				BackoffCap:  200 * time.Millisecond,
			},
			ReconstructionWorkers: 2,
		}, Deps{
			Chain:     net.chain,
			Registrar: net.chain,
			Transport: transport,
			Attester:  cryptoutils.DummyAttestationProvider{},
		}, log.With("node", i+1))
		require.NoError(t, err)
		t.Cleanup(tn.Close)

		srv := server.New(&api.HTTPServerConfig{Log: log}, nil, tn.Handlers()...)
		handler = srv.Handler()

		tn.admin, err = clients.NewAdminClient(ts.URL, net.adminKey)
		require.NoError(t, err)
		tn.recovery = clients.NewRecoveryClient(ts.URL)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = tn.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		net.nodes = append(net.nodes, tn)
	}
	net.setCommittee(1, oldThreshold)
	return net
}

func (net *network) setCommittee(epoch uint64, threshold int) {
	c := &interfaces.Committee{Epoch: epoch, Threshold: threshold}
	for _, n := range net.nodes {
		c.Members = append(c.Members, interfaces.Validator{
			Address:   crypto.PubkeyToAddress(n.key.PublicKey),
			PublicKey: crypto.FromECDSAPub(&n.key.PublicKey),
			Endpoint:  n.url,
		})
	}
	net.chain.SetCommittee(c)
}

// upload installs node i's blinders and bundle through its admin API.
func (net *network) upload(t *testing.T, i int, blinders *interfaces.Blinders) {
	t.Helper()
	ctx := context.Background()
	tn := net.nodes[i]
	require.NoError(t, tn.admin.SetBlinders(ctx, testKeyset, blinders))
	_, err := tn.admin.SetKeyBackup(ctx, testKeyset, bytes.NewReader(net.fixture.Node(uint32(i+1)).Bundle))
	require.NoError(t, err)
}

// submit sends every share of a party member to every node.
func (net *network) submit(t *testing.T, member uint32) {
	t.Helper()
	for i := range net.nodes {
		net.submitTo(t, i, member)
	}
}

// submitTo sends every share of member to node i. A quarantined node
// refuses shares once its keyset is halted, which is not a failure here.
func (net *network) submitTo(t *testing.T, i int, member uint32) {
	t.Helper()
	for _, s := range net.fixture.Shares(member) {
		_, err := net.nodes[i].recovery.SubmitShare(context.Background(), api.NewShareSubmission(s))
		if net.nodes[i].Store.Quarantined(testKeyset) != nil {
			continue
		}
		require.NoError(t, err)
	}
}

func waitState(t *testing.T, tn *testNode, want interfaces.LifecycleState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tn.Controller.State() == want
	}, 60*time.Second, 20*time.Millisecond, "node never reached %s, at %s", want, tn.Controller.State())
}

func TestEndToEndRestore(t *testing.T) {
	net := newNetwork(t, 3, 2, 10, 3, 3)
	net.chain.SetNetworkState(interfaces.NetworkRestore)

	for i := range net.nodes {
		net.upload(t, i, net.fixture.Node(uint32(i+1)).Blinders)
	}
	for m := uint32(1); m <= 3; m++ {
		net.submit(t, m)
	}
	for _, tn := range net.nodes {
		waitState(t, tn, interfaces.StateRestoreReady)
	}

	status, err := net.nodes[0].recovery.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status.Keysets, 1)
	assert.Len(t, status.Keysets[0].RootKeys, 11)

	// governance re-enables the network; the nodes rebind to epoch 1
	net.chain.SetNetworkState(interfaces.NetworkActive)
	for _, tn := range net.nodes {
		waitState(t, tn, interfaces.StateRejoining)
	}
	require.Eventually(t, func() bool { return len(net.chain.Registrations()) == 3 }, 10*time.Second, 20*time.Millisecond)

	for _, rk := range net.fixture.RootKeys {
		g := cryptoutils.MustGroup(rk.Curve)
		var (
			xs     []uint32
			shares []*big.Int
		)
		for _, tn := range net.nodes {
			f, err := backup.ReadShareFile(tn.dir, testKeyset, rk.ID(), 1)
			require.NoError(t, err, "node %s key %s", tn.Address().Hex(), rk.ID())
			require.True(t, cryptoutils.PointsEqual(g, f.Commitments[0], rk.PublicKey))

			commitments, err := cryptoutils.DecodePoints(g, f.Commitments)
			require.NoError(t, err)
			s, err := cryptoutils.ScalarFromSecret(g, f.Share)
			require.NoError(t, err)
			assert.True(t, cryptoutils.VerifyShare(g, commitments, f.Index, s))
			xs = append(xs, f.Index)
			shares = append(shares, s)
		}
		// any two new shares recover the root secret
		secret, err := cryptoutils.InterpolateAtZero(g, xs[:2], shares[:2])
		require.NoError(t, err)
		assert.Zero(t, secret.Cmp(net.fixture.RootSecret(rk.ID())), "root key %s", rk.ID())
	}

	net.setCommittee(2, 2)
	net.chain.SetEpoch(2)
	for _, tn := range net.nodes {
		waitState(t, tn, interfaces.StateActive)
		assert.False(t, tn.Store.HasBundle(testKeyset))
		_, err := os.Stat(backup.BlindersPath(tn.dir, testKeyset))
		assert.ErrorIs(t, err, os.ErrNotExist)
	}
}

func TestMissingPartyMemberBlocksRestore(t *testing.T) {
	net := newNetwork(t, 3, 2, 1, 3, 3)
	net.chain.SetNetworkState(interfaces.NetworkRestore)
	for i := range net.nodes {
		net.upload(t, i, net.fixture.Node(uint32(i+1)).Blinders)
	}
	net.submit(t, 1)
	net.submit(t, 2)

	tn := net.nodes[0]
	require.Eventually(t, func() bool {
		st, err := tn.recovery.Status(context.Background())
		return err == nil && len(st.Keysets) == 1 && len(st.Keysets[0].RootKeys) == 2
	}, 10*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	st, err := tn.recovery.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Restore", st.State)
	for _, rk := range st.Keysets[0].RootKeys {
		assert.Equal(t, interfaces.StageAwaitingShares, rk.Stage)
		assert.Equal(t, 2, rk.SharesHeld)
		assert.Equal(t, 3, rk.SharesNeeded)
	}
	assert.ErrorIs(t, tn.Controller.TransitionActive(context.Background()), interfaces.ErrNotComplete)
}

func TestWrongBlindersQuarantineOneNode(t *testing.T) {
	net := newNetwork(t, 3, 2, 1, 3, 3)
	net.chain.SetNetworkState(interfaces.NetworkRestore)

	net.upload(t, 0, net.fixture.Node(1).Blinders)
	net.upload(t, 1, net.fixture.Node(1).Blinders)
	net.upload(t, 2, net.fixture.Node(3).Blinders)
	for m := uint32(1); m <= 3; m++ {
		net.submit(t, m)
	}

	waitState(t, net.nodes[0], interfaces.StateRestoreReady)
	waitState(t, net.nodes[2], interfaces.StateRestoreReady)

	bad := net.nodes[1]
	require.Eventually(t, func() bool {
		st, err := bad.admin.Status(context.Background())
		return err == nil && st.Keysets[0].Quarantined
	}, 10*time.Second, 20*time.Millisecond)
	st, err := bad.admin.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Restore", st.State)
	assert.Equal(t, "CryptoFailure", st.Keysets[0].QuarantineCause)

	for _, rk := range net.fixture.RootKeys {
		_, err := backup.ReadShareFile(bad.dir, testKeyset, rk.ID(), 1)
		assert.ErrorIs(t, err, os.ErrNotExist)
	}

	// later submissions for the keyset are refused
	_, err = bad.recovery.SubmitShare(context.Background(), api.NewShareSubmission(net.fixture.Shares(1)[0]))
	assert.ErrorIs(t, err, interfaces.ErrQuarantined)
}

func TestBundleBeforeBlinders(t *testing.T) {
	net := newNetwork(t, 1, 1, 1, 2, 2)
	net.chain.SetNetworkState(interfaces.NetworkRestore)
	tn := net.nodes[0]

	_, err := tn.admin.SetKeyBackup(context.Background(), testKeyset, bytes.NewReader(net.fixture.Node(1).Bundle))
	require.ErrorIs(t, err, interfaces.ErrBlindersMissing)
	assert.False(t, tn.Store.HasBundle(testKeyset))
	entries, _ := os.ReadDir(filepath.Join(tn.dir, "backups", string(testKeyset)))
	assert.Empty(t, entries)

	// uploading in order then works
	net.upload(t, 0, net.fixture.Node(1).Blinders)
	assert.True(t, tn.Store.HasBundle(testKeyset))
}

func TestAdminNonceReplay(t *testing.T) {
	net := newNetwork(t, 1, 1, 1, 2, 2)
	tn := net.nodes[0]

	req, err := http.NewRequest(http.MethodGet, tn.url+api.AdminStatusPath, nil)
	require.NoError(t, err)
	header, err := auth.SignHeader(net.adminKey, auth.AdminParams(req.URL.Host, time.Minute))
	require.NoError(t, err)
	req.Header.Set(api.AuthHeader, header)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRotatedRootKeysRejectBundle(t *testing.T) {
	net := newNetwork(t, 1, 1, 1, 2, 2)
	net.chain.SetNetworkState(interfaces.NetworkRestore)
	tn := net.nodes[0]
	ctx := context.Background()

	require.NoError(t, tn.admin.SetBlinders(ctx, testKeyset, net.fixture.Node(1).Blinders))
	rotated, err := net.fixture.RotateRootKeys()
	require.NoError(t, err)
	net.chain.SetRootKeys(testKeyset, rotated)

	_, err = tn.admin.SetKeyBackup(ctx, testKeyset, bytes.NewReader(net.fixture.Node(1).Bundle))
	require.Error(t, err)
	assert.Equal(t, interfaces.KindInvariantViolation, interfaces.KindOf(err))
	assert.False(t, tn.Store.HasBundle(testKeyset))
}

func TestNewRejectsIncompleteDeps(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(Settings{DataDir: t.TempDir()}, Deps{}, log)
	assert.Error(t, err)

	_, err = New(Settings{DataDir: t.TempDir(), WalletKey: mustKey(t)}, Deps{}, log)
	assert.Error(t, err)
}
