package rebind

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/keyset-restore/backup"
	"github.com/ruteri/keyset-restore/chain"
	"github.com/ruteri/keyset-restore/cryptoutils"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/ruteri/keyset-restore/restore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyset interfaces.KeysetID = "datil-keyset"
	testEpoch  uint64              = 2
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// priorSharing is one root key shared among the prior network.
type priorSharing struct {
	secret      *big.Int
	poly        *cryptoutils.Polynomial
	commitments [][]byte
	rootKey     interfaces.RootKey
}

func newPriorSharing(t *testing.T, curve interfaces.Curve, threshold int) *priorSharing {
	t.Helper()
	g := cryptoutils.MustGroup(curve)
	secret, err := cryptoutils.RandomScalar(g)
	require.NoError(t, err)
	poly, err := cryptoutils.RandomPolynomial(g, secret, threshold-1)
	require.NoError(t, err)
	return &priorSharing{
		secret:      secret,
		poly:        poly,
		commitments: cryptoutils.EncodePoints(poly.Commit(g)),
		rootKey:     interfaces.RootKey{Curve: curve, Index: 0, PublicKey: g.BaseMul(secret).Bytes()},
	}
}

type testNode struct {
	key      *ecdsa.PrivateKey
	oldIndex uint32
	dir      string
	progress *restore.Progress
	rb       *Rebinder
}

type network struct {
	chain     *chain.FakeChain
	transport *LocalTransport
	keys      []*ecdsa.PrivateKey
	sharings  []*priorSharing
	oldT      int
}

// newNetwork creates node keys and a committee for testEpoch that lists
// the nodes in reverse order, so new indices differ from prior ones.
func newNetwork(t *testing.T, n, oldT, newT int, curves ...interfaces.Curve) *network {
	t.Helper()
	net := &network{chain: chain.NewFakeChain(), transport: NewLocalTransport(), oldT: oldT}
	committee := &interfaces.Committee{Epoch: testEpoch, Threshold: newT}
	for i := 0; i < n; i++ {
		k, err := crypto.GenerateKey()
		require.NoError(t, err)
		net.keys = append(net.keys, k)
	}
	for i := n - 1; i >= 0; i-- {
		committee.Members = append(committee.Members, interfaces.Validator{
			Address:   crypto.PubkeyToAddress(net.keys[i].PublicKey),
			PublicKey: crypto.FromECDSAPub(&net.keys[i].PublicKey),
		})
	}
	net.chain.SetCommittee(committee)
	net.chain.SetEpoch(testEpoch)

	var rootKeys []interfaces.RootKey
	for _, c := range curves {
		s := newPriorSharing(t, c, oldT)
		net.sharings = append(net.sharings, s)
		rootKeys = append(rootKeys, s.rootKey)
	}
	net.chain.SetRootKeys(testKeyset, rootKeys)
	return net
}

func fastConfig(dir string, key *ecdsa.PrivateKey) Config {
	return Config{
		DataDir:     dir,
		Key:         key,
		PeerTimeout: 2 * time.Second,
		MaxRetries:  2,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
	}
}

// node builds node i (prior index i+1) and stages its prior shares.
// tamper, if set, may alter the staged share value.
func (net *network) node(t *testing.T, i int, dir string, cfgFn func(*Config), tamper func(*big.Int)) *testNode {
	t.Helper()
	cfg := fastConfig(dir, net.keys[i])
	if cfgFn != nil {
		cfgFn(&cfg)
	}
	progress := restore.NewProgress()
	rb, err := NewRebinder(cfg, net.chain, net.transport, progress, nil, testLogger)
	require.NoError(t, err)

	var ids []interfaces.RootKeyID
	for _, s := range net.sharings {
		ids = append(ids, s.rootKey.ID())
	}
	progress.Track(testKeyset, ids)

	oldIndex := uint32(i + 1)
	for _, s := range net.sharings {
		v := s.poly.Eval(oldIndex)
		if tamper != nil {
			tamper(v)
		}
		require.NoError(t, rb.Stage(context.Background(), &restore.RecoveredShare{
			Keyset:       testKeyset,
			RootKey:      s.rootKey,
			OldIndex:     oldIndex,
			OldThreshold: net.oldT,
			Commitments:  s.commitments,
			Secret:       cryptoutils.NewSecretScalar(v),
		}))
	}
	net.transport.Register(rb.Address(), rb)
	return &testNode{key: net.keys[i], oldIndex: oldIndex, dir: dir, progress: progress, rb: rb}
}

func runAll(nodes []*testNode) []error {
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = n.rb.Run(context.Background(), testEpoch, []interfaces.KeysetID{testKeyset})
		}()
	}
	wg.Wait()
	return errs
}

func ref(s *priorSharing) interfaces.KeyRef {
	return interfaces.KeyRef{Keyset: testKeyset, Key: s.rootKey.ID()}
}

func TestRebindRoundTrip(t *testing.T) {
	net := newNetwork(t, 3, 2, 2, interfaces.CurveBLS12381G1, interfaces.CurveSecp256k1)
	var nodes []*testNode
	for i := 0; i < 3; i++ {
		nodes = append(nodes, net.node(t, i, t.TempDir(), nil, nil))
	}
	for _, err := range runAll(nodes) {
		require.NoError(t, err)
	}

	for _, s := range net.sharings {
		g := cryptoutils.MustGroup(s.rootKey.Curve)
		var files []*backup.ShareFile
		for _, n := range nodes {
			assert.Equal(t, interfaces.StagePersisted, n.progress.Stage(ref(s)))
			assert.False(t, n.rb.Staged(ref(s)))

			f, err := backup.ReadShareFile(n.dir, testKeyset, s.rootKey.ID(), testEpoch)
			require.NoError(t, err)
			assert.Equal(t, uint32(2), f.Threshold)
			assert.True(t, cryptoutils.PointsEqual(g, f.Commitments[0], s.rootKey.PublicKey))
			files = append(files, f)
		}
		// committee lists nodes in reverse: node 0 has new index 3
		assert.Equal(t, uint32(3), files[0].Index)
		assert.Equal(t, files[0].Commitments, files[2].Commitments)

		// any two new shares reconstruct the root secret
		for _, pair := range [][2]int{{0, 1}, {1, 2}, {0, 2}} {
			a, b := files[pair[0]], files[pair[1]]
			ya, err := cryptoutils.ScalarFromSecret(g, a.Share)
			require.NoError(t, err)
			yb, err := cryptoutils.ScalarFromSecret(g, b.Share)
			require.NoError(t, err)
			got, err := cryptoutils.InterpolateAtZero(g, []uint32{a.Index, b.Index}, []*big.Int{ya, yb})
			require.NoError(t, err)
			assert.Equal(t, 0, got.Cmp(s.secret))
		}

		// the new shares differ from the prior ones
		prior := cryptoutils.SecretFromInt(s.poly.Eval(1))
		for _, f := range files {
			assert.False(t, prior.Equal(f.Share))
		}
	}
}

func TestRebindIsDeterministic(t *testing.T) {
	net := newNetwork(t, 3, 2, 3, interfaces.CurveSecp256k1)

	run := func() []string {
		var nodes []*testNode
		for i := 0; i < 3; i++ {
			nodes = append(nodes, net.node(t, i, t.TempDir(), nil, nil))
		}
		for _, err := range runAll(nodes) {
			require.NoError(t, err)
		}
		var dirs []string
		for _, n := range nodes {
			dirs = append(dirs, n.dir)
		}
		return dirs
	}

	first, second := run(), run()
	id := net.sharings[0].rootKey.ID()
	for i := range first {
		a, err := os.ReadFile(backup.ShareFilePath(first[i], testKeyset, id, testEpoch))
		require.NoError(t, err)
		b, err := os.ReadFile(backup.ShareFilePath(second[i], testKeyset, id, testEpoch))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestRebindCommitmentMismatch(t *testing.T) {
	net := newNetwork(t, 3, 2, 2, interfaces.CurveSecp256k1)
	g := cryptoutils.MustGroup(interfaces.CurveSecp256k1)
	other, err := cryptoutils.RandomScalar(g)
	require.NoError(t, err)
	wrong := net.sharings[0].rootKey
	wrong.PublicKey = g.BaseMul(other).Bytes()
	net.chain.SetRootKeys(testKeyset, []interfaces.RootKey{wrong})

	var nodes []*testNode
	for i := 0; i < 3; i++ {
		nodes = append(nodes, net.node(t, i, t.TempDir(), nil, nil))
	}
	for i, err := range runAll(nodes) {
		require.ErrorIs(t, err, interfaces.ErrCommitmentMismatch)
		assert.Equal(t, interfaces.StageFailed, nodes[i].progress.Stage(ref(net.sharings[0])))
		assert.False(t, nodes[i].rb.Staged(ref(net.sharings[0])))
		_, err := backup.ReadShareFile(nodes[i].dir, testKeyset, wrong.ID(), testEpoch)
		assert.ErrorIs(t, err, os.ErrNotExist)
	}
}

func TestRebindRejectsDealerWithWrongShare(t *testing.T) {
	net := newNetwork(t, 3, 2, 2, interfaces.CurveSecp256k1)
	g := cryptoutils.MustGroup(interfaces.CurveSecp256k1)
	var nodes []*testNode
	for i := 0; i < 2; i++ {
		nodes = append(nodes, net.node(t, i, t.TempDir(), nil, nil))
	}
	nodes = append(nodes, net.node(t, 2, t.TempDir(), nil, func(v *big.Int) {
		v.Add(v, big.NewInt(1)).Mod(v, g.Order())
	}))

	for _, err := range runAll(nodes) {
		require.Error(t, err)
		assert.Equal(t, interfaces.KindCryptoFailure, interfaces.KindOf(err))
	}
}

func TestRebindPeerTimeout(t *testing.T) {
	net := newNetwork(t, 3, 2, 2, interfaces.CurveSecp256k1)
	short := func(c *Config) {
		c.PeerTimeout = 50 * time.Millisecond
		c.MaxRetries = 1
	}
	// the third node never comes up
	nodes := []*testNode{
		net.node(t, 0, t.TempDir(), short, nil),
		net.node(t, 1, t.TempDir(), short, nil),
	}
	for i, err := range runAll(nodes) {
		require.Error(t, err)
		assert.Equal(t, interfaces.KindTransientIO, interfaces.KindOf(err))
		assert.NotEqual(t, interfaces.StagePersisted, nodes[i].progress.Stage(ref(net.sharings[0])))
		assert.True(t, nodes[i].rb.Staged(ref(net.sharings[0])))
	}
}

func TestRebindResumesFromShareFile(t *testing.T) {
	net := newNetwork(t, 3, 2, 2, interfaces.CurveSecp256k1)
	var nodes []*testNode
	for i := 0; i < 3; i++ {
		nodes = append(nodes, net.node(t, i, t.TempDir(), nil, nil))
	}
	for _, err := range runAll(nodes) {
		require.NoError(t, err)
	}

	// a restarted node finds its share file and has nothing staged
	progress := restore.NewProgress()
	progress.Track(testKeyset, []interfaces.RootKeyID{net.sharings[0].rootKey.ID()})
	rb, err := NewRebinder(fastConfig(nodes[0].dir, nodes[0].key), net.chain, net.transport, progress, nil, testLogger)
	require.NoError(t, err)
	require.NoError(t, rb.Run(context.Background(), testEpoch, []interfaces.KeysetID{testKeyset}))
	assert.Equal(t, interfaces.StagePersisted, progress.Stage(ref(net.sharings[0])))
}

func TestRebindNotInCommittee(t *testing.T) {
	net := newNetwork(t, 2, 2, 2, interfaces.CurveSecp256k1)
	outsider, err := crypto.GenerateKey()
	require.NoError(t, err)
	rb, err := NewRebinder(fastConfig(t.TempDir(), outsider), net.chain, net.transport, restore.NewProgress(), nil, testLogger)
	require.NoError(t, err)
	err = rb.Run(context.Background(), testEpoch, []interfaces.KeysetID{testKeyset})
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)
}

func TestDeliver(t *testing.T) {
	net := newNetwork(t, 2, 1, 1, interfaces.CurveSecp256k1)
	n := net.node(t, 0, t.TempDir(), nil, nil)
	dealerKey := net.keys[1]
	g := cryptoutils.MustGroup(interfaces.CurveSecp256k1)

	newMsg := func(signer *ecdsa.PrivateKey, recipient common.Address) *DealMessage {
		msg := &DealMessage{
			Keyset:         testKeyset,
			Curve:          interfaces.CurveSecp256k1,
			Epoch:          testEpoch,
			DealerOldIndex: 2,
			Recipient:      recipient,
			Commitments:    toHexBytes(cryptoutils.EncodePoints([]cryptoutils.Point{g.Generator()})),
			EncryptedEval:  []byte{1, 2, 3},
		}
		require.NoError(t, msg.Sign(signer))
		return msg
	}
	ctx := context.Background()

	require.NoError(t, n.rb.Deliver(ctx, newMsg(dealerKey, n.rb.Address())))

	err := n.rb.Deliver(ctx, newMsg(dealerKey, common.HexToAddress("0x1")))
	assert.ErrorIs(t, err, interfaces.ErrMalformedInput)

	outsider, err := crypto.GenerateKey()
	require.NoError(t, err)
	err = n.rb.Deliver(ctx, newMsg(outsider, n.rb.Address()))
	assert.ErrorIs(t, err, interfaces.ErrVerificationFailed)

	tampered := newMsg(dealerKey, n.rb.Address())
	tampered.DealerOldIndex = 1
	err = n.rb.Deliver(ctx, tampered)
	assert.ErrorIs(t, err, interfaces.ErrVerificationFailed)

	empty := newMsg(dealerKey, n.rb.Address())
	empty.Commitments = nil
	err = n.rb.Deliver(ctx, empty)
	assert.ErrorIs(t, err, interfaces.ErrMalformedInput)
}

func TestInboxIsBounded(t *testing.T) {
	net := newNetwork(t, 2, 1, 1, interfaces.CurveSecp256k1)
	n := net.node(t, 0, t.TempDir(), func(c *Config) { c.MaxBufferedKeys = 2 }, nil)
	g := cryptoutils.MustGroup(interfaces.CurveSecp256k1)
	ctx := context.Background()

	deal := func(index uint32) *DealMessage {
		msg := &DealMessage{
			Keyset:         testKeyset,
			Curve:          interfaces.CurveSecp256k1,
			RootKeyIndex:   index,
			Epoch:          testEpoch,
			DealerOldIndex: 2,
			Recipient:      n.rb.Address(),
			Commitments:    toHexBytes(cryptoutils.EncodePoints([]cryptoutils.Point{g.Generator()})),
			EncryptedEval:  []byte{1, 2, 3},
		}
		require.NoError(t, msg.Sign(net.keys[1]))
		return msg
	}
	for i := uint32(10); i < 15; i++ {
		require.NoError(t, n.rb.Deliver(ctx, deal(i)))
	}
	assert.Equal(t, 2, n.rb.inbox.size())

	// a resent deal replaces the dealer's earlier one
	require.NoError(t, n.rb.Deliver(ctx, deal(14)))
	assert.Equal(t, 2, n.rb.inbox.size())

	n.rb.Discard(testKeyset)
	assert.Equal(t, 0, n.rb.inbox.size())
}

func TestResetWipesStagedShares(t *testing.T) {
	net := newNetwork(t, 2, 1, 1, interfaces.CurveSecp256k1)
	n := net.node(t, 0, t.TempDir(), nil, nil)
	share := n.rb.stagedShare(ref(net.sharings[0]))
	require.NotNil(t, share)

	n.rb.Reset()
	assert.False(t, n.rb.Staged(ref(net.sharings[0])))
	assert.True(t, share.Secret.Wiped())
	_, err := os.Stat(stagedDir(n.dir))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStagedSharesSurviveRestart(t *testing.T) {
	net := newNetwork(t, 2, 1, 1, interfaces.CurveSecp256k1)
	n := net.node(t, 0, t.TempDir(), nil, nil)
	r := ref(net.sharings[0])
	want := net.sharings[0].poly.Eval(n.oldIndex)

	path := stagedPath(n.dir, r)
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, want.FillBytes(make([]byte, 32))), "secret must not be stored in the clear")

	// the same node key reopens it after a restart
	again, err := NewRebinder(fastConfig(n.dir, n.key), net.chain, net.transport, restore.NewProgress(), nil, testLogger)
	require.NoError(t, err)
	require.NoError(t, again.Load())
	share := again.stagedShare(r)
	require.NotNil(t, share)
	assert.Equal(t, n.oldIndex, share.OldIndex)
	assert.Equal(t, net.oldT, share.OldThreshold)
	assert.Equal(t, net.sharings[0].commitments, share.Commitments)
	assert.True(t, share.Secret.Use(func(v *big.Int) { assert.Equal(t, 0, v.Cmp(want)) }))

	// another key cannot
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	stranger, err := NewRebinder(fastConfig(n.dir, otherKey), net.chain, net.transport, restore.NewProgress(), nil, testLogger)
	require.NoError(t, err)
	assert.ErrorIs(t, stranger.Load(), interfaces.ErrCryptoFailure)
	assert.False(t, stranger.Staged(r))

	again.Discard(testKeyset)
	assert.True(t, share.Secret.Wiped())
	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func toHexBytes(in [][]byte) []hexutil.Bytes {
	out := make([]hexutil.Bytes, len(in))
	for i, b := range in {
		out[i] = b
	}
	return out
}
