package peerhandler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/keyset-restore/interfaces"
	"github.com/ruteri/keyset-restore/rebind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	err  error
	msgs []*rebind.DealMessage
}

func (r *recorder) Deliver(ctx context.Context, msg *rebind.DealMessage) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func serve(t *testing.T, rec *recorder) string {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(rec, slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func signedDeal(t *testing.T) *rebind.DealMessage {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	msg := &rebind.DealMessage{
		Keyset:         "datil",
		Curve:          interfaces.CurveSecp256k1,
		RootKeyIndex:   3,
		Epoch:          7,
		DealerOldIndex: 2,
		Recipient:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Commitments:    []hexutil.Bytes{crypto.CompressPubkey(&key.PublicKey)},
		EncryptedEval:  []byte{1, 2, 3},
	}
	require.NoError(t, msg.Sign(key))
	return msg
}

func TestDealOverHTTP(t *testing.T) {
	rec := &recorder{}
	url := serve(t, rec)
	transport := rebind.NewHTTPTransport(5 * time.Second)

	msg := signedDeal(t)
	err := transport.Send(context.Background(), interfaces.Validator{Address: msg.Recipient, Endpoint: url + "/"}, msg)
	require.NoError(t, err)
	require.Len(t, rec.msgs, 1)
	got := rec.msgs[0]
	assert.Equal(t, msg.Dealer, got.Dealer)
	assert.Equal(t, msg.Digest(), got.Digest())
	assert.NoError(t, got.Verify())
}

func TestDealRejectionsKeepTheirKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want interfaces.Kind
	}{
		{"not a member", interfaces.ErrVerificationFailed, interfaces.KindAuthFailure},
		{"malformed", interfaces.ErrMalformedInput, interfaces.KindMalformedInput},
		{"unknown root key", interfaces.ErrUnknownRootKey, interfaces.KindMalformedInput},
		{"chain down", interfaces.ErrTransientIO, interfaces.KindTransientIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := serve(t, &recorder{err: tt.err})
			transport := rebind.NewHTTPTransport(5 * time.Second)
			msg := signedDeal(t)
			err := transport.Send(context.Background(), interfaces.Validator{Address: msg.Recipient, Endpoint: url}, msg)
			require.Error(t, err)
			assert.Equal(t, tt.want, interfaces.KindOf(err))
		})
	}
}

func TestDealGarbageBody(t *testing.T) {
	url := serve(t, &recorder{})
	resp, err := http.Post(url+rebind.PeerDealPath, "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnreachablePeerIsTransient(t *testing.T) {
	transport := rebind.NewHTTPTransport(time.Second)
	msg := signedDeal(t)
	err := transport.Send(context.Background(), interfaces.Validator{Address: msg.Recipient, Endpoint: "http://127.0.0.1:1"}, msg)
	assert.ErrorIs(t, err, interfaces.ErrTransientIO)
}
