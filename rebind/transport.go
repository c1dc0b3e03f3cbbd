package rebind

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/keyset-restore/api"
	"github.com/ruteri/keyset-restore/interfaces"
)

// PeerDealPath is the peer endpoint deals are posted to.
const PeerDealPath = "/web/peer/rebind_deal"

// Transport delivers deals to other committee members.
type Transport interface {
	Send(ctx context.Context, to interfaces.Validator, msg *DealMessage) error
}

// Receiver accepts deals from peers.
type Receiver interface {
	Deliver(ctx context.Context, msg *DealMessage) error
}

// LocalTransport connects in-process nodes.
type LocalTransport struct {
	mu    sync.RWMutex
	peers map[common.Address]Receiver
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{peers: make(map[common.Address]Receiver)}
}

// Register makes r reachable as addr.
func (t *LocalTransport) Register(addr common.Address, r Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[addr] = r
}

// Unregister makes addr unreachable, as if the node went down.
func (t *LocalTransport) Unregister(addr common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, addr)
}

func (t *LocalTransport) Send(ctx context.Context, to interfaces.Validator, msg *DealMessage) error {
	t.mu.RLock()
	r, ok := t.peers[to.Address]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: peer %s unreachable", interfaces.ErrTransientIO, to.Address.Hex())
	}
	return r.Deliver(ctx, msg.clone())
}

// HTTPTransport posts deals to the endpoint each validator registered in
// the staking contract.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

func (t *HTTPTransport) Send(ctx context.Context, to interfaces.Validator, msg *DealMessage) error {
	if to.Endpoint == "" {
		return fmt.Errorf("%w: validator %s has no endpoint", interfaces.ErrInvariantViolation, to.Address.Hex())
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	url := strings.TrimRight(to.Endpoint, "/") + PeerDealPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: posting deal to %s: %v", interfaces.ErrTransientIO, to.Address.Hex(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: peer %s returned %d", interfaces.ErrTransientIO, to.Address.Hex(), resp.StatusCode)
	}
	return api.DecodeError(resp.StatusCode, respBody)
}
