package rebind

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ruteri/keyset-restore/interfaces"
)

type dealKey struct {
	ref   interfaces.KeyRef
	epoch uint64
}

// inbox buffers deals until the local rebind of their root key collects
// them. Deals may arrive before the local node starts rebinding. Every put
// closes the current wait channel so waiters re-check.
//
// Deliver admits one deal per committee member and root key; the number of
// root keys buffered is capped, least recently touched first out.
type inbox struct {
	mu      sync.Mutex
	deals   *lru.Cache[dealKey, map[common.Address]*DealMessage]
	changed chan struct{}
}

func newInbox(maxKeys int) (*inbox, error) {
	deals, err := lru.New[dealKey, map[common.Address]*DealMessage](maxKeys)
	if err != nil {
		return nil, err
	}
	return &inbox{deals: deals, changed: make(chan struct{})}, nil
}

// put stores msg, replacing an earlier deal from the same dealer.
func (b *inbox) put(msg *DealMessage) {
	key := dealKey{ref: msg.Ref(), epoch: msg.Epoch}
	b.mu.Lock()
	defer b.mu.Unlock()
	byDealer, ok := b.deals.Get(key)
	if !ok {
		byDealer = make(map[common.Address]*DealMessage)
		b.deals.Add(key, byDealer)
	}
	byDealer[msg.Dealer] = msg
	close(b.changed)
	b.changed = make(chan struct{})
}

// collect returns one deal per committee member once all are present.
// Otherwise it returns the number held and a channel closed on the next
// put.
func (b *inbox) collect(ref interfaces.KeyRef, committee *interfaces.Committee) (map[common.Address]*DealMessage, int, <-chan struct{}) {
	key := dealKey{ref: ref, epoch: committee.Epoch}
	b.mu.Lock()
	defer b.mu.Unlock()
	byDealer, _ := b.deals.Get(key)
	out := make(map[common.Address]*DealMessage, len(committee.Members))
	for _, m := range committee.Members {
		if msg, ok := byDealer[m.Address]; ok {
			out[m.Address] = msg
		}
	}
	if len(out) == len(committee.Members) {
		return out, len(out), nil
	}
	return nil, len(out), b.changed
}

func (b *inbox) clear(ref interfaces.KeyRef, epoch uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deals.Remove(dealKey{ref: ref, epoch: epoch})
}

func (b *inbox) clearKeyset(keyset interfaces.KeysetID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range b.deals.Keys() {
		if key.ref.Keyset == keyset {
			b.deals.Remove(key)
		}
	}
}

func (b *inbox) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deals.Purge()
}

func (b *inbox) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deals.Len()
}
