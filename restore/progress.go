package restore

import (
	"sort"
	"sync"

	"github.com/ruteri/keyset-restore/interfaces"
)

type keyProgress struct {
	stage interfaces.RootKeyStage
	err   string
}

type keysetProgress struct {
	keys map[interfaces.RootKeyID]*keyProgress
}

// Progress tracks every hosted root key through the restore. Stages only
// move forward, except that Reset starts over.
type Progress struct {
	mu        sync.RWMutex
	keysets   map[interfaces.KeysetID]*keysetProgress
	listeners []func()
}

func NewProgress() *Progress {
	return &Progress{keysets: make(map[interfaces.KeysetID]*keysetProgress)}
}

// Subscribe registers fn to be called after every stage change. fn runs
// outside the tracker's lock.
func (p *Progress) Subscribe(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Track declares the root keys of a keyset. Keys already tracked keep
// their stage.
func (p *Progress) Track(keyset interfaces.KeysetID, ids []interfaces.RootKeyID) {
	p.mu.Lock()
	ks, ok := p.keysets[keyset]
	if !ok {
		ks = &keysetProgress{keys: make(map[interfaces.RootKeyID]*keyProgress)}
		p.keysets[keyset] = ks
	}
	for _, id := range ids {
		if _, ok := ks.keys[id]; !ok {
			ks.keys[id] = &keyProgress{stage: interfaces.StageAwaitingShares}
		}
	}
	p.mu.Unlock()
	p.notify()
}

// Advance moves a root key to stage. Moves backwards are ignored, as is
// any move out of Failed.
func (p *Progress) Advance(ref interfaces.KeyRef, stage interfaces.RootKeyStage) {
	p.mu.Lock()
	kp := p.keyLocked(ref)
	changed := false
	if kp.stage != interfaces.StageFailed && stage > kp.stage {
		kp.stage = stage
		changed = true
	}
	p.mu.Unlock()
	if changed {
		p.notify()
	}
}

// Fail marks a root key as failed with a diagnostic.
func (p *Progress) Fail(ref interfaces.KeyRef, err error) {
	p.mu.Lock()
	kp := p.keyLocked(ref)
	kp.stage = interfaces.StageFailed
	kp.err = interfaces.CodeOf(err)
	p.mu.Unlock()
	p.notify()
}

// Revert puts a root key back to an earlier stage after a retryable
// failure, e.g. Reconstructing back to ThresholdReady.
func (p *Progress) Revert(ref interfaces.KeyRef, stage interfaces.RootKeyStage) {
	p.mu.Lock()
	kp := p.keyLocked(ref)
	if kp.stage != interfaces.StageFailed {
		kp.stage = stage
	}
	p.mu.Unlock()
}

func (p *Progress) keyLocked(ref interfaces.KeyRef) *keyProgress {
	ks, ok := p.keysets[ref.Keyset]
	if !ok {
		ks = &keysetProgress{keys: make(map[interfaces.RootKeyID]*keyProgress)}
		p.keysets[ref.Keyset] = ks
	}
	kp, ok := ks.keys[ref.Key]
	if !ok {
		kp = &keyProgress{stage: interfaces.StageAwaitingShares}
		ks.keys[ref.Key] = kp
	}
	return kp
}

// Stage returns the current stage of a root key.
func (p *Progress) Stage(ref interfaces.KeyRef) interfaces.RootKeyStage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ks, ok := p.keysets[ref.Keyset]; ok {
		if kp, ok := ks.keys[ref.Key]; ok {
			return kp.stage
		}
	}
	return interfaces.StageAwaitingShares
}

// AllAtLeast reports whether every root key of every given keyset reached
// stage. A keyset with no tracked keys is never complete.
func (p *Progress) AllAtLeast(keysets []interfaces.KeysetID, stage interfaces.RootKeyStage) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, keyset := range keysets {
		ks, ok := p.keysets[keyset]
		if !ok || len(ks.keys) == 0 {
			return false
		}
		for _, kp := range ks.keys {
			if kp.stage == interfaces.StageFailed || kp.stage < stage {
				return false
			}
		}
	}
	return true
}

// Keys returns the tracked root keys of a keyset in canonical order.
func (p *Progress) Keys(keyset interfaces.KeysetID) []interfaces.RootKeyID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ks, ok := p.keysets[keyset]
	if !ok {
		return nil
	}
	ids := make([]interfaces.RootKeyID, 0, len(ks.keys))
	for id := range ks.keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Snapshot returns per-key status for a keyset. Share counts are filled in
// by the caller.
func (p *Progress) Snapshot(keyset interfaces.KeysetID) []interfaces.RootKeyStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ks, ok := p.keysets[keyset]
	if !ok {
		return nil
	}
	out := make([]interfaces.RootKeyStatus, 0, len(ks.keys))
	for id, kp := range ks.keys {
		out = append(out, interfaces.RootKeyStatus{
			Curve: id.Curve,
			Index: id.Index,
			Stage: kp.stage,
			Error: kp.err,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return interfaces.RootKeyID{Curve: out[i].Curve, Index: out[i].Index}.Less(
			interfaces.RootKeyID{Curve: out[j].Curve, Index: out[j].Index})
	})
	return out
}

// Reset forgets all tracked keys.
func (p *Progress) Reset() {
	p.mu.Lock()
	p.keysets = make(map[interfaces.KeysetID]*keysetProgress)
	p.mu.Unlock()
	p.notify()
}

func (p *Progress) notify() {
	p.mu.RLock()
	listeners := append([]func(){}, p.listeners...)
	p.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}
