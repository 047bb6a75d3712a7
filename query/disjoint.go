package query

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ClosestDisjointPeersIter runs d parallel ClosestPeersIter sub-queries
// over disjoint peer sets, for sybil resistance against a single
// poisoned region of the keyspace. See spec.md section 4.2.
type ClosestDisjointPeersIter struct {
	paths    []*ClosestPeersIter
	seen     map[peer.ID]int // peer -> index of the path it was assigned to
	nextPath int             // round-robin cursor for new-peer assignment
	pollIdx  int             // round-robin cursor for Next polling
	finished bool
}

// NewClosestDisjointPeersIter splits the seed set round-robin across d =
// cfg.Parallelism sub-iterators, each itself using alpha=1 internally
// (the outer parallelism is realized by having d paths in flight, not by
// each path itself running several requests at once); see the
// "Motivation" note in spec.md 4.2.
func NewClosestDisjointPeersIter(cfg ClosestPeersIterConfig, target Key, seed []peer.ID) *ClosestDisjointPeersIter {
	d := cfg.Parallelism
	if d < 1 {
		d = 1
	}

	subCfg := cfg
	subCfg.Parallelism = 1

	it := &ClosestDisjointPeersIter{
		paths: make([]*ClosestPeersIter, d),
		seen:  make(map[peer.ID]int),
	}
	for i := range it.paths {
		it.paths[i] = NewClosestPeersIter(subCfg, target, nil)
	}
	for i, p := range seed {
		path := i % d
		if _, dup := it.seen[p]; dup {
			continue
		}
		it.seen[p] = path
		it.paths[path].addCandidate(p)
	}
	return it
}

func (it *ClosestDisjointPeersIter) pathFor(p peer.ID) (int, bool) {
	idx, ok := it.seen[p]
	return idx, ok
}

// assign places a newly learned peer onto the next path in round-robin
// order, skipping paths that already contain it (impossible here since
// assignment is global, kept for symmetry with the "not re-added to
// another" invariant in spec.md 4.2).
func (it *ClosestDisjointPeersIter) assign(p peer.ID) {
	if _, ok := it.pathFor(p); ok {
		return
	}
	path := it.nextPath % len(it.paths)
	it.nextPath++
	it.seen[p] = path
	it.paths[path].addCandidate(p)
}

// Next implements PeerIter, polling sub-iterators fairly in round-robin
// order.
func (it *ClosestDisjointPeersIter) Next(now time.Time) IterResult {
	if it.finished {
		return finished
	}
	if it.IsFinished() {
		it.finished = true
		return finished
	}

	// Poll every still-active path exactly once this round, fairly,
	// starting from the round-robin cursor. The first path offering a
	// peer to contact wins; otherwise the round determines whether the
	// composite is merely waiting or fully at capacity.
	n := len(it.paths)
	anyCapacity := false
	for i := 0; i < n; i++ {
		idx := (it.pollIdx + i) % n
		path := it.paths[idx]
		if path.IsFinished() {
			continue
		}
		res := path.Next(now)
		if res.State == IterWaitingWith {
			it.pollIdx = (idx + 1) % n
			return res
		}
		if res.State == IterWaitingAtCapacity {
			anyCapacity = true
		}
	}

	it.pollIdx = (it.pollIdx + 1) % n
	if anyCapacity {
		return waitingAtCapacity
	}
	return waitingWithout
}

// OnSuccess implements PeerIter, routing feedback to the sub-iterator
// that owns the peer, and assigning newly learned peers round-robin
// across paths per the Open Question resolution in SPEC_FULL.md.
func (it *ClosestDisjointPeersIter) OnSuccess(p peer.ID, newPeers []peer.ID) bool {
	idx, ok := it.pathFor(p)
	var updated bool
	if ok {
		updated = it.paths[idx].OnSuccess(p, nil)
	}
	for _, np := range newPeers {
		if np == p {
			continue
		}
		it.assign(np)
	}
	return updated
}

// OnFailure implements PeerIter.
func (it *ClosestDisjointPeersIter) OnFailure(p peer.ID) bool {
	idx, ok := it.pathFor(p)
	if !ok {
		return false
	}
	return it.paths[idx].OnFailure(p)
}

// Finish implements PeerIter, forcing every sub-iterator to terminate.
func (it *ClosestDisjointPeersIter) Finish() {
	it.finished = true
	for _, path := range it.paths {
		path.Finish()
	}
}

// IsFinished implements PeerIter. The composite is finished when every
// sub-iterator is individually finished.
func (it *ClosestDisjointPeersIter) IsFinished() bool {
	if it.finished {
		return true
	}
	for _, path := range it.paths {
		if !path.IsFinished() {
			return false
		}
	}
	return true
}

// TryFinish attempts to gracefully finish the query, succeeding only
// when every sub-iterator contains at least one peer from peers in a
// terminal state, per spec.md 4.2 ("each disjoint path reached a
// stopping condition").
func (it *ClosestDisjointPeersIter) TryFinish(peers []peer.ID) bool {
	inSet := make(map[peer.ID]bool, len(peers))
	for _, p := range peers {
		inSet[p] = true
	}

	for _, path := range it.paths {
		satisfied := false
		for _, c := range path.order {
			if !inSet[c.id] {
				continue
			}
			if c.state.terminal() {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false
		}
	}

	it.Finish()
	return true
}

// Closest merges the Succeeded peers from every path, sorted by distance
// to the shared target.
func (it *ClosestDisjointPeersIter) Closest() []peer.ID {
	if len(it.paths) == 0 {
		return nil
	}
	target := it.paths[0].target
	var all []peer.ID
	for _, path := range it.paths {
		all = append(all, path.Closest()...)
	}
	return sortByDistance(all, target)
}
