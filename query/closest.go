package query

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ClosestPeersIterConfig configures a ClosestPeersIter.
type ClosestPeersIterConfig struct {
	// NumResults is the number of closest peers the query aims to
	// identify (the replication factor k for this particular lookup).
	NumResults int
	// Parallelism is alpha, the maximum number of in-flight requests.
	Parallelism int
	// PeerTimeout is the per-peer request deadline. Zero means peers
	// never become Unresponsive on their own; the query pool's overall
	// timeout is still enforced a layer up.
	PeerTimeout time.Duration
}

// DefaultClosestPeersIterConfig returns the typical values used by a
// Kademlia lookup: 20 results, alpha 3, no per-peer deadline.
func DefaultClosestPeersIterConfig() ClosestPeersIterConfig {
	return ClosestPeersIterConfig{
		NumResults:  KValue,
		Parallelism: AlphaValue,
	}
}

type candidate struct {
	id       peer.ID
	state    PeerState
	deadline time.Time
	seq      int // insertion order; recorded, not consulted by resort
}

// ClosestPeersIter drives one iterative lookup towards the peers closest
// to a target key, per spec.md section 4.1 ("Closest-Peer Iterator").
type ClosestPeersIter struct {
	cfg      ClosestPeersIterConfig
	target   Key
	order    []*candidate   // kept sorted ascending by distance to target
	byPeer   map[peer.ID]*candidate
	nextSeq  int
	finished bool
}

// NewClosestPeersIter seeds the iterator with an initial set of peers,
// e.g. the local routing table's closest known peers to target.
func NewClosestPeersIter(cfg ClosestPeersIterConfig, target Key, seed []peer.ID) *ClosestPeersIter {
	it := &ClosestPeersIter{
		cfg:    cfg,
		target: target,
		byPeer: make(map[peer.ID]*candidate, len(seed)),
	}
	for _, p := range seed {
		it.addCandidate(p)
	}
	return it
}

// addCandidate inserts p into the sorted candidate list if not already
// present. Returns true if newly added.
func (it *ClosestPeersIter) addCandidate(p peer.ID) bool {
	if _, ok := it.byPeer[p]; ok {
		return false
	}
	c := &candidate{
		id:    p,
		state: PeerNotContacted,
		seq:   it.nextSeq,
	}
	it.nextSeq++
	it.byPeer[p] = c
	it.order = append(it.order, c)
	it.resort()
	return true
}

// resort re-ranks the candidate list by distance to target using
// go-libp2p-kbucket's own comparison; lists stay short (k + slop), so
// re-sorting on every insert is simpler and fast enough than
// maintaining a heap by hand.
func (it *ClosestPeersIter) resort() {
	ids := make([]peer.ID, len(it.order))
	for i, c := range it.order {
		ids[i] = c.id
	}
	sorted := sortByDistance(ids, it.target)
	reordered := make([]*candidate, len(sorted))
	for i, id := range sorted {
		reordered[i] = it.byPeer[id]
	}
	it.order = reordered
}

// Next implements PeerIter.
func (it *ClosestPeersIter) Next(now time.Time) IterResult {
	if it.finished {
		return finished
	}

	// Expire any Waiting candidate whose deadline has passed before
	// evaluating termination or selection, per the "Selection rule".
	if it.cfg.PeerTimeout > 0 {
		for _, c := range it.order {
			if c.state == PeerWaiting && !c.deadline.IsZero() && !now.Before(c.deadline) {
				c.state = PeerUnresponsive
			}
		}
	}

	if it.checkFinished() {
		return finished
	}

	waiting := 0
	for _, c := range it.order {
		if c.state == PeerWaiting {
			waiting++
		}
	}

	for _, c := range it.order {
		if c.state != PeerNotContacted {
			continue
		}
		if waiting >= it.cfg.Parallelism {
			break
		}
		c.state = PeerWaiting
		if it.cfg.PeerTimeout > 0 {
			c.deadline = now.Add(it.cfg.PeerTimeout)
		}
		return IterResult{State: IterWaitingWith, Peer: c.id}
	}

	if waiting >= it.cfg.Parallelism {
		return waitingAtCapacity
	}
	return waitingWithout
}

// checkFinished applies the termination rule from spec.md 4.1 and caches
// the result on it.finished.
func (it *ClosestPeersIter) checkFinished() bool {
	if it.finished {
		return true
	}

	// (b) no candidate is NotContacted or Waiting.
	anyActive := false
	for _, c := range it.order {
		if c.state == PeerNotContacted || c.state == PeerWaiting {
			anyActive = true
			break
		}
	}
	if !anyActive {
		it.finished = true
		return true
	}

	// (a) the first NumResults closest candidates are all Succeeded.
	n := it.cfg.NumResults
	if n > len(it.order) {
		n = len(it.order)
	}
	if n > 0 {
		allSucceeded := true
		for i := 0; i < n; i++ {
			if it.order[i].state != PeerSucceeded {
				allSucceeded = false
				break
			}
		}
		if allSucceeded {
			it.finished = true
			return true
		}
	}

	return false
}

// OnSuccess implements PeerIter. newPeers are always merged into the
// candidate set, whatever their distance, since the
// soft cap (slop) on retained candidates is an implementation policy,
// not a contract — extra candidates beyond NumResults simply never get
// dispatched once the frontier is won.
func (it *ClosestPeersIter) OnSuccess(p peer.ID, newPeers []peer.ID) bool {
	c, ok := it.byPeer[p]
	if !ok {
		return false
	}
	// A late response after finish() is ignored (4.1 "Freshness").
	if it.finished {
		return false
	}
	updated := c.state != PeerSucceeded
	c.state = PeerSucceeded

	for _, np := range newPeers {
		if np == p {
			continue
		}
		it.addCandidate(np)
	}

	it.checkFinished()
	return updated
}

// OnFailure implements PeerIter.
func (it *ClosestPeersIter) OnFailure(p peer.ID) bool {
	c, ok := it.byPeer[p]
	if !ok {
		return false
	}
	if it.finished {
		return false
	}
	updated := c.state != PeerFailed
	c.state = PeerFailed
	it.checkFinished()
	return updated
}

// Finish implements PeerIter, forcing the iterator into its terminal
// state immediately.
func (it *ClosestPeersIter) Finish() {
	it.finished = true
}

// IsFinished implements PeerIter.
func (it *ClosestPeersIter) IsFinished() bool {
	return it.finished
}

// Closest returns the NumResults closest peers seen so far whose state
// is Succeeded, in ascending distance order. Intended to be read once
// the iterator has finished.
func (it *ClosestPeersIter) Closest() []peer.ID {
	out := make([]peer.ID, 0, it.cfg.NumResults)
	for _, c := range it.order {
		if c.state != PeerSucceeded {
			continue
		}
		out = append(out, c.id)
		if len(out) == it.cfg.NumResults {
			break
		}
	}
	return out
}

// waitingCount reports how many candidates are currently Waiting; used
// by tests asserting the "at most alpha in flight" invariant.
func (it *ClosestPeersIter) waitingCount() int {
	n := 0
	for _, c := range it.order {
		if c.state == PeerWaiting {
			n++
		}
	}
	return n
}
