package query

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

type fixedCandidate struct {
	id    peer.ID
	state PeerState
}

// FixedPeersIter contacts a pre-declared set of peers, dispatching up to
// parallelism concurrently, with no dynamic learning of new peers. See
// spec.md section 4.3.
type FixedPeersIter struct {
	parallelism int
	order       []*fixedCandidate
	byPeer      map[peer.ID]*fixedCandidate
	finished    bool
}

// NewFixedPeersIter builds a FixedPeersIter over the given peer set.
// Peers are contacted in the order given, per spec.md 5 ("arrival
// order").
func NewFixedPeersIter(peers []peer.ID, parallelism int) *FixedPeersIter {
	it := &FixedPeersIter{
		parallelism: parallelism,
		byPeer:      make(map[peer.ID]*fixedCandidate, len(peers)),
	}
	for _, p := range peers {
		if _, ok := it.byPeer[p]; ok {
			continue
		}
		c := &fixedCandidate{id: p, state: PeerNotContacted}
		it.byPeer[p] = c
		it.order = append(it.order, c)
	}
	return it
}

// Next implements PeerIter. FixedPeersIter has no per-peer deadlines of
// its own; a peer that never calls back simply stays Waiting until the
// owning query's pool-level timeout fires.
func (it *FixedPeersIter) Next(_ time.Time) IterResult {
	if it.finished {
		return finished
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
		if waiting >= it.parallelism {
			break
		}
		c.state = PeerWaiting
		return IterResult{State: IterWaitingWith, Peer: c.id}
	}

	if waiting >= it.parallelism {
		return waitingAtCapacity
	}
	return waitingWithout
}

func (it *FixedPeersIter) checkFinished() bool {
	if it.finished {
		return true
	}
	for _, c := range it.order {
		if c.state == PeerNotContacted || c.state == PeerWaiting {
			return false
		}
	}
	it.finished = true
	return true
}

// OnSuccess implements PeerIter. FixedPeersIter never learns new peers.
func (it *FixedPeersIter) OnSuccess(p peer.ID, _ []peer.ID) bool {
	c, ok := it.byPeer[p]
	if !ok || it.finished {
		return false
	}
	updated := c.state != PeerSucceeded
	c.state = PeerSucceeded
	it.checkFinished()
	return updated
}

// OnFailure implements PeerIter.
func (it *FixedPeersIter) OnFailure(p peer.ID) bool {
	c, ok := it.byPeer[p]
	if !ok || it.finished {
		return false
	}
	updated := c.state != PeerFailed
	c.state = PeerFailed
	it.checkFinished()
	return updated
}

// Finish implements PeerIter.
func (it *FixedPeersIter) Finish() {
	it.finished = true
}

// IsFinished implements PeerIter.
func (it *FixedPeersIter) IsFinished() bool {
	return it.finished
}

// Succeeded returns the peers that responded successfully.
func (it *FixedPeersIter) Succeeded() []peer.ID {
	var out []peer.ID
	for _, c := range it.order {
		if c.state == PeerSucceeded {
			out = append(out, c.id)
		}
	}
	return out
}
