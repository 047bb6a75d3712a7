// Package admission implements allow-list and block-list connection
// gating: a peer set consulted on every inbound/outbound connection
// attempt, plus a FIFO queue of close orders for peers that lose their
// admission while already connected.
//
// Both gate types are driven the same way as the query pool: a single
// owner repeatedly calls Poll to drain pending close orders, and a
// Waker is exposed so that owner can block (select on Ready()) between
// polls instead of busy-looping.
package admission

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
)

var logger = logging.Logger("admission")

// Waker lets state-mutating calls (Allow, Disallow, Block, Unblock)
// rouse a polling loop that is currently idle. It is intentionally
// minimal: a single buffered slot signalling "something changed, poll
// again", not a condition variable or a fan-out broadcast.
type Waker struct {
	ready chan struct{}
}

// NewWaker constructs an unsignalled Waker.
func NewWaker() *Waker {
	return &Waker{ready: make(chan struct{}, 1)}
}

// Wake signals the waker. Idempotent while unconsumed: multiple Wake
// calls before the next Ready receive coalesce into one wakeup.
func (w *Waker) Wake() {
	select {
	case w.ready <- struct{}{}:
	default:
	}
}

// Ready returns the channel a polling loop can select on to learn that
// Poll may now have work to do.
func (w *Waker) Ready() <-chan struct{} {
	return w.ready
}

// NotAllowed is returned by an admission check when the peer is absent
// from an allow-mode gate's set.
type NotAllowed struct {
	Peer peer.ID
}

func (e *NotAllowed) Error() string {
	return fmt.Sprintf("peer %s is not in the allow list", e.Peer)
}

// Blocked is returned by an admission check when the peer is present
// in a block-mode gate's set.
type Blocked struct {
	Peer peer.ID
}

func (e *Blocked) Error() string {
	return fmt.Sprintf("peer %s is in the block list", e.Peer)
}

// gate is the shared bookkeeping behind AllowList and BlockList: a
// peer set, a FIFO close-order queue, and a waker. Neither field is
// touched by more than one goroutine; callers own exclusive access,
// same as every other subsystem in this module.
type gate struct {
	peers       map[peer.ID]struct{}
	closeOrders []peer.ID
	waker       *Waker
}

func newGate() gate {
	return gate{
		peers: make(map[peer.ID]struct{}),
		waker: NewWaker(),
	}
}

func (g *gate) enqueueClose(p peer.ID) {
	g.closeOrders = append(g.closeOrders, p)
	g.waker.Wake()
}

// Peers returns the current set of listed peers, for introspection.
func (g *gate) Peers() []peer.ID {
	out := make([]peer.ID, 0, len(g.peers))
	for p := range g.peers {
		out = append(out, p)
	}
	return out
}

// Poll dequeues the next pending close order in FIFO order, or returns
// false if there is nothing to close right now.
func (g *gate) Poll() (peer.ID, bool) {
	if len(g.closeOrders) == 0 {
		return "", false
	}
	p := g.closeOrders[0]
	g.closeOrders = g.closeOrders[1:]
	return p, true
}

// Waker returns the gate's wake handle.
func (g *gate) Waker() *Waker {
	return g.waker
}

// AllowList admits a connection only if the peer is in its set. See
// spec section 4.6, allow-mode.
type AllowList struct {
	gate
}

// NewAllowList constructs an empty allow-mode gate.
func NewAllowList() *AllowList {
	return &AllowList{gate: newGate()}
}

// Allow adds peer to the set. Returns whether it was newly inserted.
func (l *AllowList) Allow(p peer.ID) bool {
	if _, ok := l.peers[p]; ok {
		return false
	}
	l.peers[p] = struct{}{}
	l.waker.Wake()
	return true
}

// Disallow removes peer from the set, queuing a close order if it was
// present. Returns whether it was present.
func (l *AllowList) Disallow(p peer.ID) bool {
	if _, ok := l.peers[p]; !ok {
		return false
	}
	delete(l.peers, p)
	l.enqueueClose(p)
	logger.Debugf("disallowed peer %s, queued close", p)
	return true
}

// CheckInboundEstablished admits an already-established inbound
// connection, denying with NotAllowed if peer is not in the set.
func (l *AllowList) CheckInboundEstablished(p peer.ID) error {
	return l.check(p)
}

// CheckOutboundPending admits a not-yet-dialed outbound connection
// attempt, denying with NotAllowed if peer is not in the set.
func (l *AllowList) CheckOutboundPending(p peer.ID) error {
	return l.check(p)
}

// CheckOutboundEstablished admits an already-established outbound
// connection, denying with NotAllowed if peer is not in the set.
func (l *AllowList) CheckOutboundEstablished(p peer.ID) error {
	return l.check(p)
}

func (l *AllowList) check(p peer.ID) error {
	if _, ok := l.peers[p]; !ok {
		return &NotAllowed{Peer: p}
	}
	return nil
}

// BlockList denies a connection only if the peer is in its set. See
// spec section 4.6, block-mode.
type BlockList struct {
	gate
}

// NewBlockList constructs an empty block-mode gate.
func NewBlockList() *BlockList {
	return &BlockList{gate: newGate()}
}

// Block adds peer to the set, queuing a close order if it was newly
// inserted. Returns whether it was newly inserted.
func (l *BlockList) Block(p peer.ID) bool {
	if _, ok := l.peers[p]; ok {
		return false
	}
	l.peers[p] = struct{}{}
	l.enqueueClose(p)
	logger.Debugf("blocked peer %s, queued close", p)
	return true
}

// Unblock removes peer from the set. Returns whether it was present.
func (l *BlockList) Unblock(p peer.ID) bool {
	if _, ok := l.peers[p]; !ok {
		return false
	}
	delete(l.peers, p)
	l.waker.Wake()
	return true
}

// CheckInboundEstablished admits an already-established inbound
// connection, denying with Blocked if peer is in the set.
func (l *BlockList) CheckInboundEstablished(p peer.ID) error {
	return l.check(p)
}

// CheckOutboundPending admits a not-yet-dialed outbound connection
// attempt, denying with Blocked if peer is in the set.
func (l *BlockList) CheckOutboundPending(p peer.ID) error {
	return l.check(p)
}

// CheckOutboundEstablished admits an already-established outbound
// connection, denying with Blocked if peer is in the set.
func (l *BlockList) CheckOutboundEstablished(p peer.ID) error {
	return l.check(p)
}

func (l *BlockList) check(p peer.ID) error {
	if _, ok := l.peers[p]; ok {
		return &Blocked{Peer: p}
	}
	return nil
}
