// Package query implements the iterative peer-lookup state machines used
// to drive a Kademlia-style DHT query and the pool that multiplexes many
// of them concurrently.
//
// Every iterator variant (closest, disjoint, fixed) and the pool itself
// follow the same host-driven contract: the host holds the only clock,
// and repeatedly calls Next/Poll with its current time, reacting to the
// returned state. None of the types here spawn goroutines or take locks;
// callers are expected to drive them from a single logical task, exactly
// as the surrounding NetworkBehaviour poll loop does for the rest of
// go-libp2p.
package query

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"
)

var logger = logging.Logger("dht/query")

// AlphaValue is the default parallelism (number of in-flight requests
// per query) used when a caller does not specify one.
const AlphaValue = 3

// KValue is the default replication factor (number of closest peers a
// query aims to identify) used when a caller does not specify one.
const KValue = 20

// PeerState is the lifecycle of a single peer within an iterative query.
//
// A peer transitions monotonically, except for the one documented
// exception: Unresponsive may revert to Succeeded if a late response
// arrives before the query is finished.
//
//	NotContacted -> Waiting -> (Succeeded | Failed | Unresponsive)
//	Unresponsive -> Succeeded (late response)
type PeerState int

const (
	// PeerNotContacted is the initial state of every candidate peer.
	PeerNotContacted PeerState = iota
	// PeerWaiting means a request was dispatched and a response or
	// timeout is pending.
	PeerWaiting
	// PeerSucceeded means the peer responded successfully (possibly
	// after its deadline, see PeerUnresponsive).
	PeerSucceeded
	// PeerFailed means the attempt to contact the peer failed
	// (connection error, protocol error; not a timeout).
	PeerFailed
	// PeerUnresponsive means the peer's deadline passed with no
	// response. A late response can still upgrade this to PeerSucceeded.
	PeerUnresponsive
)

func (s PeerState) String() string {
	switch s {
	case PeerNotContacted:
		return "NotContacted"
	case PeerWaiting:
		return "Waiting"
	case PeerSucceeded:
		return "Succeeded"
	case PeerFailed:
		return "Failed"
	case PeerUnresponsive:
		return "Unresponsive"
	default:
		return "Unknown"
	}
}

func (s PeerState) terminal() bool {
	return s == PeerSucceeded || s == PeerFailed
}

// Key is a target in the 256-bit XOR metric space, as produced by
// go-libp2p-kbucket from either a peer.ID or an arbitrary byte string.
type Key = kbucket.ID

// ConvertPeerID maps a peer.ID into the XOR metric space.
func ConvertPeerID(id peer.ID) Key {
	return kbucket.ConvertPeerID(id)
}

// ConvertKey maps an arbitrary byte string into the XOR metric space.
func ConvertKey(s string) Key {
	return kbucket.ConvertKey(s)
}

// IterState is the result of advancing a peer iterator by one step. It is
// returned by the Next method of every iterator variant and consumed by
// the Query/QueryPool machinery, which is the only thing that needs to
// distinguish between the variants.
type IterState int

const (
	// IterWaitingWith indicates a peer to contact now; see
	// IterResult.Peer.
	IterWaitingWith IterState = iota
	// IterWaitingWithout indicates the iterator is not finished but has
	// no candidate left to dispatch, with fewer than alpha requests in
	// flight.
	IterWaitingWithout
	// IterWaitingAtCapacity indicates alpha (or more) requests are
	// already in flight, so nothing new is dispatched until one of them
	// completes.
	IterWaitingAtCapacity
	// IterFinished is terminal.
	IterFinished
)

// IterResult is the decoded return value of an iterator's Next call.
type IterResult struct {
	State IterState
	Peer  peer.ID // valid only when State == IterWaitingWith
}

var waitingWithout = IterResult{State: IterWaitingWithout}
var waitingAtCapacity = IterResult{State: IterWaitingAtCapacity}
var finished = IterResult{State: IterFinished}

// PeerIter is the capability set shared by ClosestPeersIter,
// ClosestDisjointPeersIter and FixedPeersIter. Query dispatches to one of
// these by a tagged variant rather than by interface satisfaction alone,
// because try_finish's semantics differ meaningfully between them (see
// Query.TryFinish); the interface exists so that the bulk of Query's
// bookkeeping (stats, pending RPCs) can stay iterator-agnostic.
type PeerIter interface {
	Next(now time.Time) IterResult
	OnSuccess(p peer.ID, newPeers []peer.ID) bool
	OnFailure(p peer.ID) bool
	Finish()
	IsFinished() bool
}
