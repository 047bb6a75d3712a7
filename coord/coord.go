// Package coord is the host glue tying the query pool, registration
// store and admission gates together behind one event surface. It
// plays the role the NetworkBehaviour/Swarm boundary plays in the
// rust originals: translating wire-level requests into calls on C1-C4
// and translating their internal results back into events a transport
// layer can act on (send a response, close a connection, dial a
// peer).
//
// Coordinator itself holds no connections and does no I/O; a caller
// drives it by feeding inbound events and periodically calling Poll.
package coord

import (
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/libp2p/go-libp2p-coord/admission"
	"github.com/libp2p/go-libp2p-coord/query"
	"github.com/libp2p/go-libp2p-coord/rendezvous"
)

var logger = logging.Logger("coord")

// Config bundles the configuration of every owned subsystem.
type Config struct {
	Query      query.QueryConfig
	Rendezvous rendezvous.Config
	RandomSeed int64
	// Clock sources the time used by Advance. A caller may inject a
	// clock.Mock; nil selects clock.New().
	Clock clock.Clock
}

// DefaultConfig returns the subsystem defaults, per spec.md section 6.
func DefaultConfig() Config {
	return Config{
		Query:      query.DefaultQueryConfig(),
		Rendezvous: rendezvous.DefaultConfig(),
		RandomSeed: 1,
	}
}

// Coordinator owns one instance of each core subsystem and exposes the
// combined external event surface described in spec.md section 6.
type Coordinator struct {
	queries       *query.QueryPool
	registrations *rendezvous.Registrations
	allowList     *admission.AllowList
	blockList     *admission.BlockList
	clock         clock.Clock

	pending []Event
}

// New constructs a Coordinator with an allow-list and a block-list
// both active; a deployment that only wants one mode simply never
// calls the other's mutators.
func New(cfg Config) *Coordinator {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	return &Coordinator{
		queries:       query.NewQueryPool(cfg.Query),
		registrations: rendezvous.NewRegistrations(cfg.Rendezvous, cfg.RandomSeed),
		allowList:     admission.NewAllowList(),
		blockList:     admission.NewBlockList(),
		clock:         c,
	}
}

// Advance polls every owned subsystem using the Coordinator's own
// clock, for callers that don't want to track wall time themselves.
func (c *Coordinator) Advance() (Event, bool) {
	return c.Poll(c.clock.Now())
}

// AllowList exposes the allow-mode gate for host mutators
// (Allow/Disallow) and introspection.
func (c *Coordinator) AllowList() *admission.AllowList { return c.allowList }

// BlockList exposes the block-mode gate for host mutators
// (Block/Unblock) and introspection.
func (c *Coordinator) BlockList() *admission.BlockList { return c.blockList }

// Queries exposes the query pool for starting new closest/fixed
// lookups and feeding back per-peer results.
func (c *Coordinator) Queries() *query.QueryPool { return c.queries }

// EventKind tags the variant of an Event emitted by Poll.
type EventKind int

const (
	// EventQueryDispatch carries a peer the host must now contact for
	// the named query.
	EventQueryDispatch EventKind = iota
	// EventQueryFinished carries a query that reached its terminal
	// state.
	EventQueryFinished
	// EventQueryTimeout carries a query that exceeded the pool timeout.
	EventQueryTimeout
	// EventRegistrationExpired carries a registration whose TTL elapsed.
	EventRegistrationExpired
	// EventCloseConnection asks the host to close every connection to
	// a peer, per an admission gate's close-order queue.
	EventCloseConnection
	// EventDiscoverServed reports a successfully answered DISCOVER.
	EventDiscoverServed
	// EventDiscoverNotServed reports a DISCOVER rejected for cookie
	// validation reasons.
	EventDiscoverNotServed
	// EventPeerRegistered reports a successful REGISTER.
	EventPeerRegistered
	// EventPeerNotRegistered reports a rejected REGISTER.
	EventPeerNotRegistered
	// EventPeerUnregistered reports an UNREGISTER.
	EventPeerUnregistered
)

// Event is the single discriminated result type Poll and the
// Handle* methods report through, mirroring spec.md section 6's event
// list.
type Event struct {
	Kind EventKind

	Peer peer.ID // EventQueryDispatch, EventCloseConnection, EventPeerRegistered, EventPeerNotRegistered, EventPeerUnregistered

	QueryID QueryID
	Query   *query.Query // EventQueryDispatch, EventQueryFinished, EventQueryTimeout

	// PendingMessages carries whatever Peer had queued via
	// Query.QueueRPC before this dispatch, drained automatically so the
	// host can send them alongside the dispatch itself. EventQueryDispatch
	// only.
	PendingMessages []interface{}

	Registration  rendezvous.Registration   // EventRegistrationExpired, EventPeerRegistered, EventPeerNotRegistered, EventPeerUnregistered
	Registrations []rendezvous.Registration // EventDiscoverServed
	Cookie        rendezvous.Cookie         // EventDiscoverServed, for paging the next DISCOVER

	Enquirer peer.ID // EventDiscoverServed, EventDiscoverNotServed
	Error    error   // EventPeerNotRegistered, EventDiscoverNotServed
}

// QueryID re-exports query.QueryID so callers of this package don't
// need to import query just to name one.
type QueryID = query.QueryID

// Poll advances every owned subsystem by one step and returns at most
// one Event, preferring any event in the internal pending queue before
// polling the subsystems themselves (the Handle* methods return their
// events directly and do not add to that queue). Returns false when
// there is nothing to report right now.
func (c *Coordinator) Poll(now time.Time) (Event, bool) {
	if len(c.pending) > 0 {
		ev := c.pending[0]
		c.pending = c.pending[1:]
		return ev, true
	}

	if p, ok := c.allowList.Poll(); ok {
		return Event{Kind: EventCloseConnection, Peer: p}, true
	}
	if p, ok := c.blockList.Poll(); ok {
		return Event{Kind: EventCloseConnection, Peer: p}, true
	}

	if reg, ok := c.registrations.Poll(now); ok {
		return Event{Kind: EventRegistrationExpired, Registration: reg}, true
	}

	switch st := c.queries.Poll(now); st.Kind {
	case query.PoolWaiting:
		if st.Query != nil {
			return Event{
				Kind:            EventQueryDispatch,
				Peer:            st.Peer,
				QueryID:         st.QueryID,
				Query:           st.Query,
				PendingMessages: st.Query.DrainRPCs(st.Peer),
			}, true
		}
	case query.PoolFinished:
		return Event{Kind: EventQueryFinished, QueryID: st.QueryID, Query: st.Query}, true
	case query.PoolTimeout:
		return Event{Kind: EventQueryTimeout, QueryID: st.QueryID, Query: st.Query}, true
	}

	return Event{}, false
}

// HandleRegister processes a REGISTER request. sender is the
// network-layer identity of whoever sent the request; it is compared
// against the record's own claimed peer id, enforcing that a peer can
// only register on its own behalf (the rust "NotAuthorized" check,
// impossible to do inside Registrations itself since the store never
// sees who sent the request).
func (c *Coordinator) HandleRegister(now time.Time, sender peer.ID, nr rendezvous.NewRegistration) Event {
	if nr.Record.PeerID != sender {
		err := &NotAuthorized{Sender: sender, Claimed: nr.Record.PeerID}
		return Event{
			Kind:         EventPeerNotRegistered,
			Peer:         sender,
			Registration: rendezvous.Registration{Namespace: nr.Namespace},
			Error:        err,
		}
	}

	reg, err := c.registrations.Add(now, nr)
	if err != nil {
		return Event{
			Kind:         EventPeerNotRegistered,
			Peer:         sender,
			Registration: rendezvous.Registration{Namespace: nr.Namespace},
			Error:        err,
		}
	}
	return Event{Kind: EventPeerRegistered, Peer: sender, Registration: reg}
}

// HandleUnregister processes an UNREGISTER request.
func (c *Coordinator) HandleUnregister(sender peer.ID, ns rendezvous.Namespace) Event {
	c.registrations.Remove(ns, sender)
	return Event{Kind: EventPeerUnregistered, Peer: sender, Registration: rendezvous.Registration{Namespace: ns}}
}

// HandleDiscover processes a DISCOVER request. The returned Event's
// Cookie, when EventDiscoverServed, is what the caller must hand back
// on the next DISCOVER for this namespace to page past these results.
func (c *Coordinator) HandleDiscover(enquirer peer.ID, ns *rendezvous.Namespace, cookie *rendezvous.Cookie, limit int) Event {
	regs, next, err := c.registrations.Get(ns, cookie, limit)
	if err != nil {
		return Event{Kind: EventDiscoverNotServed, Enquirer: enquirer, Error: err}
	}
	return Event{Kind: EventDiscoverServed, Enquirer: enquirer, Registrations: regs, Cookie: next}
}

// NotAuthorized is returned when a REGISTER request's claimed record
// owner does not match the network-layer sender.
type NotAuthorized struct {
	Sender  peer.ID
	Claimed peer.ID
}

func (e *NotAuthorized) Error() string {
	return "registration record peer id does not match sender"
}
