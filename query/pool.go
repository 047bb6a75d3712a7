package query

import (
	"fmt"
	"time"

	u "github.com/ipfs/go-ipfs-util"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// QueryID uniquely identifies an active query within a QueryPool. It
// wraps a monotonic counter that wraps around on overflow, per spec.md
// section 3.
type QueryID uint64

func (id QueryID) String() string {
	return fmt.Sprintf("query-%d", uint64(id))
}

// PeerInfo pairs a discovered peer with the addresses learned for it
// during the query, mirroring the rust `PeerInfo` carried on
// QueryCompleted.
type PeerInfo struct {
	ID    peer.ID
	Addrs []multiaddr.Multiaddr
}

// QueryConfig configures every query added to a QueryPool. Defaults
// match spec.md section 6.
type QueryConfig struct {
	// Timeout bounds the wall-clock lifetime of a query, independent of
	// any per-peer request deadline inside its iterator.
	Timeout time.Duration
	// ReplicationFactor (k) is the default NumResults for closest
	// queries that don't specify their own.
	ReplicationFactor int
	// Parallelism (alpha) is the default concurrency for closest and
	// fixed queries.
	Parallelism int
	// DisjointQueryPaths selects ClosestDisjointPeersIter over
	// ClosestPeersIter for new closest-peer queries.
	DisjointQueryPaths bool
}

// DefaultQueryConfig returns the pool defaults from spec.md section 6.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		Timeout:            60 * time.Second,
		ReplicationFactor:  KValue,
		Parallelism:        AlphaValue,
		DisjointQueryPaths: false,
	}
}

// QueryStats are the execution statistics of a single query, per
// spec.md section 3.
type QueryStats struct {
	Requests int
	Success  int
	Failure  int
	Start    time.Time
	End      time.Time
}

// Duration reports the query's running time: from Start to End if the
// query has finished, or from Start to now otherwise. Returns false if
// the query never started (was never observed by QueryPool.Poll).
func (s QueryStats) Duration(now time.Time) (time.Duration, bool) {
	if s.Start.IsZero() {
		return 0, false
	}
	if !s.End.IsZero() {
		return s.End.Sub(s.Start), true
	}
	return now.Sub(s.Start), true
}

// Merge combines these stats with another query's, e.g. when a
// multi-phase query reuses a QueryID via QueryPool.ContinueClosest.
// Counters accumulate; Start/End take the min/max. Carried over from
// the rust QueryStats::merge (see SPEC_FULL.md).
func (s QueryStats) Merge(other QueryStats) QueryStats {
	out := QueryStats{
		Requests: s.Requests + other.Requests,
		Success:  s.Success + other.Success,
		Failure:  s.Failure + other.Failure,
	}
	switch {
	case s.Start.IsZero():
		out.Start = other.Start
	case other.Start.IsZero():
		out.Start = s.Start
	case s.Start.Before(other.Start):
		out.Start = s.Start
	default:
		out.Start = other.Start
	}
	if s.End.After(other.End) {
		out.End = s.End
	} else {
		out.End = other.End
	}
	return out
}

// Query is a single entry in a QueryPool: an iterator variant plus
// application payload, pending messages, and running statistics.
type Query struct {
	id    QueryID
	iter  PeerIter
	Info  interface{} // application-defined payload describing the query
	Stats QueryStats

	// PendingRPCs buffers outbound messages for peers not yet connected;
	// drained via DrainRPCs by the host once a connection is
	// established. Populated via QueueRPC; a query dispatched through a
	// QueryPool has this drained automatically for the dispatched peer
	// on every EventQueryDispatch (see coord.Coordinator.Poll). Carried
	// from the rust Query::pending_rpcs (see SPEC_FULL.md).
	PendingRPCs map[peer.ID][]interface{}

	// Errs aggregates per-peer failure errors in the order they
	// occurred, mirroring the teacher's use of go-ipfs-util's MultiErr.
	Errs u.MultiErr
}

// ID returns the query's identifier.
func (q *Query) ID() QueryID { return q.id }

// OnSuccess informs the query that peer responded successfully,
// possibly with newly discovered peers.
func (q *Query) OnSuccess(p peer.ID, newPeers []peer.ID) {
	if q.iter.OnSuccess(p, newPeers) {
		q.Stats.Success++
	}
}

// OnFailure informs the query that the attempt to contact peer failed.
func (q *Query) OnFailure(p peer.ID, err error) {
	if q.iter.OnFailure(p) {
		q.Stats.Failure++
		if err != nil {
			q.Errs = append(q.Errs, err)
		}
	}
}

// TryFinish attempts to gracefully finish the query, providing the
// peers that are no longer of interest for further progress. Plain
// Closest and Fixed iterators always finish immediately; the disjoint
// iterator requires every path to be individually satisfied.
func (q *Query) TryFinish(peers []peer.ID) bool {
	if dq, ok := q.iter.(*ClosestDisjointPeersIter); ok {
		return dq.TryFinish(peers)
	}
	q.iter.Finish()
	return true
}

// Finish forces the query into its terminal state immediately.
func (q *Query) Finish() {
	q.iter.Finish()
}

// IsFinished reports whether the query's iterator has reached a
// terminal state.
func (q *Query) IsFinished() bool {
	return q.iter.IsFinished()
}

// Iter exposes the underlying iterator for callers that need
// variant-specific accessors (Closest(), Succeeded(), ...).
func (q *Query) Iter() PeerIter {
	return q.iter
}

// QueueRPC buffers msg for p, to be delivered once p is dispatched (or
// by an explicit DrainRPCs call), for a peer the caller knows about
// before the query has contacted it directly.
func (q *Query) QueueRPC(p peer.ID, msg interface{}) {
	q.PendingRPCs[p] = append(q.PendingRPCs[p], msg)
}

// DrainRPCs removes and returns every message queued for p, or nil if
// none are pending.
func (q *Query) DrainRPCs(p peer.ID) []interface{} {
	msgs, ok := q.PendingRPCs[p]
	if !ok {
		return nil
	}
	delete(q.PendingRPCs, p)
	return msgs
}

func (q *Query) next(now time.Time) IterResult {
	res := q.iter.Next(now)
	if res.State == IterWaitingWith {
		q.Stats.Requests++
	}
	return res
}

// PoolStateKind tags the variant of PoolState returned by QueryPool.Poll.
type PoolStateKind int

const (
	// PoolIdle means there are no queries to process.
	PoolIdle PoolStateKind = iota
	// PoolWaiting means a query is waiting for results; Peer is valid
	// only if a new request was just dispatched (see PoolState.Peer).
	PoolWaiting
	// PoolFinished means a query reached its terminal state.
	PoolFinished
	// PoolTimeout means a query exceeded the pool's overall timeout.
	PoolTimeout
)

// PoolState is the observable result of QueryPool.Poll, mirroring
// spec.md's QueryPoolState.
type PoolState struct {
	Kind    PoolStateKind
	QueryID QueryID
	Query   *Query  // valid for Waiting (dispatch), Finished, Timeout
	Peer    peer.ID // valid only for a Waiting state carrying a new dispatch
}

// QueryPool multiplexes queries, enforcing the pool-level timeout and
// emitting completion, per spec.md section 4.4.
type QueryPool struct {
	cfg    QueryConfig
	nextID QueryID
	// order preserves deterministic-enough iteration (insertion order)
	// for tests, while queries is the actual index.
	order   []QueryID
	queries map[QueryID]*Query
}

// NewQueryPool constructs an empty pool.
func NewQueryPool(cfg QueryConfig) *QueryPool {
	return &QueryPool{
		cfg:     cfg,
		queries: make(map[QueryID]*Query),
	}
}

// Config returns the QueryConfig used by the pool.
func (p *QueryPool) Config() QueryConfig {
	return p.cfg
}

// Size reports the number of queries currently in the pool.
func (p *QueryPool) Size() int {
	return len(p.queries)
}

// Get returns the query with the given ID, if present.
func (p *QueryPool) Get(id QueryID) (*Query, bool) {
	q, ok := p.queries[id]
	return q, ok
}

func (p *QueryPool) nextQueryID() QueryID {
	id := p.nextID
	p.nextID++ // wraps around on overflow, as uint64 arithmetic does
	return id
}

func (p *QueryPool) insert(id QueryID, iter PeerIter, info interface{}) {
	p.queries[id] = &Query{
		id:          id,
		iter:        iter,
		Info:        info,
		PendingRPCs: make(map[peer.ID][]interface{}),
	}
	p.order = append(p.order, id)
}

// AddFixed adds a query that contacts a fixed set of peers.
func (p *QueryPool) AddFixed(peers []peer.ID, info interface{}) QueryID {
	id := p.nextQueryID()
	p.insert(id, NewFixedPeersIter(peers, p.cfg.Parallelism), info)
	return id
}

// AddClosest adds a query that iterates towards the peers closest to
// target, honoring cfg.DisjointQueryPaths. numResults overrides the
// pool's replication factor when non-zero.
func (p *QueryPool) AddClosest(target Key, seed []peer.ID, numResults int, info interface{}) QueryID {
	id := p.nextQueryID()
	p.continueClosest(id, target, seed, numResults, info)
	return id
}

// ContinueClosest re-adds a closest-peer query under id, an ID that
// previously finished (and was therefore removed from the pool by
// Poll), accumulating the prior phase's stats into the new one via
// QueryStats.Merge. This is the entry point for a multi-phase lookup
// that reuses its QueryID across phases (e.g. a bootstrap walk that
// re-queries after learning new peers), the use case QueryStats.Merge
// exists for. If id is not currently known to the pool this is
// equivalent to installing a fresh query under id directly.
func (p *QueryPool) ContinueClosest(id QueryID, target Key, seed []peer.ID, numResults int, info interface{}) {
	var prev QueryStats
	if q, ok := p.queries[id]; ok {
		prev = q.Stats
		p.remove(id)
	}
	p.continueClosest(id, target, seed, numResults, info)
	if q, ok := p.queries[id]; ok {
		q.Stats = prev.Merge(q.Stats)
	}
}

// continueClosest installs a fresh closest-peer iterator under id,
// shared by AddClosest (a freshly minted id) and ContinueClosest (an
// id that may have been used before).
func (p *QueryPool) continueClosest(id QueryID, target Key, seed []peer.ID, numResults int, info interface{}) {
	if numResults <= 0 {
		numResults = p.cfg.ReplicationFactor
	}
	iterCfg := ClosestPeersIterConfig{
		NumResults:  numResults,
		Parallelism: p.cfg.Parallelism,
	}

	var iter PeerIter
	if p.cfg.DisjointQueryPaths {
		iter = NewClosestDisjointPeersIter(iterCfg, target, seed)
	} else {
		iter = NewClosestPeersIter(iterCfg, target, seed)
	}
	p.insert(id, iter, info)
}

// Poll advances the pool by one step, per spec.md section 4.4: scans
// queries, returns at most one effect, and leaves the rest untouched
// until the next call.
func (p *QueryPool) Poll(now time.Time) PoolState {
	for _, id := range p.order {
		q, ok := p.queries[id]
		if !ok {
			continue // already removed; order entry is stale, skip it
		}
		if q.Stats.Start.IsZero() {
			q.Stats.Start = now
		}

		res := q.next(now)
		switch res.State {
		case IterFinished:
			q.Stats.End = now
			p.remove(id)
			return PoolState{Kind: PoolFinished, QueryID: id, Query: q}
		case IterWaitingWith:
			return PoolState{Kind: PoolWaiting, QueryID: id, Query: q, Peer: res.Peer}
		case IterWaitingWithout, IterWaitingAtCapacity:
			if now.Sub(q.Stats.Start) >= p.cfg.Timeout {
				q.Stats.End = now
				p.remove(id)
				return PoolState{Kind: PoolTimeout, QueryID: id, Query: q}
			}
		}
	}

	if len(p.queries) == 0 {
		return PoolState{Kind: PoolIdle}
	}
	return PoolState{Kind: PoolWaiting}
}

func (p *QueryPool) remove(id QueryID) {
	delete(p.queries, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// OnSuccess delegates feedback to the named query's iterator. Feedback
// for an unknown QueryID is silently dropped, per spec.md section 4.4.
func (p *QueryPool) OnSuccess(id QueryID, peer_ peer.ID, newPeers []peer.ID) {
	q, ok := p.queries[id]
	if !ok {
		return
	}
	q.OnSuccess(peer_, newPeers)
}

// OnFailure delegates feedback to the named query's iterator. Feedback
// for an unknown QueryID is silently dropped.
func (p *QueryPool) OnFailure(id QueryID, peer_ peer.ID, err error) {
	q, ok := p.queries[id]
	if !ok {
		return
	}
	q.OnFailure(peer_, err)
}
