package query

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueryPoolFixedDispatchesAndFinishes(t *testing.T) {
	peers := newTestPeers(t, 3)
	cfg := DefaultQueryConfig()
	pool := NewQueryPool(cfg)
	id := pool.AddFixed(peers, "bootstrap")

	now := time.Unix(0, 0)
	var dispatched []int
	for i := 0; i < 3; i++ {
		st := pool.Poll(now)
		require.Equal(t, PoolWaiting, st.Kind)
		require.Equal(t, id, st.QueryID)
		dispatched = append(dispatched, 1)
		pool.OnSuccess(id, st.Peer, nil)
	}
	require.Len(t, dispatched, 3)

	st := pool.Poll(now)
	require.Equal(t, PoolFinished, st.Kind)
	require.Equal(t, id, st.QueryID)
	require.Equal(t, 3, st.Query.Stats.Success)
	_, ok := pool.Get(id)
	require.False(t, ok)
}

func TestQueryPoolEnforcesOverallTimeout(t *testing.T) {
	peers := newTestPeers(t, 1)
	cfg := DefaultQueryConfig()
	cfg.Timeout = 10 * time.Second
	pool := NewQueryPool(cfg)
	id := pool.AddFixed(peers, nil)

	now := time.Unix(0, 0)
	st := pool.Poll(now)
	require.Equal(t, PoolWaiting, st.Kind)

	// peer never responds; once nothing is left to dispatch, polling
	// past the pool timeout should report PoolTimeout.
	later := now.Add(11 * time.Second)
	st = pool.Poll(later)
	require.Equal(t, PoolTimeout, st.Kind)
	require.Equal(t, id, st.QueryID)
}

func TestQueryPoolIdleWhenEmpty(t *testing.T) {
	pool := NewQueryPool(DefaultQueryConfig())
	st := pool.Poll(time.Unix(0, 0))
	require.Equal(t, PoolIdle, st.Kind)
}

func TestQueryPoolUnknownIDFeedbackIsDropped(t *testing.T) {
	pool := NewQueryPool(DefaultQueryConfig())
	peers := newTestPeers(t, 1)
	// no panic, no effect, for an ID that was never added.
	pool.OnSuccess(QueryID(42), peers[0], nil)
	pool.OnFailure(QueryID(42), peers[0], errors.New("boom"))
}

func TestQueryStatsMerge(t *testing.T) {
	t0 := time.Unix(0, 0)
	t1 := t0.Add(time.Second)
	t2 := t0.Add(2 * time.Second)
	a := QueryStats{Requests: 2, Success: 1, Start: t0, End: t1}
	b := QueryStats{Requests: 3, Success: 2, Start: t1, End: t2}

	merged := a.Merge(b)
	require.Equal(t, 5, merged.Requests)
	require.Equal(t, 3, merged.Success)
	require.Equal(t, t0, merged.Start)
	require.Equal(t, t2, merged.End)
}

func TestQueryPoolContinueClosestMergesStats(t *testing.T) {
	peers := newTestPeers(t, 1)
	cfg := DefaultQueryConfig()
	pool := NewQueryPool(cfg)
	target := ConvertKey("target")
	id := pool.AddClosest(target, peers, 1, "bootstrap")

	now := time.Unix(0, 0)
	st := pool.Poll(now)
	require.Equal(t, PoolWaiting, st.Kind)
	pool.OnSuccess(id, st.Peer, nil)

	st = pool.Poll(now)
	require.Equal(t, PoolFinished, st.Kind)
	firstPhase := st.Query.Stats

	more := newTestPeers(t, 1)
	pool.ContinueClosest(id, target, more, 1, "bootstrap")
	q, ok := pool.Get(id)
	require.True(t, ok)
	require.Equal(t, firstPhase.Success, q.Stats.Success)

	st = pool.Poll(now)
	require.Equal(t, PoolWaiting, st.Kind)
	require.Equal(t, id, st.QueryID)
	pool.OnSuccess(id, st.Peer, nil)

	st = pool.Poll(now)
	require.Equal(t, PoolFinished, st.Kind)
	require.Equal(t, firstPhase.Success+1, st.Query.Stats.Success)
}

func TestQueryPendingRPCsQueueAndDrain(t *testing.T) {
	peers := newTestPeers(t, 1)
	pool := NewQueryPool(DefaultQueryConfig())
	id := pool.AddFixed(peers, nil)
	q, ok := pool.Get(id)
	require.True(t, ok)

	require.Nil(t, q.DrainRPCs(peers[0]))
	q.QueueRPC(peers[0], "ping")
	q.QueueRPC(peers[0], "ping-again")

	drained := q.DrainRPCs(peers[0])
	require.Equal(t, []interface{}{"ping", "ping-again"}, drained)
	require.Nil(t, q.DrainRPCs(peers[0]))
}

func TestQueryPoolClosestQuery(t *testing.T) {
	peers := newTestPeers(t, 3)
	cfg := DefaultQueryConfig()
	cfg.Parallelism = 3
	pool := NewQueryPool(cfg)
	target := ConvertKey("target")
	id := pool.AddClosest(target, peers, 3, nil)

	now := time.Unix(0, 0)
	for i := 0; i < 3; i++ {
		st := pool.Poll(now)
		require.Equal(t, PoolWaiting, st.Kind)
		pool.OnSuccess(id, st.Peer, nil)
	}

	st := pool.Poll(now)
	require.Equal(t, PoolFinished, st.Kind)
	closest, ok := st.Query.Iter().(*ClosestPeersIter)
	require.True(t, ok)
	require.Len(t, closest.Closest(), 3)
}
