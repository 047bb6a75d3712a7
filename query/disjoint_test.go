package query

import (
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestClosestDisjointPeersIterSplitsAcrossPaths(t *testing.T) {
	peers := newTestPeers(t, 6)
	target := ConvertKey("target")
	cfg := ClosestPeersIterConfig{NumResults: 20, Parallelism: 3}
	it := NewClosestDisjointPeersIter(cfg, target, peers)

	require.Len(t, it.paths, 3)
	seenPaths := map[int]int{}
	for _, idx := range it.seen {
		seenPaths[idx]++
	}
	require.Len(t, seenPaths, 3)
}

func TestClosestDisjointPeersIterNeverDoubleAssigns(t *testing.T) {
	peers := newTestPeers(t, 4)
	target := ConvertKey("target")
	cfg := ClosestPeersIterConfig{NumResults: 20, Parallelism: 2}
	it := NewClosestDisjointPeersIter(cfg, target, peers)

	now := time.Unix(0, 0)
	var dispatched []peer.ID
	for {
		res := it.Next(now)
		if res.State != IterWaitingWith {
			break
		}
		_, ok := it.pathFor(res.Peer)
		require.True(t, ok)
		dispatched = append(dispatched, res.Peer)
		it.OnSuccess(res.Peer, nil)
	}

	seen := map[peer.ID]bool{}
	for _, d := range dispatched {
		require.False(t, seen[d])
		seen[d] = true
	}
}

func TestClosestDisjointPeersIterFinishesWhenAllPathsFinish(t *testing.T) {
	peers := newTestPeers(t, 2)
	target := ConvertKey("target")
	cfg := ClosestPeersIterConfig{NumResults: 20, Parallelism: 2}
	it := NewClosestDisjointPeersIter(cfg, target, peers)

	now := time.Unix(0, 0)
	for {
		res := it.Next(now)
		if res.State != IterWaitingWith {
			break
		}
		it.OnFailure(res.Peer)
	}

	require.True(t, it.IsFinished())
}
