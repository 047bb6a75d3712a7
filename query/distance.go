package query

import (
	kbucket "github.com/libp2p/go-libp2p-kbucket"
	"github.com/libp2p/go-libp2p/core/peer"
)

// sortByDistance orders ids ascending by XOR distance to target, using
// go-libp2p-kbucket's own comparison (SortClosestPeers) rather than a
// hand-rolled byte compare, the same primitive the teacher's query.go
// reaches for.
func sortByDistance(ids []peer.ID, target Key) []peer.ID {
	return kbucket.SortClosestPeers(ids, target)
}
