package coordinator

import (
	"github.com/cuemby/raftkv/pkg/metrics"
	"github.com/cuemby/raftkv/pkg/role"
)

// reportGauges refreshes every point-in-time Prometheus gauge from
// current dispatcher state. Cheap enough to call after any state
// transition that moves role, term, or log position.
func (c *Coordinator) reportGauges() {
	metrics.Role.WithLabelValues("follower").Set(boolFloat(c.currentRole == role.Follower))
	metrics.Role.WithLabelValues("candidate").Set(boolFloat(c.currentRole == role.Candidate))
	metrics.Role.WithLabelValues("leader").Set(boolFloat(c.currentRole == role.Leader))
	metrics.CurrentTerm.Set(float64(c.currentTerm))
	metrics.PeersTotal.Set(float64(len(c.currentConfig)))
	metrics.LastLogIndex.Set(float64(c.log.LastIndex()))
	metrics.CommitIndex.Set(float64(c.commitIndex))
	metrics.LastAppliedIndex.Set(float64(c.log.LastAppliedIndex()))
	metrics.InFlightTransactions.Set(float64(len(c.transactions)))
	metrics.ActiveWatchesTotal.Set(float64(c.watches.Len()))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
