// Package role implements the three Raft roles a peer cycles through —
// leader, follower, candidate — as plain state holders the coordinator's
// single-threaded dispatcher drives (spec.md §4.6). None of these types
// own a timer, a log, or a network connection: the coordinator supplies
// those, so a role transition is just swapping which of these structs is
// live and discarding the old one.
package role

import "fmt"

// Role identifies which state a peer is currently in.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return fmt.Sprintf("Role(%d)", r)
	}
}

// Quorum returns the number of votes or acknowledgements needed from a
// cluster of clusterSize members (including self) to form a majority.
func Quorum(clusterSize int) int {
	return clusterSize/2 + 1
}
