package role

import "github.com/cuemby/raftkv/pkg/kv"

// CandidateState is everything a peer tracks only while campaigning for
// election (spec.md §4.6.3).
type CandidateState struct {
	votesReceived map[kv.Identity]bool
}

// NewCandidateState starts a new election: the candidate votes for
// itself (spec.md §4.6.3 "On entry... votes for self").
func NewCandidateState(self kv.Identity) *CandidateState {
	return &CandidateState{votesReceived: map[kv.Identity]bool{self: true}}
}

// RecordVote notes a GrantVote received from from.
func (c *CandidateState) RecordVote(from kv.Identity) {
	c.votesReceived[from] = true
}

// VoteCount returns how many votes (including self) have been received.
func (c *CandidateState) VoteCount() int {
	return len(c.votesReceived)
}

// HasQuorum reports whether the candidate has won the election.
func (c *CandidateState) HasQuorum(clusterSize int) bool {
	return c.VoteCount() >= Quorum(clusterSize)
}
