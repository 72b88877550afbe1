package coordinator

import "errors"

// errConflict marks a forwarded commit rejected by the rebase check, the
// wire-level equivalent of the local-path conflict error in transactions.go.
var errConflict = errors.New("coordinator: forwarded transaction conflicts with an intervening entry")

// errCommitRejected wraps the error string a CommitResponse reports back
// to a transaction that failed on the leader.
type errCommitRejected string

func (e errCommitRejected) Error() string { return string(e) }
