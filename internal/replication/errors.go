package replication

import "errors"

var (
	// ErrShuttingDown rejects new work once a graceful stop has begun.
	ErrShuttingDown = errors.New("replication group shutting down")

	// ErrNoLeader means the group has not elected a leader yet.
	ErrNoLeader = errors.New("no leader")

	// ErrNotLeader means this node cannot serve the request and the caller
	// should redirect to the current leader.
	ErrNotLeader = errors.New("not the group leader")

	// ErrUnknownGroup means no local replica exists for the requested group.
	ErrUnknownGroup = errors.New("unknown replication group")
)
