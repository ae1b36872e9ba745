package exchange

import "errors"

var (
	// ErrNodeLeft fails an exchange whose remote side left the topology
	// before delivering its final batch.
	ErrNodeLeft = errors.New("exchange peer left the cluster")

	// ErrClosed rejects work submitted to a closed inbox or outbox.
	ErrClosed = errors.New("exchange closed")
)
