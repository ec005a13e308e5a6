package lease

import "errors"

var (
	// ErrLeaseUnavailable means no node slot could be claimed before the
	// acquire deadline. Recoverable: retry acquisition later.
	ErrLeaseUnavailable = errors.New("no node id slot available before deadline")

	// ErrLeaseLost means another owner has claimed our slot since the last
	// successful renewal. Fatal to the current generator state; the caller
	// must stop minting and re-acquire.
	ErrLeaseLost = errors.New("node id lease lost to another owner")

	// ErrCacheUnreachable wraps transient cache I/O failures. Safe to retry
	// with backoff; past the TTL boundary it degrades into ErrLeaseLost.
	ErrCacheUnreachable = errors.New("lease cache unreachable")

	// ErrNoLease is returned by Renew and Release when the manager holds no
	// slot, which indicates a lifecycle bug in the caller.
	ErrNoLease = errors.New("no lease held")
)
