// Package errs holds the sentinel errors of the error taxonomy described
// in spec.md §7, in the teacher's own style of package-level
// errors.New values, wrapped with fmt.Errorf at call sites.
package errs

import "errors"

var (
	// ErrPeerUnreachable is a TransientTransport failure: connect or write
	// to a peer failed. Callers log and continue; topology heals via
	// heartbeats/elections.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrProtocolViolation marks a malformed frame, oversize frame, or a
	// message missing a required field. The offending connection is
	// closed; the node keeps running.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrFrameTooLarge is a specific ErrProtocolViolation cause: a frame
	// exceeded the transport ceiling.
	ErrFrameTooLarge = errors.New("frame exceeds transport ceiling")

	// ErrLeaderUnknown names the case of a follower asked to forward a
	// CHAT with no known leader_id yet. The orchestrator drops such a CHAT
	// with a warning; no function returns this value.
	ErrLeaderUnknown = errors.New("leader unknown")

	// ErrStorageFatal marks an append failure. The node must terminate
	// rather than deliver what it cannot persist.
	ErrStorageFatal = errors.New("storage append failed")

	// ErrNoSeedsReachable is returned by bootstrap_join when every seed in
	// the configured list failed to respond after the retry budget.
	ErrNoSeedsReachable = errors.New("no seed peer reachable")
)
