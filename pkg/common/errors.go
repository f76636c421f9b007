package common

import "errors"

var (
	// ErrRangeFetch covers any network or HTTP failure while fetching a byte
	// range. Lookups treat it as absence.
	ErrRangeFetch = errors.New("remote range fetch failed")
	// ErrVersion means an index version token could not be resolved. Without
	// it no index file name can be built, so it is fatal to a search.
	ErrVersion = errors.New("index version unavailable")

	ErrCorruptIndex = errors.New("corrupt index node")
	ErrCorruptData  = errors.New("corrupt data blob")

	// ErrQueryConstruction is returned for And/Or nodes without children.
	ErrQueryConstruction = errors.New("invalid query: and/or requires at least one child")

	ErrHandshakeTimeout  = errors.New("transfer handshake timed out")
	ErrProtocolViolation = errors.New("transfer protocol violation")

	ErrNotFound = errors.New("not found")
)

// IsDegradable reports whether err should be swallowed into an empty result
// instead of failing the whole search.
func IsDegradable(err error) bool {
	return errors.Is(err, ErrRangeFetch) ||
		errors.Is(err, ErrCorruptIndex) ||
		errors.Is(err, ErrCorruptData)
}
