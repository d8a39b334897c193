package auditledger

import (
	"errors"
	"fmt"
)

var (
	// ErrBlockNotFound is returned by Get for an index outside the chain.
	ErrBlockNotFound = errors.New("block not found")

	// ErrEmpty is returned by PopLast on a ledger with no blocks.
	ErrEmpty = errors.New("ledger is empty")

	// ErrNotEmpty is returned by Genesis when the ledger already has blocks.
	ErrNotEmpty = errors.New("ledger already has a genesis block")

	// ErrTailMismatch is returned by PopLast when the tail is not the block
	// the caller expected to discard.
	ErrTailMismatch = errors.New("ledger tail does not match expected block")

	// ErrInvalidDifficulty is returned for a difficulty outside 0..64.
	ErrInvalidDifficulty = errors.New("difficulty must be between 0 and 64")

	// ErrNonceSpaceExhausted is returned when no nonce satisfies the difficulty.
	ErrNonceSpaceExhausted = errors.New("nonce space exhausted")
)

// EncodingError reports a payload value the hash codec cannot serialise.
// It is raised before mining starts; nothing is mutated.
type EncodingError struct {
	Path string // JSON-style path of the offending value, e.g. "$.metadata.when"
	Type string // Go type of the offending value
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("payload value at %s has unsupported type %s", e.Path, e.Type)
}

// PersistenceFailure reports that the durable write of a sealed block failed.
// By the time it is returned the block has been removed from memory again.
type PersistenceFailure struct {
	Index int
	Err   error
}

func (e *PersistenceFailure) Error() string {
	return fmt.Sprintf("persist block %d: %v", e.Index, e.Err)
}

func (e *PersistenceFailure) Unwrap() error { return e.Err }

// ChainCorruption reports the first block at which verification failed.
type ChainCorruption struct {
	Index int
	Kind  FaultKind
}

func (e *ChainCorruption) Error() string {
	return fmt.Sprintf("chain corrupted at block %d: %s", e.Index, e.Kind)
}
