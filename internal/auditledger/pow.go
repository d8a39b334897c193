package auditledger

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// DefaultDifficulty is the number of leading zero hex characters required of
// every non-genesis block hash unless configured otherwise.
const DefaultDifficulty = 2

// maxDifficulty is the length of a hex SHA-256 digest.
const maxDifficulty = 64

// ValidateDifficulty returns ErrInvalidDifficulty for values outside 0..64.
func ValidateDifficulty(difficulty int) error {
	if difficulty < 0 || difficulty > maxDifficulty {
		return ErrInvalidDifficulty
	}
	return nil
}

// MeetsDifficulty reports whether hash starts with difficulty '0' characters.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if len(hash) < difficulty {
		return false
	}
	return strings.Count(hash[:difficulty], "0") == difficulty
}

// Mine searches nonces from 0 upward and returns the first one whose block
// hash meets difficulty. The search is deterministic: the same inputs always
// yield the same nonce. It has no cancellation point.
func Mine(index int, timestamp float64, previousHash string, payload Payload, difficulty int) (uint64, string, error) {
	canon, err := CanonicalPayload(payload)
	if err != nil {
		return 0, "", err
	}
	return mineCanonical(index, timestamp, previousHash, canon, difficulty, nil)
}

// stopCheckInterval is how many nonces are tried between looks at the stop
// channel.
const stopCheckInterval = 4096

// errMiningStopped is returned by mineCanonical when stop is closed.
var errMiningStopped = errors.New("mining stopped")

// mineCanonical runs the nonce search. A nil stop channel never fires.
func mineCanonical(index int, timestamp float64, previousHash string, canonPayload []byte, difficulty int, stop <-chan struct{}) (uint64, string, error) {
	if err := ValidateDifficulty(difficulty); err != nil {
		return 0, "", err
	}
	prefix := headerPrefix(index, timestamp, previousHash, canonPayload)
	// buf keeps len(prefix); each attempt appends the nonce into spare capacity.
	buf := make([]byte, len(prefix), len(prefix)+20)
	copy(buf, prefix)

	for nonce := uint64(0); ; nonce++ {
		hash := Digest(strconv.AppendUint(buf, nonce, 10))
		if MeetsDifficulty(hash, difficulty) {
			return nonce, hash, nil
		}
		if nonce == math.MaxUint64 {
			return 0, "", ErrNonceSpaceExhausted
		}
		if nonce%stopCheckInterval == stopCheckInterval-1 {
			select {
			case <-stop:
				return 0, "", errMiningStopped
			default:
			}
		}
	}
}
