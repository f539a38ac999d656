package aggregate

import (
	"errors"
	"fmt"

	"pricerelay/internal/wire"
)

var (
	ErrUnknownGuardianSet = errors.New("unknown guardian set")
	ErrNoQuorum           = errors.New("not enough signatures for quorum")
	ErrSignatureOrder     = errors.New("guardian signatures out of order")
)

// Verifier checks the signatures of an envelope before its root is trusted.
type Verifier interface {
	Verify(env *wire.Envelope) error
}

// QuorumVerifier accepts envelopes signed by a two-thirds-plus-one quorum
// of a known guardian set. Recovering the signer of each signature is left
// to CheckSignature; when it is nil only the structure is checked.
type QuorumVerifier struct {
	// GuardianSets maps a guardian set index to its number of guardians.
	GuardianSets   map[uint32]int
	CheckSignature func(guardianSet uint32, digest [32]byte, sig wire.Signature) error
}

// Quorum is the number of signatures required for n guardians.
func Quorum(n int) int {
	return n*2/3 + 1
}

func (q QuorumVerifier) Verify(env *wire.Envelope) error {
	size, ok := q.GuardianSets[env.GuardianSetIndex]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownGuardianSet, env.GuardianSetIndex)
	}
	if len(env.Signatures) < Quorum(size) {
		return fmt.Errorf("%w: %d of %d", ErrNoQuorum, len(env.Signatures), Quorum(size))
	}

	digest := env.Digest()
	last := -1
	for _, sig := range env.Signatures {
		if int(sig.Index) <= last || int(sig.Index) >= size {
			return fmt.Errorf("%w: index %d after %d in set of %d", ErrSignatureOrder, sig.Index, last, size)
		}
		last = int(sig.Index)
		if q.CheckSignature != nil {
			if err := q.CheckSignature(env.GuardianSetIndex, digest, sig); err != nil {
				return fmt.Errorf("guardian %d: %w", sig.Index, err)
			}
		}
	}
	return nil
}
