package hbbft

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hbbft-network/hbbft-consensus/crypto/threshold"
)

// NetworkInfo is the committee membership and threshold cryptography
// state effective for a span of host blocks, keyed by validator index
// (1..N).
type NetworkInfo struct {
	EpochStartBlock uint64 // host block at which this committee took effect

	// Validators maps each committee member's 1-based index to its
	// chain identity address.
	Validators map[uint64]common.Address

	// PublicKeys is the committee's threshold PublicKeySet, nil until
	// DKG has completed for this committee.
	PublicKeys *threshold.PublicKeySet

	// JoinedMidEpoch is set on a NetworkInfo handed to a node that
	// joined the committee after EpochStartBlock; such a node does not
	// propose on its own timer, and contributes only through the
	// late-join rule once f+1 peers have contributed.
	JoinedMidEpoch bool
}

// Threshold returns f, the maximum number of Byzantine faults a
// committee of N validators tolerates: f = (N-1)/3.
func (n *NetworkInfo) Threshold() int {
	return (len(n.Validators) - 1) / 3
}

// Quorum returns the number of contributions a Honey Badger step needs
// before it may produce output: N - f.
func (n *NetworkInfo) Quorum() int {
	return len(n.Validators) - n.Threshold()
}

// IndexOf returns the 1-based validator index of addr, or false if addr is
// not a member of this committee.
func (n *NetworkInfo) IndexOf(addr common.Address) (uint64, bool) {
	for idx, a := range n.Validators {
		if a == addr {
			return idx, true
		}
	}
	return 0, false
}

// SortedIndices returns every validator index in ascending order, the
// deterministic iteration order every node must use when folding
// per-validator contributions into a batch.
func (n *NetworkInfo) SortedIndices() []uint64 {
	indices := make([]uint64, 0, len(n.Validators))
	for idx := range n.Validators {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

// Validate checks the committee's internal consistency: no two indices
// sharing an address, and at least one validator.
func (n *NetworkInfo) Validate() error {
	if len(n.Validators) == 0 {
		return fmt.Errorf("hbbft: network info has no validators")
	}
	seen := make(map[common.Address]uint64, len(n.Validators))
	for idx, addr := range n.Validators {
		if other, ok := seen[addr]; ok {
			return fmt.Errorf("hbbft: address %s assigned to both index %d and %d", addr, other, idx)
		}
		seen[addr] = idx
	}
	return nil
}
