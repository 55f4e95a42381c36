package hbbft

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hbbft-network/hbbft-consensus/crypto/threshold"
)

// sealEntry tracks one host block number's threshold-signing progress.
type sealEntry struct {
	state    SealState
	hash     [32]byte
	shares   map[uint64][]byte
	combined []byte
}

// sealingTracker tracks threshold signing per host block number: for
// each block awaiting a combined signature, it collects per-validator shares
// until threshold+1 are gathered, combines them, and verifies the result
// against the committee's master public key. Locked independently of
// Engine's other resources, second in the documented acquisition order.
type sealingTracker struct {
	mu      sync.RWMutex
	network *NetworkInfo
	entries map[uint64]*sealEntry

	// maxTracked bounds memory: once more than maxTracked block numbers
	// are tracked, the entry with the lowest block number is evicted,
	// whatever its state.
	maxTracked int
}

func newSealingTracker(network *NetworkInfo, maxTracked int) *sealingTracker {
	return &sealingTracker{
		network:    network,
		entries:    make(map[uint64]*sealEntry),
		maxTracked: maxTracked,
	}
}

// Start begins sealing blockNumber: produces and stores this node's own
// signature share over hash, and returns the envelope to broadcast.
func (t *sealingTracker) Start(blockNumber uint64, ownIndex uint64, hash [32]byte, signer Signer) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[blockNumber]
	if !ok {
		entry = &sealEntry{state: SealInProgress, hash: hash, shares: make(map[uint64][]byte)}
		t.entries[blockNumber] = entry
		t.evictLocked()
	}

	share, err := signer.SignShare(hash[:])
	if err != nil {
		return nil, err
	}
	entry.shares[ownIndex] = share

	// A committee of one is its own quorum: the local share may already
	// complete the signature.
	if err := t.tryCombineLocked(blockNumber, entry); err != nil {
		return nil, err
	}

	payload := sealingPayload{BlockNumber: blockNumber, Index: ownIndex, Share: share}
	return encodeEnvelope(kindSealing, 0, payload)
}

// HandleShare ingests a peer's signature share. Once threshold+1 valid
// shares for blockNumber have been collected, it combines and verifies
// them, transitioning the entry to SealComplete and returning the
// combined signature.
func (t *sealingTracker) HandleShare(blockNumber, index uint64, share []byte) ([]byte, SealState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[blockNumber]
	if !ok {
		return nil, SealAbsent, fmt.Errorf("%w: share for untracked block %d", ErrUnexpectedMessage, blockNumber)
	}
	if entry.state == SealComplete {
		return entry.combined, SealComplete, nil
	}
	if t.network.PublicKeys == nil {
		return nil, entry.state, fmt.Errorf("hbbft: no public key set installed, cannot verify share for block %d", blockNumber)
	}
	if err := threshold.VerifyShare(t.network.PublicKeys, index, entry.hash[:], share); err != nil {
		log.Warn("rejecting invalid signature share", "in", "sealingTracker.HandleShare", "block", blockNumber, "index", index, "err", err)
		return nil, entry.state, err
	}

	entry.shares[index] = share
	if err := t.tryCombineLocked(blockNumber, entry); err != nil {
		return nil, entry.state, err
	}
	return entry.combined, entry.state, nil
}

// tryCombineLocked combines and verifies the entry's shares once
// threshold+1 have been collected, transitioning it to SealComplete.
// Caller holds t.mu.
func (t *sealingTracker) tryCombineLocked(blockNumber uint64, entry *sealEntry) error {
	if entry.state == SealComplete || len(entry.shares) < t.network.Threshold()+1 {
		return nil
	}
	if t.network.PublicKeys == nil {
		return nil
	}

	combined, err := threshold.CombineSignatures(t.network.Threshold(), entry.shares)
	if err != nil {
		return err
	}
	if err := threshold.VerifyCombined(t.network.PublicKeys, entry.hash[:], combined); err != nil {
		return fmt.Errorf("hbbft: combined signature for block %d failed verification: %w", blockNumber, err)
	}

	entry.combined = combined
	entry.state = SealComplete
	return nil
}

// Combined returns the combined signature for blockNumber, if sealing has
// completed for it.
func (t *sealingTracker) Combined(blockNumber uint64) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[blockNumber]
	if !ok || entry.state != SealComplete {
		return nil, false
	}
	return entry.combined, true
}

// State reports the current sealing state for blockNumber.
func (t *sealingTracker) State(blockNumber uint64) SealState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[blockNumber]
	if !ok {
		return SealAbsent
	}
	return entry.state
}

// Prune drops every entry for a block number the host chain has already
// advanced past: once the host's latest block is latest, only entries with
// key >= latest+1 can still be sealed.
func (t *sealingTracker) Prune(latest uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for bn := range t.entries {
		if bn <= latest {
			delete(t.entries, bn)
		}
	}
}

// evictLocked drops the oldest tracked block numbers once more than
// maxTracked are in flight. Caller holds t.mu.
func (t *sealingTracker) evictLocked() {
	if t.maxTracked <= 0 || len(t.entries) <= t.maxTracked {
		return
	}
	var oldest uint64
	first := true
	for bn := range t.entries {
		if first || bn < oldest {
			oldest = bn
			first = false
		}
	}
	delete(t.entries, oldest)
}
