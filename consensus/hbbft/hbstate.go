package hbbft

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hbbft-network/hbbft-consensus/consensus/hbbft/hbcore"
)

// hbState drives the Honey Badger sub-protocol core across consecutive
// sequence numbers within one committee epoch, translating its raw
// TargetedMessage output into wire envelopes and its quorum output into
// Batches. Locked independently of Engine's other resources; in the
// fixed acquisition order, hbbft_state is always the first lock taken.
type hbState struct {
	mu sync.RWMutex

	network     *NetworkInfo
	ownIndex    uint64
	maxTxs      int
	sequence    uint64
	core        *hbcore.Core
	txSigner    types.Signer
	contributed bool
}

func newHBState(network *NetworkInfo, ownIndex uint64, sequence uint64, maxTxs int, txSigner types.Signer) *hbState {
	return &hbState{
		network:  network,
		ownIndex: ownIndex,
		maxTxs:   maxTxs,
		sequence: sequence,
		core:     hbcore.New(ownIndex, network.Quorum()),
		txSigner: txSigner,
	}
}

// tryContribute builds this node's contribution for the current sequence
// number, if it hasn't already, and returns the wire envelopes to
// broadcast. A no-op once this node has already contributed for the
// sequence. A node that joined the committee mid-epoch must not propose
// on its own timer; it still catches up through the late-join rule once
// enough peers have contributed.
func (s *hbState) tryContribute(pending types.Transactions, timestamp uint64, nonce [32]byte) ([][]byte, *Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.contributed || s.network.JoinedMidEpoch {
		return nil, nil, nil
	}
	contribution, err := buildContribution(pending, s.maxTxs, timestamp, nonce)
	if err != nil {
		return nil, nil, err
	}
	s.contributed = true

	return s.broadcastContribution(contribution)
}

// contributeIfThresholdReached is the late-join rule: a node that has not
// yet contributed this sequence proposes as soon as it has seen f+1
// distinct peer contributions, the proof that honest peers have already
// begun the round and this node's contribution can still make the cut.
// Returns nil envelopes while still below the threshold.
func (s *hbState) contributeIfThresholdReached(pending types.Transactions, timestamp uint64, nonce [32]byte) ([][]byte, *Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.contributed {
		return nil, nil, nil
	}
	if s.core.PeerContributionCount() < s.network.Threshold()+1 {
		return nil, nil, nil
	}
	contribution, err := buildContribution(pending, s.maxTxs, timestamp, nonce)
	if err != nil {
		return nil, nil, err
	}
	s.contributed = true
	return s.broadcastContribution(contribution)
}

// broadcastContribution feeds contribution into the subset-agreement core
// as this node's own proposal. Caller holds s.mu.
func (s *hbState) broadcastContribution(c *Contribution) ([][]byte, *Batch, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, nil, err
	}
	step := s.core.Propose(raw)
	return s.emit(step)
}

// processMessage feeds a peer's gossiped contribution for this sequence
// number into the core, returning any envelopes to re-broadcast and the
// resulting batch once quorum is reached.
func (s *hbState) processMessage(from uint64, seq uint64, raw json.RawMessage) ([][]byte, *Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != s.sequence {
		log.Warn("dropping contribution for stale or future sequence", "in", "hbState.processMessage", "have", s.sequence, "got", seq, "from", from)
		reportMisbehavior(misbehaviorStaleSequence, from, fmt.Sprintf("have %d got %d", s.sequence, seq))
		return nil, nil, nil
	}

	step := s.core.HandleMessage(from, raw)
	return s.emit(step)
}

// emit converts a hbcore.Step into wire envelopes and, if the step
// produced output, the merged Batch. Caller holds s.mu.
func (s *hbState) emit(step hbcore.Step) ([][]byte, *Batch, error) {
	envelopes := make([][]byte, 0, len(step.Messages))
	for _, m := range step.Messages {
		payload := honeyBadgerPayload{Sequence: s.sequence, Message: json.RawMessage(m.Payload)}
		enc, err := encodeEnvelope(kindHoneyBadger, 0, payload)
		if err != nil {
			return nil, nil, fmt.Errorf("hbbft: encoding honey badger message: %w", err)
		}
		envelopes = append(envelopes, enc)
	}

	if step.Output == nil {
		return envelopes, nil, nil
	}

	contributions := make(map[uint64]*Contribution, len(step.Output))
	for idx, raw := range step.Output {
		var c Contribution
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, nil, fmt.Errorf("hbbft: decoding accepted contribution from index %d: %w", idx, err)
		}
		contributions[idx] = &c
	}
	batch := mergeContributions(s.sequence, s.txSigner, s.network.SortedIndices(), contributions)
	return envelopes, batch, nil
}

// advance moves this state on to the next sequence number, called once
// the previous sequence's batch has been fully processed into a host
// block.
func (s *hbState) advance() *hbState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newHBState(s.network, s.ownIndex, s.sequence+1, s.maxTxs, s.txSigner)
}

// Sequence returns the sequence number this state is currently agreeing on.
func (s *hbState) Sequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence
}
