package hbbft

import (
	"encoding/json"
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
	txverify "github.com/hbbft-network/hbbft-consensus/core"
)

// Contribution is one validator's proposed slice of the next batch: a set
// of pending transactions, a wall-clock timestamp, and a random nonce. A
// batch folds every accepted contribution together rather than picking a
// single leader's, which is what makes Honey Badger leaderless.
type Contribution struct {
	Transactions types.Transactions `json:"transactions"`
	Timestamp    uint64             `json:"timestamp"`
	RandomNonce  [32]byte           `json:"random_nonce"`
}

// contributionWire is Contribution's JSON-serializable shape: transactions
// are carried RLP-encoded since types.Transaction already defines a
// canonical binary form the host chain uses.
type contributionWire struct {
	Transactions [][]byte `json:"transactions"`
	Timestamp    uint64   `json:"timestamp"`
	RandomNonce  [32]byte `json:"random_nonce"`
}

// MarshalJSON encodes a Contribution's transactions in their canonical RLP
// form rather than relying on types.Transaction's own JSON marshaling,
// which round-trips but is far larger on the wire.
func (c Contribution) MarshalJSON() ([]byte, error) {
	wire := contributionWire{Timestamp: c.Timestamp, RandomNonce: c.RandomNonce}
	wire.Transactions = make([][]byte, len(c.Transactions))
	for i, tx := range c.Transactions {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, err
		}
		wire.Transactions[i] = raw
	}
	return json.Marshal(wire)
}

// UnmarshalJSON reverses MarshalJSON. Transactions that fail to decode
// are dropped rather than failing the whole contribution: a Byzantine
// proposer can embed arbitrary byte strings as "transactions", and
// honest nodes must still agree on the rest of its contribution.
func (c *Contribution) UnmarshalJSON(data []byte) error {
	var wire contributionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	c.Timestamp = wire.Timestamp
	c.RandomNonce = wire.RandomNonce
	c.Transactions = make(types.Transactions, 0, len(wire.Transactions))
	for _, raw := range wire.Transactions {
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			continue
		}
		c.Transactions = append(c.Transactions, tx)
	}
	return nil
}

// Batch is the result of one Honey Badger agreement step: the union of
// every qualified validator's contribution for that step, with the
// consensus timestamp and randomness already derived.
type Batch struct {
	SequenceNumber uint64
	Transactions   types.Transactions
	Timestamp      uint64
	Randomness     [32]byte
}

// buildContribution assembles this node's contribution from its pending
// transaction pool, capped at maxTxs. The pool is assumed already
// signature-checked by the host chain; the stricter check against
// Byzantine peers happens on the receiving side, in mergeContributions,
// since an honest node's own pool cannot contain unsigned transactions but
// a malicious peer's gossiped contribution can claim anything.
func buildContribution(pending types.Transactions, maxTxs int, timestamp uint64, nonce [32]byte) (*Contribution, error) {
	c := &Contribution{Timestamp: timestamp, RandomNonce: nonce}
	for _, tx := range pending {
		if len(c.Transactions) >= maxTxs {
			break
		}
		c.Transactions = append(c.Transactions, tx)
	}
	return c, nil
}

// mergeContributions folds a set of accepted per-validator contributions,
// keyed by validator index, into a single Batch: transactions concatenated
// in ascending validator-index order and de-duplicated by hash, timestamp
// set to the median of all contributed timestamps, and randomness XORed
// from every contributed nonce.
//
// Transactions that fail to validate as signed under signer are silently
// dropped rather than rejecting the whole contribution: a Byzantine
// validator can gossip a contribution containing arbitrary byte strings
// as "transactions", and honest nodes must still agree on everything else
// in that contribution.
func mergeContributions(sequence uint64, signer types.Signer, indices []uint64, contributions map[uint64]*Contribution) *Batch {
	batch := &Batch{SequenceNumber: sequence}

	seen := make(map[[32]byte]bool)
	timestamps := make([]uint64, 0, len(indices))
	for _, idx := range indices {
		c, ok := contributions[idx]
		if !ok {
			continue
		}
		timestamps = append(timestamps, c.Timestamp)
		for j := range batch.Randomness {
			batch.Randomness[j] ^= c.RandomNonce[j]
		}
		for _, tx := range c.Transactions {
			if err := txverify.VerifyTx(signer, tx); err != nil {
				reportMisbehavior(misbehaviorInvalidContribution, idx, "contribution contains unsigned transaction")
				continue
			}
			h := tx.Hash()
			if seen[h] {
				continue
			}
			seen[h] = true
			batch.Transactions = append(batch.Transactions, tx)
		}
	}

	batch.Timestamp = medianUint64(timestamps)
	return batch
}

// medianUint64 returns the median of a non-empty slice; for even lengths
// it is the upper of the two middle values. A deterministic rule every honest node computes
// identically, which is the point: the batch's timestamp cannot be
// unilaterally chosen by any single contributor.
func medianUint64(vs []uint64) uint64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := append([]uint64(nil), vs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

