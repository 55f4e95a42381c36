package hbbft

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/hbbft-network/hbbft-consensus/crypto/threshold"
)

// KeygenTxKind discriminates the two transaction payloads the on-chain
// keygen-history contract records.
type KeygenTxKind string

const (
	// KeygenPart is a dealer's Part: its commitment polynomial plus one
	// sealed share per pending validator.
	KeygenPart KeygenTxKind = "part"
	// KeygenAck is a validator's acknowledgment of a verified Part.
	KeygenAck KeygenTxKind = "ack"
)

// KeygenTx is one Part or Ack read back from the keygen-history contract,
// in the order the chain recorded them. Data is the JSON payload the
// engine posted via SendKeygenTransaction.
type KeygenTx struct {
	Kind KeygenTxKind
	Data []byte
}

// Host is the capability the embedding node grants the engine: read-only
// access to chain state, the pending transaction pool, outbound message
// gossip, block assembly, and the on-chain validator-set and
// keygen-history contracts. The engine never reaches into a concrete
// chain, txpool, or p2p implementation directly; every side effect runs
// through Host, so tests can substitute an in-memory fake.
type Host interface {
	// CurrentBlockNumber returns the host chain's latest block number.
	CurrentBlockNumber() uint64

	// CurrentBlockTimestamp returns the timestamp of the host chain's
	// latest block, and false if no header is available yet. The timer
	// loop uses it to pace ticks against the minimum block time.
	CurrentBlockTimestamp() (uint64, bool)

	// PendingTransactions returns the node's currently queued
	// transactions, the pool the Contribution Builder draws from.
	PendingTransactions() types.Transactions

	// CreatePendingBlockAt assembles a pending block for blockNumber
	// from an agreed batch's transactions and timestamp, returning the
	// new header's bare hash (the header hash excluding the seal field),
	// which is what the committee threshold-signs. Returns false when
	// the host refuses, e.g. because blockNumber is not ahead of its
	// latest block.
	CreatePendingBlockAt(txs types.Transactions, timestamp uint64, blockNumber uint64) ([32]byte, bool)

	// UpdateSealing asks the host to re-evaluate whether it can seal its
	// pending block, e.g. because a combined signature just became
	// available. force bypasses the host's own sealing heuristics.
	UpdateSealing(force bool)

	// Broadcast gossips a wire envelope to every other committee member.
	Broadcast(envelope []byte)

	// Send gossips a wire envelope to a single committee member.
	Send(to common.Address, envelope []byte)

	// NetworkInfo returns the committee membership and threshold
	// parameters effective at the given host block number, read from the
	// on-chain validator-set contract.
	NetworkInfo(blockNumber uint64) (*NetworkInfo, error)

	// GetPendingValidators returns the validator-set contract's pending
	// committee. An empty set means no key generation round is in
	// progress.
	GetPendingValidators() ([]common.Address, error)

	// IsPendingValidator reports whether addr is in the pending set.
	IsPendingValidator(addr common.Address) (bool, error)

	// SendKeygenTransaction posts a Part or Ack to the keygen-history
	// contract as an ordinary host transaction. There is no direct DKG
	// transport; the contract is the ordered broadcast channel.
	SendKeygenTransaction(kind KeygenTxKind, data []byte) error

	// KeygenTransactions returns every Part and Ack the keygen-history
	// contract has recorded for the current round, in chain order.
	KeygenTransactions() ([]KeygenTx, error)

	// CallBlockReward makes the system call into the block-reward
	// contract for the block being closed, passing whether a key
	// generation round just completed so the contract can rotate the
	// validator set.
	CallBlockReward(contract common.Address, dkgCompleted bool) error
}

// Signer is the capability to produce this node's threshold signature
// shares and to identify this node's own address. It is scoped to the
// BLS threshold key share, not the node's ECDSA chain identity key.
type Signer interface {
	// Address returns this node's chain identity address.
	Address() common.Address

	// SignShare produces this node's signature share over msg using its
	// current SecretKeyShare. Returns ErrRequiresSigner if no share has
	// been installed yet (e.g. DKG has not completed).
	SignShare(msg []byte) ([]byte, error)
}

// ShareInstaller is an optional capability a Signer implementation may
// also provide, letting the engine hand it a freshly generated
// SecretKeyShare the moment DKG completes, rather than requiring the
// embedding node to poll for one.
type ShareInstaller interface {
	InstallSecretKeyShare(share *threshold.SecretKeyShare)
}

// SealState reports where a block number's threshold signature stands.
type SealState int

const (
	// SealAbsent means no sealing attempt is in progress for the block.
	SealAbsent SealState = iota
	// SealInProgress means shares are being collected but threshold has
	// not yet been reached.
	SealInProgress
	// SealComplete means a combined signature has been produced and
	// verified.
	SealComplete
)

func (s SealState) String() string {
	switch s {
	case SealAbsent:
		return "absent"
	case SealInProgress:
		return "in-progress"
	case SealComplete:
		return "complete"
	default:
		return "unknown"
	}
}
