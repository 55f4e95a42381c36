package hbbft

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// messageKind discriminates the wire envelope's tagged union.
type messageKind string

const (
	kindHoneyBadger messageKind = "honey_badger"
	kindSealing     messageKind = "sealing"
)

// envelope is the self-describing wire format every gossiped message is
// wrapped in, so that a future message variant can be added without
// breaking nodes still running an older version: unrecognized Kind values
// decode cleanly into ErrMalformedMessage rather than corrupting a fixed
// binary layout.
type envelope struct {
	Kind    messageKind     `json:"kind"`
	Epoch   uint64          `json:"epoch"`
	Payload json.RawMessage `json:"payload"`
}

// honeyBadgerPayload wraps a single Honey Badger sub-protocol message
// addressed to a given agreement sequence number within the epoch.
type honeyBadgerPayload struct {
	Sequence uint64          `json:"sequence"`
	Message  json.RawMessage `json:"message"`
}

// sealingPayload carries a single node's signature share over a block
// number's seal hash.
type sealingPayload struct {
	BlockNumber uint64 `json:"block_number"`
	Index       uint64 `json:"index"`
	Share       []byte `json:"share"`
}

// dkgPartPayload and dkgAckPayload are the keygen transaction payloads
// posted to (and read back from) the keygen-history contract, keyed by
// the dealer's validator index. They never ride the gossip envelope:
// DKG traffic flows exclusively through contract storage.
type dkgPartPayload struct {
	Dealer  uint64            `json:"dealer"`
	Commits [][]byte          `json:"commits"`
	Shares  map[uint64][]byte `json:"shares"`
}

type dkgAckPayload struct {
	Dealer uint64 `json:"dealer"`
	Acker  uint64 `json:"acker"`
}

// encodeEnvelope marshals kind and payload into a self-describing wire
// message.
func encodeEnvelope(kind messageKind, epoch uint64, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("hbbft: encoding %s payload: %w", kind, err)
	}
	return json.Marshal(envelope{Kind: kind, Epoch: epoch, Payload: raw})
}

// decodeEnvelope unwraps the outer tagged union. Callers switch on the
// returned kind to decode Payload into the matching concrete type.
func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch e.Kind {
	case kindHoneyBadger, kindSealing:
		return e, nil
	default:
		return envelope{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, e.Kind)
	}
}

// sealRLP is the single-element RLP encoding a block's 96-byte combined
// threshold signature is embedded as in the header's seal field.
type sealRLP struct {
	Signature []byte
}

// encodeSeal RLP-encodes a combined signature for embedding in a header's
// extra-data/seal field.
func encodeSeal(sig []byte) ([]byte, error) {
	return rlp.EncodeToBytes(&sealRLP{Signature: sig})
}

// decodeSeal reverses encodeSeal. A seal that fails to decode is an
// invalid seal, not a malformed peer message: it arrives inside a block
// header, not a gossip envelope.
func decodeSeal(data []byte) ([]byte, error) {
	var s sealRLP
	if err := rlp.DecodeBytes(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeal, err)
	}
	return s.Signature, nil
}
