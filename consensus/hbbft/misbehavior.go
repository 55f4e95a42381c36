package hbbft

import "github.com/ethereum/go-ethereum/log"

// misbehaviorKind names a recognized way a committee member can deviate
// from the protocol. Detecting these is cheap and useful for operators;
// acting on them (slashing, ejection) is a host chain governance
// concern, so this module only logs.
type misbehaviorKind string

const (
	misbehaviorInvalidShare        misbehaviorKind = "invalid_signature_share"
	misbehaviorInvalidDKGPart      misbehaviorKind = "invalid_dkg_part"
	misbehaviorInvalidContribution misbehaviorKind = "invalid_contribution_transaction"
	misbehaviorStaleSequence       misbehaviorKind = "stale_sequence_message"
)

// reportMisbehavior logs a detected protocol violation by a named
// validator index. There is deliberately no aggregation or counting here:
// any policy built on top of this signal (e.g. a reputation system) is a
// host chain concern.
func reportMisbehavior(kind misbehaviorKind, index uint64, detail string) {
	log.Warn("committee member misbehavior detected", "kind", kind, "index", index, "detail", detail)
}
