package hbbft

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/hbbft-network/hbbft-consensus/crypto/threshold"
)

// dkgCoordinator drives one run of distributed key generation to
// completion for a committee. It wraps a threshold.Session with the
// bookkeeping needed to bridge the session's Part/Ack objects to and
// from the keygen transaction payloads, and to recognize when the
// committee as a whole (not just this node) has finished so the new
// NetworkInfo.PublicKeys can be installed.
//
// There is no direct DKG transport: every Part and Ack is posted to the
// keygen-history contract and read back from chain storage. The
// coordinator is therefore driven by replay — Engine.syncKeygen feeds it
// the full chain-recorded transaction list on every tick — and every
// handler is idempotent, so a restarting node replays the same chain
// state to the same keys.
type dkgCoordinator struct {
	mu sync.Mutex

	session  *threshold.Session
	ownIndex uint64
	complete bool

	ownPart      *dkgPartPayload
	handledParts map[uint64]bool
	handledAcks  map[[2]uint64]bool
}

func newDKGCoordinator(session *threshold.Session, ownIndex uint64) *dkgCoordinator {
	return &dkgCoordinator{
		session:      session,
		ownIndex:     ownIndex,
		handledParts: make(map[uint64]bool),
		handledAcks:  make(map[[2]uint64]bool),
	}
}

// OwnPart returns this node's Part payload, dealing the polynomial on
// the first call and the cached copy afterwards, so a failed contract
// post can be retried without changing the shares peers will verify.
func (d *dkgCoordinator) OwnPart() (*dkgPartPayload, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ownPart != nil {
		return d.ownPart, nil
	}
	part, err := d.session.DealPart()
	if err != nil {
		return nil, fmt.Errorf("hbbft: dealing DKG part: %w", err)
	}
	d.ownPart = &dkgPartPayload{Dealer: part.Dealer, Commits: part.Commits, Shares: part.Shares}
	return d.ownPart, nil
}

// HandlePart verifies a dealer's chain-recorded Part and returns the Ack
// payload to post in response, or nil if this Part was already replayed.
// A malformed or mismatched Part is logged and ignored rather than
// propagated as a fatal error: one faulty dealer must not stop the rest
// of the committee from completing DKG among the remaining qualified
// dealers.
func (d *dkgCoordinator) HandlePart(payload dkgPartPayload) (*dkgAckPayload, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handledParts[payload.Dealer] {
		return nil, nil
	}

	part := &threshold.Part{Dealer: payload.Dealer, Commits: payload.Commits, Shares: payload.Shares}
	ack, err := d.session.HandlePart(part)
	if err != nil {
		log.Warn("rejecting DKG part", "in", "dkgCoordinator.HandlePart", "dealer", payload.Dealer, "err", err)
		reportMisbehavior(misbehaviorInvalidDKGPart, payload.Dealer, err.Error())
		return nil, nil
	}
	d.handledParts[payload.Dealer] = true
	return &dkgAckPayload{Dealer: ack.Dealer, Acker: ack.Acker}, nil
}

// HandleAck records a chain-recorded acknowledgment. Replays of the same
// Ack are no-ops.
func (d *dkgCoordinator) HandleAck(payload dkgAckPayload) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := [2]uint64{payload.Dealer, payload.Acker}
	if d.handledAcks[key] {
		return
	}
	d.handledAcks[key] = true
	d.session.HandleAck(&threshold.Ack{Dealer: payload.Dealer, Acker: payload.Acker})
}

// TryComplete checks whether enough dealers are now qualified to derive
// the committee's keys, returning the resulting PublicKeySet and this
// node's SecretKeyShare once so.
func (d *dkgCoordinator) TryComplete() (*threshold.PublicKeySet, *threshold.SecretKeyShare, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.complete {
		return nil, nil, false, nil
	}
	if !d.session.IsReady() {
		return nil, nil, false, nil
	}
	pks, share, err := d.session.Generate()
	if err != nil {
		return nil, nil, false, err
	}
	d.complete = true
	return pks, share, true, nil
}
