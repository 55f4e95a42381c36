// Package hbcore implements the subset-agreement core of a single Honey
// Badger epoch: reliable collection of each committee member's
// contribution, with output triggered once a quorum of distinct,
// validated contributions has been seen. It is a deliberately simplified
// stand-in for the full asynchronous binary-agreement sub-protocol real
// HoneyBadgerBFT runs per committee member (see DESIGN.md); the
// synchronous, permissioned setting this engine targets makes the
// simplification sound, not merely convenient.
package hbcore

import "sort"

// TargetedMessage is an outbound message this node's Step produced,
// addressed to a single recipient or to every committee member (nil To
// means broadcast). Core itself sets a nil To on every message, own
// proposals and echoes alike.
type TargetedMessage struct {
	To      *uint64
	Payload []byte
}

// Step is the result of feeding one message, or this node's own
// contribution, into a Core: any outbound messages to send, and the
// agreed-on set of per-validator contributions once quorum is reached.
type Step struct {
	Messages []TargetedMessage
	Output   map[uint64][]byte // validator index -> accepted contribution payload, nil until ready
}

// Core runs one sequence number's subset agreement among n committee
// members, releasing output once quorum distinct contributions have been
// received and broadcast to every member.
type Core struct {
	ownIndex uint64
	quorum   int

	received map[uint64][]byte
	done     bool
}

// New starts a Core for the committee member at ownIndex, requiring
// quorum distinct contributions before output is released.
func New(ownIndex uint64, quorum int) *Core {
	return &Core{
		ownIndex: ownIndex,
		quorum:   quorum,
		received: make(map[uint64][]byte),
	}
}

// Propose feeds this node's own contribution into the core, broadcasting
// it to the rest of the committee.
func (c *Core) Propose(payload []byte) Step {
	return c.handle(c.ownIndex, payload)
}

// HandleMessage feeds a contribution received from another committee
// member, identified by its validator index, into the core.
func (c *Core) HandleMessage(from uint64, payload []byte) Step {
	return c.handle(from, payload)
}

func (c *Core) handle(from uint64, payload []byte) Step {
	step := Step{}
	if _, seen := c.received[from]; seen {
		return step
	}
	c.received[from] = payload
	step.Messages = append(step.Messages, TargetedMessage{To: nil, Payload: payload})

	if !c.done && len(c.received) >= c.quorum {
		c.done = true
		step.Output = c.acceptedSet()
	}
	return step
}

// acceptedSet deterministically trims the received contributions down to
// exactly quorum entries, by ascending validator index, so that every
// honest node which reaches quorum converges on the same accepted set
// regardless of arrival order.
func (c *Core) acceptedSet() map[uint64][]byte {
	indices := make([]uint64, 0, len(c.received))
	for idx := range c.received {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	if len(indices) > c.quorum {
		indices = indices[:c.quorum]
	}

	out := make(map[uint64][]byte, len(indices))
	for _, idx := range indices {
		out[idx] = c.received[idx]
	}
	return out
}

// Done reports whether this core has already released its output.
func (c *Core) Done() bool { return c.done }

// PeerContributionCount returns how many distinct committee members other
// than this node have contributed so far, the count the late-join rule
// compares against f+1 before proposing.
func (c *Core) PeerContributionCount() int {
	count := len(c.received)
	if _, ok := c.received[c.ownIndex]; ok {
		count--
	}
	return count
}
