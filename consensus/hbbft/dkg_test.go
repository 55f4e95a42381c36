package hbbft

import (
	"testing"

	"github.com/hbbft-network/hbbft-consensus/crypto/threshold"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, ownIndex uint64, n, faultTolerance int, own *threshold.EncryptionKeyPair, encKeys map[uint64][32]byte) *dkgCoordinator {
	t.Helper()
	session, err := threshold.NewSession(ownIndex, n, faultTolerance, own, encKeys)
	require.NoError(t, err)
	return newDKGCoordinator(session, ownIndex)
}

func testCoordinators(t *testing.T, n, faultTolerance int) map[uint64]*dkgCoordinator {
	t.Helper()
	encKeys := make(map[uint64][32]byte, n)
	ownKeys := make(map[uint64]*threshold.EncryptionKeyPair, n)
	for i := uint64(1); i <= uint64(n); i++ {
		kp, err := threshold.GenerateEncryptionKeyPair()
		require.NoError(t, err)
		ownKeys[i] = kp
		encKeys[i] = kp.Public
	}
	coords := make(map[uint64]*dkgCoordinator, n)
	for i := uint64(1); i <= uint64(n); i++ {
		coords[i] = newTestCoordinator(t, i, n, faultTolerance, ownKeys[i], encKeys)
	}
	return coords
}

// Simulates the keygen-history contract: every coordinator's Part and Ack
// payload is recorded once and replayed to every coordinator, the way the
// engine replays the chain on each tick.
func TestDKGCoordinatorChainReplayRoundTrip(t *testing.T) {
	const n = 4
	coords := testCoordinators(t, n, 1)

	var parts []dkgPartPayload
	for i := uint64(1); i <= n; i++ {
		part, err := coords[i].OwnPart()
		require.NoError(t, err)
		parts = append(parts, *part)
	}

	var acks []dkgAckPayload
	for _, part := range parts {
		for i := uint64(1); i <= n; i++ {
			ack, err := coords[i].HandlePart(part)
			require.NoError(t, err)
			require.NotNil(t, ack)
			acks = append(acks, *ack)
		}
	}
	for _, ack := range acks {
		for i := uint64(1); i <= n; i++ {
			coords[i].HandleAck(ack)
		}
	}

	var pubKeys []*threshold.PublicKeySet
	for i := uint64(1); i <= n; i++ {
		pks, _, ready, err := coords[i].TryComplete()
		require.NoError(t, err)
		require.True(t, ready)
		pubKeys = append(pubKeys, pks)
	}
	for i := 1; i < len(pubKeys); i++ {
		require.True(t, pubKeys[0].Equal(pubKeys[i]))
	}

	// A second call to TryComplete is a no-op once already complete.
	_, _, ready, err := coords[1].TryComplete()
	require.NoError(t, err)
	require.False(t, ready)
}

func TestDKGCoordinatorOwnPartIsStable(t *testing.T) {
	coords := testCoordinators(t, 4, 1)

	first, err := coords[1].OwnPart()
	require.NoError(t, err)
	second, err := coords[1].OwnPart()
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestDKGCoordinatorReplayedPartAcksOnce(t *testing.T) {
	coords := testCoordinators(t, 4, 1)

	part, err := coords[2].OwnPart()
	require.NoError(t, err)

	ack, err := coords[1].HandlePart(*part)
	require.NoError(t, err)
	require.NotNil(t, ack)

	// The same chain entry replayed on the next sync yields no new Ack.
	again, err := coords[1].HandlePart(*part)
	require.NoError(t, err)
	require.Nil(t, again)
}

func TestDKGCoordinatorHandlePartIgnoresMalformedPart(t *testing.T) {
	coords := testCoordinators(t, 4, 1)

	bogus := dkgPartPayload{Dealer: 2, Commits: [][]byte{{0x01}}, Shares: map[uint64][]byte{1: {0x02}}}
	ack, err := coords[1].HandlePart(bogus)
	require.NoError(t, err)
	require.Nil(t, ack)
}
