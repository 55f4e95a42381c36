package hbbft

import (
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/hbbft-network/hbbft-consensus/crypto/threshold"
	"github.com/hbbft-network/hbbft-consensus/params"
)

// rewardCall records one block-reward system call the engine asked the
// fake host to make.
type rewardCall struct {
	contract     common.Address
	dkgCompleted bool
}

// fakeHost is the in-memory Host used to drive the engine synchronously.
// Its keygen transaction slice stands in for the keygen-history contract
// and its bareHashes map for the pending blocks it assembled.
type fakeHost struct {
	mu                sync.Mutex
	blockNumber       uint64
	timestamp         uint64
	hasHeader         bool
	pending           types.Transactions
	network           *NetworkInfo
	pendingValidators []common.Address
	broadcasts        [][]byte
	keygenTxs         []KeygenTx
	bareHashes        map[uint64][32]byte
	sealingUpdates    int
	forcedUpdates     int
	rewardCalls       []rewardCall
}

func (f *fakeHost) CurrentBlockNumber() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockNumber
}

func (f *fakeHost) CurrentBlockTimestamp() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timestamp, f.hasHeader
}

func (f *fakeHost) PendingTransactions() types.Transactions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeHost) CreatePendingBlockAt(txs types.Transactions, timestamp uint64, blockNumber uint64) ([32]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if blockNumber <= f.blockNumber {
		return [32]byte{}, false
	}

	hasher := crypto.NewKeccakState()
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(blockNumber >> (8 * (7 - i)))
		buf[8+i] = byte(timestamp >> (8 * (7 - i)))
	}
	hasher.Write(buf[:])
	for _, tx := range txs {
		h := tx.Hash()
		hasher.Write(h[:])
	}
	var hash [32]byte
	hasher.Read(hash[:])

	if f.bareHashes == nil {
		f.bareHashes = make(map[uint64][32]byte)
	}
	f.bareHashes[blockNumber] = hash
	return hash, true
}

func (f *fakeHost) UpdateSealing(force bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sealingUpdates++
	if force {
		f.forcedUpdates++
	}
}

func (f *fakeHost) Broadcast(envelope []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, envelope)
}

func (f *fakeHost) Send(to common.Address, envelope []byte) {
	f.Broadcast(envelope)
}

func (f *fakeHost) NetworkInfo(blockNumber uint64) (*NetworkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.network, nil
}

func (f *fakeHost) GetPendingValidators() ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingValidators, nil
}

func (f *fakeHost) IsPendingValidator(addr common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.pendingValidators {
		if a == addr {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeHost) SendKeygenTransaction(kind KeygenTxKind, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keygenTxs = append(f.keygenTxs, KeygenTx{Kind: kind, Data: data})
	return nil
}

func (f *fakeHost) KeygenTransactions() ([]KeygenTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]KeygenTx(nil), f.keygenTxs...), nil
}

func (f *fakeHost) CallBlockReward(contract common.Address, dkgCompleted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rewardCalls = append(f.rewardCalls, rewardCall{contract: contract, dkgCompleted: dkgCompleted})
	return nil
}

func (f *fakeHost) drainBroadcasts() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.broadcasts
	f.broadcasts = nil
	return out
}

func (f *fakeHost) bareHash(blockNumber uint64) [32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bareHashes[blockNumber]
}

func testEngineConfig() *params.HBBFTConfig {
	return &params.HBBFTConfig{
		ChainID:                     big.NewInt(1),
		MinimumBlockTimeMillis:      1000,
		TransactionQueueSizeTrigger: 1,
		BlockRewardContractAddress:  "0x2000000000000000000000000000000000000001",
		IsUnitTest:                  true,
	}
}

func TestEngineSingleValidatorSealsBlock(t *testing.T) {
	network, signers := networkFromDKG(t, 1, 0)

	txKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	host := &fakeHost{
		hasHeader: true,
		network:   network,
		pending:   types.Transactions{signedTx(t, txKey, types.LatestSignerForChainID(big.NewInt(1)), 0)},
	}

	engine := New(testEngineConfig())
	engine.RegisterClient(host)
	engine.SetSigner(signers[1])
	require.NoError(t, engine.StartEpoch(network, nil, nil))

	require.NoError(t, engine.Tick(time.Unix(100, 0)))

	// A committee of one seals its batch from its own share alone, over
	// the bare hash of the block the host assembled.
	require.Equal(t, SealComplete, engine.SealingState(1))

	seal, err := engine.GenerateSeal(1)
	require.NoError(t, err)
	require.NotEmpty(t, seal)
	require.NoError(t, engine.VerifyBlockFamily(host.bareHash(1), seal))

	// A completed seal makes the engine push the host to re-seal.
	require.Greater(t, host.forcedUpdates, 0)

	// No engine transactions once the block's randomness is recorded;
	// an unprocessed block number is the error case.
	txs, err := engine.GenerateEngineTransactions(1)
	require.NoError(t, err)
	require.Empty(t, txs)
	_, err = engine.GenerateEngineTransactions(2)
	require.ErrorIs(t, err, ErrNoRandomValue)

	// Contribution broadcast plus sealing share broadcast, at minimum.
	require.GreaterOrEqual(t, len(host.drainBroadcasts()), 2)

	// Closing the block makes the reward system call; no DKG ran.
	require.NoError(t, engine.OnCloseBlock(&Batch{SequenceNumber: 1}))
	require.Len(t, host.rewardCalls, 1)
	require.Equal(t, common.HexToAddress("0x2000000000000000000000000000000000000001"), host.rewardCalls[0].contract)
	require.False(t, host.rewardCalls[0].dkgCompleted)
}

func TestEngineTickRespectsMinimumBlockTime(t *testing.T) {
	network, signers := networkFromDKG(t, 1, 0)

	txKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	host := &fakeHost{
		timestamp: 100,
		hasHeader: true,
		network:   network,
		pending:   types.Transactions{signedTx(t, txKey, types.LatestSignerForChainID(big.NewInt(1)), 0)},
	}

	engine := New(testEngineConfig())
	engine.RegisterClient(host)
	engine.SetSigner(signers[1])
	require.NoError(t, engine.StartEpoch(network, nil, nil))

	// 100.5s: half the minimum block time since the latest block.
	require.NoError(t, engine.Tick(time.UnixMilli(100500)))
	require.Equal(t, SealAbsent, engine.SealingState(1))

	require.NoError(t, engine.Tick(time.UnixMilli(101000)))
	require.Equal(t, SealComplete, engine.SealingState(1))
}

func TestEngineDropsObsoleteSealingShare(t *testing.T) {
	network, signers := networkFromDKG(t, 4, 1)
	host := &fakeHost{blockNumber: 100, hasHeader: true, network: network}

	engine := New(testEngineConfig())
	engine.RegisterClient(host)
	engine.SetSigner(signers[1])
	require.NoError(t, engine.StartEpoch(network, nil, nil))

	share, err := signers[2].SignShare([]byte("whatever"))
	require.NoError(t, err)
	env, err := encodeEnvelope(kindSealing, 0, sealingPayload{BlockNumber: 95, Index: 2, Share: share})
	require.NoError(t, err)

	require.NoError(t, engine.HandleMessage(network.Validators[2], env))
	require.Equal(t, SealAbsent, engine.SealingState(95))
}

func TestEngineHandleMessageErrors(t *testing.T) {
	network, signers := networkFromDKG(t, 4, 1)

	engine := New(testEngineConfig())
	err := engine.HandleMessage(network.Validators[2], []byte(`{}`))
	require.ErrorIs(t, err, ErrRequiresClient)

	host := &fakeHost{hasHeader: true, network: network}
	engine.RegisterClient(host)
	engine.SetSigner(signers[1])
	require.NoError(t, engine.StartEpoch(network, nil, nil))

	err = engine.HandleMessage(network.Validators[2], []byte(`garbage`))
	require.ErrorIs(t, err, ErrMalformedMessage)

	env, err := encodeEnvelope(kindSealing, 0, sealingPayload{BlockNumber: 5, Index: 2})
	require.NoError(t, err)
	err = engine.HandleMessage(common.HexToAddress("0xdead"), env)
	require.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestEngineVerifyBlockFamilyRoundTrip(t *testing.T) {
	network, signers := networkFromDKG(t, 4, 1)
	host := &fakeHost{hasHeader: true, network: network}

	engine := New(testEngineConfig())
	engine.RegisterClient(host)
	engine.SetSigner(signers[1])
	require.NoError(t, engine.StartEpoch(network, nil, nil))

	var hash [32]byte
	copy(hash[:], []byte("header bare hash"))
	shares := make(map[uint64][]byte)
	for idx := uint64(1); idx <= 2; idx++ {
		share, err := signers[idx].SignShare(hash[:])
		require.NoError(t, err)
		shares[idx] = share
	}
	combined, err := threshold.CombineSignatures(network.Threshold(), shares)
	require.NoError(t, err)
	seal, err := encodeSeal(combined)
	require.NoError(t, err)

	require.NoError(t, engine.VerifyBlockFamily(hash, seal))
	// Second verification is served from the cache.
	require.NoError(t, engine.VerifyBlockFamily(hash, seal))

	var wrong [32]byte
	copy(wrong[:], []byte("some other header"))
	require.ErrorIs(t, engine.VerifyBlockFamily(wrong, seal), ErrInvalidSeal)
}

func TestEngineSingleValidatorDKGBootstrap(t *testing.T) {
	kp, err := threshold.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	encKeys := map[uint64][32]byte{1: kp.Public}

	var addr common.Address
	addr[19] = 1
	network := &NetworkInfo{Validators: map[uint64]common.Address{1: addr}}
	signer := &fakeSigner{addr: addr}
	host := &fakeHost{
		hasHeader:         true,
		network:           network,
		pendingValidators: []common.Address{addr},
	}

	engine := New(testEngineConfig())
	engine.RegisterClient(host)
	engine.SetSigner(signer)
	require.NoError(t, engine.StartEpoch(network, kp, encKeys))
	require.Nil(t, network.PublicKeys)

	// One tick posts our Part to the keygen history, replays it back
	// from the chain, posts the resulting Ack, and (for a committee of
	// one) finalizes the round.
	require.NoError(t, engine.Tick(time.Unix(10, 0)))
	require.NotNil(t, network.PublicKeys)
	require.NotNil(t, signer.share)

	// Both keygen transactions went through the contract, none through
	// gossip.
	require.Len(t, host.keygenTxs, 2)
	require.Equal(t, KeygenPart, host.keygenTxs[0].Kind)
	require.Equal(t, KeygenAck, host.keygenTxs[1].Kind)
	require.Empty(t, host.drainBroadcasts())

	// The completion flag reaches the block-reward contract exactly once.
	require.NoError(t, engine.OnCloseBlock(&Batch{SequenceNumber: 1}))
	require.NoError(t, engine.OnCloseBlock(&Batch{SequenceNumber: 2}))
	require.Len(t, host.rewardCalls, 2)
	require.True(t, host.rewardCalls[0].dkgCompleted)
	require.False(t, host.rewardCalls[1].dkgCompleted)
}

func TestEngineKeygenReplayIsIdempotent(t *testing.T) {
	kp, err := threshold.GenerateEncryptionKeyPair()
	require.NoError(t, err)
	encKeys := map[uint64][32]byte{1: kp.Public}

	var addr common.Address
	addr[19] = 1
	network := &NetworkInfo{Validators: map[uint64]common.Address{1: addr}}
	host := &fakeHost{
		hasHeader:         true,
		network:           network,
		pendingValidators: []common.Address{addr},
	}

	engine := New(testEngineConfig())
	engine.RegisterClient(host)
	engine.SetSigner(&fakeSigner{addr: addr})
	require.NoError(t, engine.StartEpoch(network, kp, encKeys))

	require.NoError(t, engine.Tick(time.Unix(10, 0)))
	require.NoError(t, engine.Tick(time.Unix(20, 0)))
	require.NoError(t, engine.Tick(time.Unix(30, 0)))

	// Replaying the chain on later ticks must not repost anything.
	require.Len(t, host.keygenTxs, 2)
}

func TestEngineEpochChangeRebuildsState(t *testing.T) {
	network, signers := networkFromDKG(t, 4, 1)
	network.EpochStartBlock = 0

	host := &fakeHost{hasHeader: true, network: network}
	engine := New(testEngineConfig())
	engine.RegisterClient(host)
	engine.SetSigner(signers[1])
	require.NoError(t, engine.StartEpoch(network, nil, nil))

	// A new committee takes effect on chain at block 50; this node stays
	// a member.
	next, _ := networkFromDKG(t, 4, 1)
	next.EpochStartBlock = 50
	next.Validators[1] = network.Validators[1]
	host.mu.Lock()
	host.network = next
	host.blockNumber = 50
	host.mu.Unlock()

	require.NoError(t, engine.OnTransactionsImported(time.Unix(100, 0)))
	require.Equal(t, uint64(50), engine.epochStartBlock)
	require.True(t, engine.network.PublicKeys.Equal(next.PublicKeys))
}

func TestEngineLateJoinContribution(t *testing.T) {
	network, signers := networkFromDKG(t, 4, 1)
	host := &fakeHost{hasHeader: true, network: network}

	engine := New(testEngineConfig())
	engine.RegisterClient(host)
	engine.SetSigner(signers[1])
	require.NoError(t, engine.StartEpoch(network, nil, nil))
	host.drainBroadcasts()

	// One peer contribution: below the f+1 late-join threshold, so this
	// node only echoes.
	env := peerContributionEnvelope(t, 1, 20, [32]byte{2})
	require.NoError(t, engine.HandleMessage(network.Validators[2], env))
	require.False(t, containsOwnContribution(t, host.drainBroadcasts()))

	// Second distinct peer contribution reaches f+1 = 2: now this node
	// proposes its own.
	env = peerContributionEnvelope(t, 1, 30, [32]byte{3})
	require.NoError(t, engine.HandleMessage(network.Validators[3], env))
	require.True(t, containsOwnContribution(t, host.drainBroadcasts()))
}

// peerContributionEnvelope builds the honey badger wire envelope a peer
// would gossip for its contribution at the given sequence.
func peerContributionEnvelope(t *testing.T, sequence uint64, timestamp uint64, nonce [32]byte) []byte {
	t.Helper()
	c := Contribution{Timestamp: timestamp, RandomNonce: nonce}
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	env, err := encodeEnvelope(kindHoneyBadger, 0, honeyBadgerPayload{Sequence: sequence, Message: raw})
	require.NoError(t, err)
	return env
}

// containsOwnContribution reports whether more than one distinct honey
// badger payload was broadcast, i.e. an own proposal beyond the echo of
// the peer's.
func containsOwnContribution(t *testing.T, envs [][]byte) bool {
	t.Helper()
	distinct := make(map[string]bool)
	for _, env := range envs {
		e, err := decodeEnvelope(env)
		require.NoError(t, err)
		if e.Kind == kindHoneyBadger {
			distinct[string(e.Payload)] = true
		}
	}
	return len(distinct) > 1
}
