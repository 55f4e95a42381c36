// Package hbbft implements a Byzantine-fault-tolerant, Honey Badger style
// consensus engine for a permissioned validator committee: the runtime
// that turns gossiped per-validator contributions into agreed host blocks,
// and the distributed key generation bootstrap a new committee runs
// before it can produce threshold-signed seals.
package hbbft

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"github.com/hbbft-network/hbbft-consensus/crypto/threshold"
	"github.com/hbbft-network/hbbft-consensus/params"
)

// verifiedSealsCacheSize bounds the ARC cache of seals VerifyBlockFamily
// has already pairing-checked, so re-verification during reorgs or
// snap-sync replays skips the two pairings.
const verifiedSealsCacheSize = 512

// Engine is the consensus engine's runtime. Every exported method is safe
// for concurrent use; internally it holds four independently-locked
// resources acquired, when more than one is needed at once, in the fixed
// order hbbft_state -> sealing -> random_numbers -> message_counter to
// rule out deadlock.
type Engine struct {
	config *params.HBBFTConfig

	hbMu  sync.RWMutex
	hbbft *hbState

	sealMu  sync.RWMutex
	sealing *sealingTracker

	randomNumbers *randomNumberTable // self-locking, third in the acquisition order

	counterMu      sync.Mutex
	messageCounter map[string]uint64 // per-peer monotonic envelope counter, an ordering hint never read by the protocols

	hostMu sync.RWMutex
	host   Host

	signerMu sync.RWMutex
	signer   Signer

	dkgMu         sync.Mutex
	dkg           *dkgCoordinator
	dkgPartPosted bool // our Part has landed in the keygen-history contract
	dkgCompleted  bool // set when DKG finishes, consumed by the next OnCloseBlock

	network *NetworkInfo

	epochStartBlock uint64 // supplemented: host block at which the current committee took effect

	verifiedSeals *lru.ARCCache // seal hash -> combined signature already verified

	timerMu   sync.Mutex
	stopTimer chan struct{}
}

// New constructs an Engine for the given chain-spec config. RegisterClient
// and SetSigner must be called before the engine can do anything beyond
// decode messages.
func New(config *params.HBBFTConfig) *Engine {
	cfg := *config
	params.ApplyDefaultHBBFTConfig(&cfg)
	verifiedSeals, _ := lru.NewARC(verifiedSealsCacheSize)
	return &Engine{
		config:         &cfg,
		messageCounter: make(map[string]uint64),
		randomNumbers:  newRandomNumberTable(256),
		verifiedSeals:  verifiedSeals,
	}
}

// Start launches the periodic timer loop that paces contribution proposals
// against the chain's minimum block time. A no-op in unit-test mode, where
// tests drive Tick synchronously instead.
func (e *Engine) Start() {
	if e.config.IsUnitTest {
		return
	}
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.stopTimer != nil {
		return
	}
	e.stopTimer = make(chan struct{})
	go e.timerLoop(e.stopTimer)
}

// Stop terminates the timer loop started by Start.
func (e *Engine) Stop() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.stopTimer == nil {
		return
	}
	close(e.stopTimer)
	e.stopTimer = nil
}

func (e *Engine) timerLoop(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-time.After(e.nextTickInterval(time.Now())):
			if err := e.Tick(time.Now()); err != nil {
				log.Trace("engine tick skipped", "in", "Engine.timerLoop", "err", err)
			}
		}
	}
}

// nextTickInterval computes the adaptive timer interval: the time until
// the earliest moment the next block may be produced, clamped between 1ms
// and the minimum block time. Falls back to one second whenever the host
// or its latest header is unavailable.
func (e *Engine) nextTickInterval(now time.Time) time.Duration {
	host, err := e.getHost()
	if err != nil {
		return time.Second
	}
	ts, ok := host.CurrentBlockTimestamp()
	if !ok {
		return time.Second
	}
	minBlockTime := time.Duration(e.config.MinimumBlockTimeMillis) * time.Millisecond
	until := time.Unix(int64(ts), 0).Add(minBlockTime).Sub(now)
	if until < time.Millisecond {
		until = time.Millisecond
	}
	if until > minBlockTime {
		until = minBlockTime
	}
	return until
}

// RegisterClient installs the Host capability. Must be called once before
// the engine is driven.
func (e *Engine) RegisterClient(h Host) {
	e.hostMu.Lock()
	defer e.hostMu.Unlock()
	e.host = h
}

// SetSigner installs this node's Signer capability. It must be called
// before StartEpoch, which locates this node in the committee by the
// signer's address; a SecretKeyShare that DKG produces later is handed to
// the signer through ShareInstaller.
func (e *Engine) SetSigner(s Signer) {
	e.signerMu.Lock()
	defer e.signerMu.Unlock()
	e.signer = s
}

func (e *Engine) getHost() (Host, error) {
	e.hostMu.RLock()
	defer e.hostMu.RUnlock()
	if e.host == nil {
		return nil, ErrRequiresClient
	}
	return e.host, nil
}

func (e *Engine) getSigner() (Signer, error) {
	e.signerMu.RLock()
	defer e.signerMu.RUnlock()
	if e.signer == nil {
		return nil, ErrRequiresSigner
	}
	return e.signer, nil
}

// StartEpoch installs the committee's NetworkInfo and begins the new
// epoch's Honey Badger state at the sequence right after the host's
// current head, bootstrapping DKG first if the committee has no
// PublicKeySet yet.
func (e *Engine) StartEpoch(network *NetworkInfo, ownEncKey *threshold.EncryptionKeyPair, encKeys map[uint64][32]byte) error {
	if err := network.Validate(); err != nil {
		return err
	}
	ownIndex, ok := network.IndexOf(e.ownAddress())
	if !ok {
		return fmt.Errorf("hbbft: this node is not a member of the new committee")
	}

	e.network = network
	e.epochStartBlock = network.EpochStartBlock

	txSigner := types.LatestSignerForChainID(e.config.ChainID)

	// Sequence numbers double as the block numbers batches seal, so the
	// first sequence is the block right after the host's current head.
	sequence := uint64(1)
	if host, err := e.getHost(); err == nil {
		sequence = host.CurrentBlockNumber() + 1
	}

	e.hbMu.Lock()
	e.hbbft = newHBState(network, ownIndex, sequence, e.config.TransactionQueueSizeTrigger+16, txSigner)
	e.hbMu.Unlock()

	e.sealMu.Lock()
	e.sealing = newSealingTracker(network, 256)
	e.sealMu.Unlock()

	if network.PublicKeys == nil {
		session, err := threshold.NewSession(ownIndex, len(network.Validators), network.Threshold(), ownEncKey, encKeys)
		if err != nil {
			return err
		}
		e.dkgMu.Lock()
		e.dkg = newDKGCoordinator(session, ownIndex)
		e.dkgPartPosted = false
		e.dkgMu.Unlock()
	}
	return nil
}

// checkEpochChange consults the host's view of the committee effective at
// its latest block and, if a newer committee has taken effect on chain,
// rebuilds the Honey Badger state and sealing tracker around it. Read
// failures degrade to "no epoch change detected" and are retried on the
// next externally triggered action.
func (e *Engine) checkEpochChange(host Host) {
	if e.network == nil {
		return // first committee is installed via StartEpoch, not discovered
	}
	info, err := host.NetworkInfo(host.CurrentBlockNumber())
	if err != nil || info == nil {
		return
	}
	if info.EpochStartBlock <= e.network.EpochStartBlock {
		return
	}
	if err := info.Validate(); err != nil {
		log.Error("rejecting invalid on-chain committee", "in", "Engine.checkEpochChange", "epochStart", info.EpochStartBlock, "err", err)
		return
	}

	e.network = info
	e.epochStartBlock = info.EpochStartBlock
	txSigner := types.LatestSignerForChainID(e.config.ChainID)

	if ownIndex, ok := info.IndexOf(e.ownAddress()); ok {
		e.hbMu.Lock()
		e.hbbft = newHBState(info, ownIndex, host.CurrentBlockNumber()+1, e.config.TransactionQueueSizeTrigger+16, txSigner)
		e.hbMu.Unlock()
		e.sealMu.Lock()
		e.sealing = newSealingTracker(info, 256)
		e.sealMu.Unlock()
	} else {
		// Observer for this epoch: keep the committee for seal
		// verification, but produce nothing.
		e.hbMu.Lock()
		e.hbbft = nil
		e.hbMu.Unlock()
		e.sealMu.Lock()
		e.sealing = nil
		e.sealMu.Unlock()
	}
	log.Info("committee epoch change", "in", "Engine.checkEpochChange", "epochStart", info.EpochStartBlock, "validators", len(info.Validators))
}

// contributionNonce draws the fresh local randomness each contribution
// carries, the per-node entropy the batch's XOR combination rule folds
// into the chain's random number.
func contributionNonce() [32]byte {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		// An exhausted system entropy pool is not recoverable from here;
		// fall back to a time-derived hash rather than contributing zeros.
		copy(nonce[:], crypto.Keccak256([]byte(time.Now().String())))
	}
	return nonce
}

func (e *Engine) ownAddress() common.Address {
	e.signerMu.RLock()
	defer e.signerMu.RUnlock()
	if e.signer == nil {
		return common.Address{}
	}
	return e.signer.Address()
}

// Tick drives the engine's periodic work: asking the host to refresh
// sealing in case a ready seal was missed, advancing an in-progress
// keygen round against the chain, and sending this node's contribution
// once the block-time timer or queue-size trigger fires. Real
// deployments call Tick from the timer loop Start launches.
func (e *Engine) Tick(now time.Time) error {
	host, err := e.getHost()
	if err != nil {
		return err
	}
	e.checkEpochChange(host)
	host.UpdateSealing(false)

	e.sealMu.RLock()
	tracker := e.sealing
	e.sealMu.RUnlock()
	if tracker != nil {
		tracker.Prune(host.CurrentBlockNumber())
	}

	e.syncKeygen(host)

	signer, err := e.getSigner()
	if err != nil {
		return nil // no signer yet (DKG still pending): nothing more to do this tick
	}

	pending := host.PendingTransactions()
	if len(pending) == 0 {
		return nil
	}
	if ts, ok := host.CurrentBlockTimestamp(); ok && now.UnixMilli() < int64(ts)*1000+int64(e.config.MinimumBlockTimeMillis) {
		return nil // minimum block time since the latest block has not elapsed yet
	}

	e.hbMu.RLock()
	state := e.hbbft
	e.hbMu.RUnlock()
	if state == nil {
		return nil
	}

	envelopes, batch, err := state.tryContribute(pending, uint64(now.Unix()), contributionNonce())
	if err != nil {
		return err
	}
	for _, env := range envelopes {
		host.Broadcast(env)
	}
	if batch != nil {
		e.onBatchReady(batch, host, signer)
	}
	return nil
}

// HandleMessage decodes and routes a gossiped wire envelope. It is the
// single entry point for all Honey Badger and sealing traffic; DKG Parts
// and Acks never arrive here, they are read from the keygen-history
// contract by Tick.
func (e *Engine) HandleMessage(from common.Address, data []byte) error {
	host, err := e.getHost()
	if err != nil {
		return err
	}

	e.checkEpochChange(host)
	e.advanceCounter(from)

	env, err := decodeEnvelope(data)
	if err != nil {
		return err
	}

	if e.network == nil {
		return fmt.Errorf("%w: no committee installed yet", ErrUnexpectedMessage)
	}
	fromIndex, ok := e.network.IndexOf(from)
	if !ok {
		return fmt.Errorf("%w: message from non-member %s", ErrUnexpectedMessage, from)
	}

	switch env.Kind {
	case kindHoneyBadger:
		return e.handleHoneyBadger(fromIndex, env.Payload, host)
	case kindSealing:
		return e.handleSealing(fromIndex, env.Payload, host)
	default:
		return fmt.Errorf("%w: kind %q", ErrMalformedMessage, env.Kind)
	}
}

// syncKeygen advances an in-progress key generation round against the
// keygen-history contract: detects the pending round, posts our Part
// once, replays every Part and Ack the chain has recorded, posts Acks
// for newly verified Parts, and finalizes the session once ready. Chain
// read or write failures degrade to "retry on the next tick".
func (e *Engine) syncKeygen(host Host) {
	e.dkgMu.Lock()
	dkg := e.dkg
	partPosted := e.dkgPartPosted
	e.dkgMu.Unlock()
	if dkg == nil {
		return
	}

	pending, err := host.GetPendingValidators()
	if err != nil || len(pending) == 0 {
		return // no round in progress, or the validator-set read failed
	}

	if !partPosted {
		if isPending, err := host.IsPendingValidator(e.ownAddress()); err == nil && isPending {
			part, err := dkg.OwnPart()
			if err != nil {
				log.Error("dealing keygen part failed", "in", "Engine.syncKeygen", "err", err)
			} else if data, err := json.Marshal(part); err == nil {
				if err := host.SendKeygenTransaction(KeygenPart, data); err != nil {
					log.Warn("posting keygen part failed", "in", "Engine.syncKeygen", "err", err)
				} else {
					e.dkgMu.Lock()
					e.dkgPartPosted = true
					e.dkgMu.Unlock()
				}
			}
		}
	}

	txs, err := host.KeygenTransactions()
	if err != nil {
		log.Warn("reading keygen history failed", "in", "Engine.syncKeygen", "err", err)
		return
	}
	for _, tx := range txs {
		switch tx.Kind {
		case KeygenPart:
			var part dkgPartPayload
			if err := json.Unmarshal(tx.Data, &part); err != nil {
				continue
			}
			ack, err := dkg.HandlePart(part)
			if err != nil || ack == nil {
				continue
			}
			if data, err := json.Marshal(ack); err == nil {
				if err := host.SendKeygenTransaction(KeygenAck, data); err != nil {
					log.Warn("posting keygen ack failed", "in", "Engine.syncKeygen", "dealer", ack.Dealer, "err", err)
				}
			}
		case KeygenAck:
			var ack dkgAckPayload
			if err := json.Unmarshal(tx.Data, &ack); err != nil {
				continue
			}
			dkg.HandleAck(ack)
		}
	}

	if pks, share, ready, err := dkg.TryComplete(); err != nil {
		log.Error("DKG generation failed", "in", "Engine.syncKeygen", "err", err)
	} else if ready {
		e.installThresholdKeys(pks, share)
	}
}

func (e *Engine) handleHoneyBadger(from uint64, raw json.RawMessage, host Host) error {
	var payload honeyBadgerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	e.hbMu.RLock()
	state := e.hbbft
	e.hbMu.RUnlock()
	if state == nil {
		return ErrUnexpectedMessage
	}

	envelopes, batch, err := state.processMessage(from, payload.Sequence, payload.Message)
	if err != nil {
		return err
	}
	for _, env := range envelopes {
		host.Broadcast(env)
	}

	if batch == nil {
		// Late-join rule: once f+1 distinct peers have contributed, a
		// node that has not yet proposed this sequence does so now, so
		// that a node catching up after a restart still makes quorum.
		lateEnvs, lateBatch, err := state.contributeIfThresholdReached(host.PendingTransactions(), uint64(time.Now().Unix()), contributionNonce())
		if err != nil {
			return err
		}
		for _, env := range lateEnvs {
			host.Broadcast(env)
		}
		batch = lateBatch
	}

	if batch != nil {
		signer, err := e.getSigner()
		if err == nil {
			e.onBatchReady(batch, host, signer)
		}
	}
	return nil
}

func (e *Engine) handleSealing(from uint64, raw json.RawMessage, host Host) error {
	var payload sealingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if payload.Index != from {
		reportMisbehavior(misbehaviorInvalidShare, from, "share index does not match sender")
		return fmt.Errorf("%w: share index %d does not match sender index %d", ErrMalformedMessage, payload.Index, from)
	}
	if latest := host.CurrentBlockNumber(); latest >= payload.BlockNumber {
		log.Trace("dropping obsolete sealing share", "in", "Engine.handleSealing", "block", payload.BlockNumber, "latest", latest)
		return nil
	}

	e.sealMu.Lock()
	tracker := e.sealing
	e.sealMu.Unlock()
	if tracker == nil {
		return ErrUnexpectedMessage
	}

	combined, state, err := tracker.HandleShare(payload.BlockNumber, payload.Index, payload.Share)
	if err != nil {
		reportMisbehavior(misbehaviorInvalidShare, from, err.Error())
		return err
	}
	if state == SealComplete {
		log.Info("block seal complete", "in", "Engine.handleSealing", "block", payload.BlockNumber, "signature", common.Bytes2Hex(combined))
		host.UpdateSealing(true)
	}
	return nil
}

// installThresholdKeys installs a freshly completed DKG's PublicKeySet
// into the committee's NetworkInfo and this node's SecretKeyShare into its
// Signer, and retires the DKG coordinator.
func (e *Engine) installThresholdKeys(pks *threshold.PublicKeySet, share *threshold.SecretKeyShare) {
	if e.network != nil {
		e.network.PublicKeys = pks
	}
	e.dkgMu.Lock()
	e.dkg = nil
	e.dkgCompleted = true
	e.dkgMu.Unlock()
	log.Info("DKG complete, installed committee public key set", "in", "Engine.installThresholdKeys", "masterKey", common.Bytes2Hex(pks.MasterKey()))

	e.signerMu.RLock()
	signer := e.signer
	e.signerMu.RUnlock()
	if installer, ok := signer.(ShareInstaller); ok {
		installer.InstallSecretKeyShare(share)
	}
}

// onBatchReady turns a newly agreed batch into a sealing attempt: records
// the batch randomness, asks the host to assemble the pending block for
// the batch's block number, signs the new header's bare hash, broadcasts
// this node's share, and advances the Honey Badger state to the next
// sequence number.
func (e *Engine) onBatchReady(batch *Batch, host Host, signer Signer) {
	defer e.advanceSequence()

	if _, ok := e.randomNumbers.Get(batch.SequenceNumber); !ok {
		e.randomNumbers.Set(batch.SequenceNumber, batch.Randomness)
	}

	hash, ok := host.CreatePendingBlockAt(batch.Transactions, batch.Timestamp, batch.SequenceNumber)
	if !ok {
		log.Warn("host declined to assemble pending block", "in", "Engine.onBatchReady", "block", batch.SequenceNumber)
		return
	}

	ownIndex, ok := e.network.IndexOf(signer.Address())
	if !ok {
		return
	}

	e.sealMu.RLock()
	tracker := e.sealing
	e.sealMu.RUnlock()
	if tracker == nil {
		return
	}

	env, err := tracker.Start(batch.SequenceNumber, ownIndex, hash, signer)
	if err != nil {
		log.Error("failed to start sealing", "in", "Engine.onBatchReady", "block", batch.SequenceNumber, "err", err)
		return
	}
	host.Broadcast(env)

	if tracker.State(batch.SequenceNumber) == SealComplete {
		host.UpdateSealing(true)
	}
}

// advanceSequence moves the Honey Badger state to the next sequence
// number once the current batch has been handed off.
func (e *Engine) advanceSequence() {
	e.hbMu.Lock()
	defer e.hbMu.Unlock()
	if e.hbbft != nil {
		e.hbbft = e.hbbft.advance()
	}
}

// SealingState reports where a block number's threshold signature stands.
// As a side effect it evicts every tracker entry the host chain has
// already advanced past, the lazy garbage collection rule for abandoned
// block numbers.
func (e *Engine) SealingState(blockNumber uint64) SealState {
	e.sealMu.RLock()
	tracker := e.sealing
	e.sealMu.RUnlock()
	if tracker == nil {
		return SealAbsent
	}
	if host, err := e.getHost(); err == nil {
		tracker.Prune(host.CurrentBlockNumber())
	}
	return tracker.State(blockNumber)
}

// GenerateSeal returns the RLP-encoded combined signature for blockNumber,
// ready to embed in a host block's seal field, once sealing has completed.
func (e *Engine) GenerateSeal(blockNumber uint64) ([]byte, error) {
	e.sealMu.RLock()
	tracker := e.sealing
	e.sealMu.RUnlock()
	if tracker == nil {
		return nil, fmt.Errorf("%w: no sealing tracker installed", ErrInvalidSeal)
	}
	combined, ok := tracker.Combined(blockNumber)
	if !ok {
		return nil, fmt.Errorf("%w: block %d not yet sealed", ErrInvalidSeal, blockNumber)
	}
	return encodeSeal(combined)
}

// VerifyBlockFamily checks that sealData is a valid combined threshold
// signature over hash under the committee's master public key. hash is
// the host chain's own seal hash for the block under review; the engine
// does not recompute it, since a block under review for family
// verification need not be one this node agreed on itself.
func (e *Engine) VerifyBlockFamily(hash [32]byte, sealData []byte) error {
	if e.network == nil || e.network.PublicKeys == nil {
		return fmt.Errorf("%w: no public key set installed", ErrInvalidSeal)
	}
	sig, err := decodeSeal(sealData)
	if err != nil {
		return err
	}
	cacheKey := common.BytesToHash(crypto.Keccak256(hash[:], sig))
	if _, ok := e.verifiedSeals.Get(cacheKey); ok {
		return nil
	}
	if err := threshold.VerifyCombined(e.network.PublicKeys, hash[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeal, err)
	}
	e.verifiedSeals.Add(cacheKey, struct{}{})
	return nil
}

// OnTransactionsImported notifies the engine that new transactions have
// entered the host's pending pool, giving it a chance to contribute early
// instead of waiting for its next timer-driven Tick, once the pool crosses
// config.TransactionQueueSizeTrigger.
func (e *Engine) OnTransactionsImported(now time.Time) error {
	host, err := e.getHost()
	if err != nil {
		return err
	}
	e.checkEpochChange(host)
	if len(host.PendingTransactions()) < e.config.TransactionQueueSizeTrigger {
		return nil
	}
	return e.Tick(now)
}

// OnCloseBlock notifies the engine that a block is being closed. It
// makes the system call into the configured block-reward contract,
// passing whether a key generation round completed since the last close;
// the contract uses that flag to rotate the on-chain validator set. The
// sealing tracker entry is left in place (queryable via
// SealingState/GenerateSeal) until naturally evicted, since a host may
// still need to look the seal back up shortly after finalization.
func (e *Engine) OnCloseBlock(batch *Batch) error {
	host, err := e.getHost()
	if err != nil {
		return err
	}
	e.checkEpochChange(host)

	e.dkgMu.Lock()
	dkgCompleted := e.dkgCompleted
	e.dkgCompleted = false
	e.dkgMu.Unlock()

	if e.config.BlockRewardContractAddress != "" {
		if err := host.CallBlockReward(common.HexToAddress(e.config.BlockRewardContractAddress), dkgCompleted); err != nil {
			// Keep the flag for the retry: the contract has not seen it.
			e.dkgMu.Lock()
			e.dkgCompleted = e.dkgCompleted || dkgCompleted
			e.dkgMu.Unlock()
			return err
		}
	}

	log.Info("closed block from agreed batch", "in", "Engine.OnCloseBlock", "sequence", batch.SequenceNumber, "txs", len(batch.Transactions), "dkgCompleted", dkgCompleted)
	return nil
}

// GenerateEngineTransactions returns the engine-originated transactions
// to include in blockNumber: none, as long as the block's batch has been
// processed and its randomness recorded. A block whose random-number
// entry is missing cannot be closed yet, so that case is the error.
func (e *Engine) GenerateEngineTransactions(blockNumber uint64) (types.Transactions, error) {
	if _, ok := e.randomNumbers.Get(blockNumber); !ok {
		return nil, ErrNoRandomValue
	}
	return types.Transactions{}, nil
}

// advanceCounter increments the per-peer envelope counter, a monotonic
// ordering hint for logs and wire inspection with no semantic role inside
// the protocols themselves. Last in the documented lock acquisition order.
func (e *Engine) advanceCounter(from common.Address) {
	e.counterMu.Lock()
	defer e.counterMu.Unlock()
	e.messageCounter[from.Hex()]++
}
