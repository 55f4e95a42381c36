package hbbft

import "sync"

// randomNumberTable stores the combined randomness derived for each host
// block number. GenerateEngineTransactions only checks that an entry
// exists; the stored value itself is not read back by the engine. Locked
// independently, third in
// the fixed acquisition order (hbbft_state, sealing, random_numbers).
type randomNumberTable struct {
	mu      sync.RWMutex
	values  map[uint64][32]byte
	maxKept int
}

func newRandomNumberTable(maxKept int) *randomNumberTable {
	return &randomNumberTable{values: make(map[uint64][32]byte), maxKept: maxKept}
}

// Set records the randomness agreed on for blockNumber.
func (t *randomNumberTable) Set(blockNumber uint64, value [32]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.values[blockNumber] = value
	if t.maxKept <= 0 || len(t.values) <= t.maxKept {
		return
	}
	var oldest uint64
	first := true
	for bn := range t.values {
		if first || bn < oldest {
			oldest = bn
			first = false
		}
	}
	delete(t.values, oldest)
}

// Get returns the randomness recorded for blockNumber, and whether an
// entry exists. GenerateEngineTransactions returns ErrNoRandomValue when
// it does not.
func (t *randomNumberTable) Get(blockNumber uint64) ([32]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[blockNumber]
	return v, ok
}
