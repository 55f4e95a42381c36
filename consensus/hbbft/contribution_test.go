package hbbft

import (
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func signedTx(t *testing.T, key *ecdsa.PrivateKey, signer types.Signer, nonce uint64) *types.Transaction {
	t.Helper()
	to := common.Address{1}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
	signed, err := types.SignTx(tx, signer, key)
	require.NoError(t, err)
	return signed
}

func unsignedTx(nonce uint64) *types.Transaction {
	to := common.Address{2}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
}

func TestContributionJSONRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := types.LatestSignerForChainID(big.NewInt(1))
	tx := signedTx(t, key, signer, 0)

	c := Contribution{Transactions: types.Transactions{tx}, Timestamp: 123, RandomNonce: [32]byte{9}}
	data, err := c.MarshalJSON()
	require.NoError(t, err)

	var decoded Contribution
	require.NoError(t, decoded.UnmarshalJSON(data))
	require.Equal(t, c.Timestamp, decoded.Timestamp)
	require.Equal(t, c.RandomNonce, decoded.RandomNonce)
	require.Equal(t, tx.Hash(), decoded.Transactions[0].Hash())
}

func TestContributionDecodeSkipsMalformedTransactions(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := types.LatestSignerForChainID(big.NewInt(1))
	good := signedTx(t, key, signer, 0)
	goodRaw, err := good.MarshalBinary()
	require.NoError(t, err)

	data, err := json.Marshal(contributionWire{
		Transactions: [][]byte{{0xde, 0xad, 0xbe, 0xef}, goodRaw},
		Timestamp:    77,
		RandomNonce:  [32]byte{5},
	})
	require.NoError(t, err)

	// A Byzantine proposer's garbage entry is dropped; the rest of the
	// contribution still decodes.
	var decoded Contribution
	require.NoError(t, decoded.UnmarshalJSON(data))
	require.Len(t, decoded.Transactions, 1)
	require.Equal(t, good.Hash(), decoded.Transactions[0].Hash())
	require.Equal(t, uint64(77), decoded.Timestamp)
}

func TestMergeContributionsDropsUnsignedTransactions(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := types.LatestSignerForChainID(big.NewInt(1))
	good := signedTx(t, key, signer, 0)
	bad := unsignedTx(1)

	contributions := map[uint64]*Contribution{
		1: {Transactions: types.Transactions{good, bad}, Timestamp: 100, RandomNonce: [32]byte{1}},
	}
	batch := mergeContributions(0, signer, []uint64{1}, contributions)
	require.Len(t, batch.Transactions, 1)
	require.Equal(t, good.Hash(), batch.Transactions[0].Hash())
}

func TestMergeContributionsDedupsAcrossValidators(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := types.LatestSignerForChainID(big.NewInt(1))
	tx := signedTx(t, key, signer, 0)

	contributions := map[uint64]*Contribution{
		1: {Transactions: types.Transactions{tx}, Timestamp: 100, RandomNonce: [32]byte{0xAA}},
		2: {Transactions: types.Transactions{tx}, Timestamp: 200, RandomNonce: [32]byte{0x55}},
	}
	batch := mergeContributions(0, signer, []uint64{1, 2}, contributions)
	require.Len(t, batch.Transactions, 1)
	require.Equal(t, uint64(200), batch.Timestamp) // median of {100,200} rounds up to index len/2 = 1 -> 200
}

func TestMergeContributionsXORsRandomness(t *testing.T) {
	signer := types.LatestSignerForChainID(big.NewInt(1))
	contributions := map[uint64]*Contribution{
		1: {Timestamp: 1, RandomNonce: [32]byte{0x0F}},
		2: {Timestamp: 2, RandomNonce: [32]byte{0xF0}},
	}
	batch := mergeContributions(0, signer, []uint64{1, 2}, contributions)
	require.Equal(t, byte(0xFF), batch.Randomness[0])
}

func TestMedianUint64(t *testing.T) {
	require.Equal(t, uint64(0), medianUint64(nil))
	require.Equal(t, uint64(2), medianUint64([]uint64{1, 2, 3}))
	require.Equal(t, uint64(3), medianUint64([]uint64{1, 2, 3, 4}))
}
