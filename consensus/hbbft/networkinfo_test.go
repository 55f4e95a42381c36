package hbbft

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func fourValidatorNetwork() *NetworkInfo {
	return &NetworkInfo{
		Validators: map[uint64]common.Address{
			1: common.HexToAddress("0x1"),
			2: common.HexToAddress("0x2"),
			3: common.HexToAddress("0x3"),
			4: common.HexToAddress("0x4"),
		},
	}
}

func TestNetworkInfoThresholdAndQuorum(t *testing.T) {
	n := fourValidatorNetwork()
	require.Equal(t, 1, n.Threshold())
	require.Equal(t, 3, n.Quorum())
}

func TestNetworkInfoSingleValidator(t *testing.T) {
	n := &NetworkInfo{Validators: map[uint64]common.Address{1: common.HexToAddress("0x1")}}
	require.Equal(t, 0, n.Threshold())
	require.Equal(t, 1, n.Quorum())
}

func TestNetworkInfoIndexOf(t *testing.T) {
	n := fourValidatorNetwork()
	idx, ok := n.IndexOf(common.HexToAddress("0x3"))
	require.True(t, ok)
	require.Equal(t, uint64(3), idx)

	_, ok = n.IndexOf(common.HexToAddress("0x99"))
	require.False(t, ok)
}

func TestNetworkInfoSortedIndices(t *testing.T) {
	n := fourValidatorNetwork()
	require.Equal(t, []uint64{1, 2, 3, 4}, n.SortedIndices())
}

func TestNetworkInfoValidateRejectsDuplicateAddress(t *testing.T) {
	n := &NetworkInfo{Validators: map[uint64]common.Address{
		1: common.HexToAddress("0x1"),
		2: common.HexToAddress("0x1"),
	}}
	require.Error(t, n.Validate())
}

func TestNetworkInfoValidateRejectsEmptyCommittee(t *testing.T) {
	n := &NetworkInfo{Validators: map[uint64]common.Address{}}
	require.Error(t, n.Validate())
}
