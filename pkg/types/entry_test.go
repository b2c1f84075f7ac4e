package types

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestCanReplaceRequiresTenPercentBumpOnBothFees(t *testing.T) {
	stored := &UserOperation{MaxFeePerGas: big.NewInt(100), MaxPriorityFeePerGas: big.NewInt(10)}

	exact := &UserOperation{MaxFeePerGas: big.NewInt(110), MaxPriorityFeePerGas: big.NewInt(11)}
	assert.True(t, CanReplace(exact, stored))

	oneWei := &UserOperation{MaxFeePerGas: big.NewInt(109), MaxPriorityFeePerGas: big.NewInt(11)}
	assert.False(t, CanReplace(oneWei, stored))

	onlyFeeBumped := &UserOperation{MaxFeePerGas: big.NewInt(200), MaxPriorityFeePerGas: big.NewInt(10)}
	assert.False(t, CanReplace(onlyFeeBumped, stored))
}

func TestCompareByCostOrdersDescendingPriorityFee(t *testing.T) {
	low := &MempoolEntry{UserOp: &UserOperation{MaxPriorityFeePerGas: big.NewInt(1)}}
	high := &MempoolEntry{UserOp: &UserOperation{MaxPriorityFeePerGas: big.NewInt(5)}}

	assert.True(t, CompareByCost(high, low) < 0)
	assert.True(t, CompareByCost(low, high) > 0)
	assert.Equal(t, 0, CompareByCost(low, low))
}

func TestEntryKeyFormat(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	key := EntryKey(1, sender, big.NewInt(7))
	assert.Equal(t, "1:"+sender.Hex()+":7", key)
}
