package rpcserver

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestDeepHexlifyScalars(t *testing.T) {
	assert.Equal(t, "0x2a", deepHexlify(big.NewInt(42)))
	assert.Equal(t, "0x2a", deepHexlify(*big.NewInt(42)))
	assert.Equal(t, "0x1", deepHexlify(uint64(1)))
	assert.Nil(t, deepHexlify(nil))
}

func TestDeepHexlifyAddressAndHashStayAsSingleStrings(t *testing.T) {
	addr := common.HexToAddress("0x1234567890123456789012345678901234567890")
	hash := common.HexToHash("0xabc")

	assert.Equal(t, addr.Hex(), deepHexlify(addr))
	assert.Equal(t, hash.Hex(), deepHexlify(hash))
}

func TestDeepHexlifyStructUsesLowerCamelFieldNames(t *testing.T) {
	type inner struct {
		PreOpGas *big.Int
	}
	out := deepHexlify(inner{PreOpGas: big.NewInt(100)})

	m, ok := out.(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, "0x64", m["preOpGas"])
}

func TestDeepHexlifySliceOfBytesIsOneHexString(t *testing.T) {
	assert.Equal(t, "0xdeadbeef", deepHexlify([]byte{0xde, 0xad, 0xbe, 0xef}))
}

func TestDeepHexlifyNegativeIntPassesThroughRaw(t *testing.T) {
	assert.Equal(t, int64(-5), deepHexlify(int64(-5)))
}
