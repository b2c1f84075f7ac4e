package validation

import (
	"context"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-network/aa-bundler/pkg/evmclient"
	bundlertypes "github.com/dusk-network/aa-bundler/pkg/types"
)

// stubClient is a minimal evmclient.Client that only ever answers
// CallContract, the single method validation.Service exercises.
type stubClient struct {
	out []byte
	err error
}

func (c *stubClient) ChainID(ctx context.Context) (*big.Int, error) { return nil, nil }
func (c *stubClient) CallContract(ctx context.Context, msg evmclient.CallMsg) ([]byte, error) {
	return c.out, c.err
}
func (c *stubClient) EstimateGas(ctx context.Context, msg evmclient.CallMsg) (uint64, error) {
	return 0, nil
}
func (c *stubClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return nil, nil
}
func (c *stubClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	return nil
}
func (c *stubClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return nil, nil
}
func (c *stubClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*gethtypes.Transaction, bool, error) {
	return nil, false, nil
}
func (c *stubClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return nil, nil
}
func (c *stubClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (c *stubClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) { return nil, nil }
func (c *stubClient) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return nil, nil
}

// revertError mimics the way go-ethereum's rpc transport surfaces a
// contract revert: an error whose ErrorData() returns the raw revert bytes.
type revertError struct{ data []byte }

func (e *revertError) Error() string         { return "execution reverted" }
func (e *revertError) ErrorData() interface{} { return e.data }

func sampleOp() *bundlertypes.UserOperation {
	return &bundlertypes.UserOperation{
		Sender:               common.HexToAddress("0x1234567890123456789012345678901234567890"),
		Nonce:                big.NewInt(1),
		InitCode:             []byte{},
		CallData:             []byte{},
		CallGasLimit:         big.NewInt(100000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(30000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		PaymasterAndData:     []byte{},
		Signature:            []byte{},
	}
}

func packValidationResultRevert(t *testing.T, senderStake, senderDelay *big.Int) []byte {
	t.Helper()
	returnInfoT, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "preOpGas", Type: "uint256"},
		{Name: "prefund", Type: "uint256"},
		{Name: "sigFailed", Type: "bool"},
		{Name: "validAfter", Type: "uint48"},
		{Name: "validUntil", Type: "uint48"},
	})
	require.NoError(t, err)
	stakeT, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "stake", Type: "uint256"},
		{Name: "unstakeDelaySec", Type: "uint256"},
	})
	require.NoError(t, err)

	args := abi.Arguments{
		{Type: returnInfoT}, {Type: stakeT}, {Type: stakeT}, {Type: stakeT},
	}

	type returnInfo struct {
		PreOpGas   *big.Int
		Prefund    *big.Int
		SigFailed  bool
		ValidAfter *big.Int
		ValidUntil *big.Int
	}
	type stake struct {
		Stake           *big.Int
		UnstakeDelaySec *big.Int
	}

	packed, err := args.Pack(
		returnInfo{big.NewInt(1), big.NewInt(2), false, big.NewInt(0), big.NewInt(9999)},
		stake{senderStake, senderDelay},
		stake{big.NewInt(0), big.NewInt(0)},
		stake{big.NewInt(0), big.NewInt(0)},
	)
	require.NoError(t, err)

	selector := crypto.Keccak256([]byte("ValidationResult((uint256,uint256,bool,uint48,uint48),(uint256,uint256),(uint256,uint256),(uint256,uint256))"))[:4]
	return append(selector, packed...)
}

func packFailedOpRevert(t *testing.T, reason string) []byte {
	t.Helper()
	uint256, _ := abi.NewType("uint256", "", nil)
	addr, _ := abi.NewType("address", "", nil)
	str, _ := abi.NewType("string", "", nil)
	args := abi.Arguments{{Type: uint256}, {Type: addr}, {Type: str}}
	packed, err := args.Pack(big.NewInt(0), common.HexToAddress("0x1111111111111111111111111111111111111111"), reason)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("FailedOp(uint256,address,string)"))[:4]
	return append(selector, packed...)
}

func TestSimulateCompleteValidationDecodesSenderInfo(t *testing.T) {
	out := packValidationResultRevert(t, big.NewInt(5_000_000), big.NewInt(300))
	client := &stubClient{out: nil, err: &revertError{data: out}}
	s := New(client, time.Second)

	result, err := s.SimulateCompleteValidation(context.Background(), sampleOp(), common.Address{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 0, result.SenderInfo.Stake.Cmp(big.NewInt(5_000_000)))
	assert.Equal(t, uint64(300), result.SenderInfo.UnstakeDelaySec)
	assert.Nil(t, result.FactoryInfo)
	assert.Nil(t, result.PaymasterInfo)
}

func TestSimulateCompleteValidationSurfacesFailedOp(t *testing.T) {
	out := packFailedOpRevert(t, "AA21 didn't pay prefund")
	client := &stubClient{out: nil, err: &revertError{data: out}}
	s := New(client, time.Second)

	_, err := s.SimulateCompleteValidation(context.Background(), sampleOp(), common.Address{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AA21 didn't pay prefund")
}

func TestSimulateCompleteValidationWrapsTransportError(t *testing.T) {
	client := &stubClient{out: nil, err: assertError("connection refused")}
	s := New(client, time.Second)

	_, err := s.SimulateCompleteValidation(context.Background(), sampleOp(), common.Address{})
	require.Error(t, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }
