package eth

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-network/aa-bundler/pkg/evmclient"
	"github.com/dusk-network/aa-bundler/pkg/kv"
	"github.com/dusk-network/aa-bundler/pkg/mempool"
	"github.com/dusk-network/aa-bundler/pkg/reputation"
	"github.com/dusk-network/aa-bundler/pkg/types"
	"github.com/dusk-network/aa-bundler/pkg/validation"
)

// stubClient answers every simulateValidation staticcall with a fixed
// ValidationResult revert and getUserOpHash with a fixed hash, which is all
// SendUserOperation needs from the EVM.
type stubClient struct {
	simSelector [4]byte
	simRevert   []byte
	userOpHash  common.Hash
}

func firstFour(b []byte) [4]byte {
	var out [4]byte
	copy(out[:], b[:4])
	return out
}

type revertError struct{ data []byte }

func (e *revertError) Error() string         { return "execution reverted" }
func (e *revertError) ErrorData() interface{} { return e.data }

func sampleOp() *types.UserOperation {
	return &types.UserOperation{
		Sender:               common.HexToAddress("0x1234567890123456789012345678901234567890"),
		Nonce:                big.NewInt(0),
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
	args := abi.Arguments{{Type: returnInfoT}, {Type: stakeT}, {Type: stakeT}, {Type: stakeT}}

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
		returnInfo{big.NewInt(1), big.NewInt(500), false, big.NewInt(0), big.NewInt(9999)},
		stake{senderStake, senderDelay},
		stake{big.NewInt(0), big.NewInt(0)},
		stake{big.NewInt(0), big.NewInt(0)},
	)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("ValidationResult((uint256,uint256,bool,uint48,uint48),(uint256,uint256),(uint256,uint256),(uint256,uint256))"))[:4]
	return append(selector, packed...)
}

func newStubClient(t *testing.T, senderStake, senderDelay *big.Int) *stubClient {
	t.Helper()
	simData, err := evmclient.PackSimulateValidation(sampleOp())
	require.NoError(t, err)
	return &stubClient{
		simSelector: firstFour(simData),
		simRevert:   packValidationResultRevert(t, senderStake, senderDelay),
		userOpHash:  common.HexToHash("0xabc123"),
	}
}

func (c *stubClient) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (c *stubClient) CallContract(ctx context.Context, msg evmclient.CallMsg) ([]byte, error) {
	if len(msg.Data) >= 4 && firstFour(msg.Data) == c.simSelector {
		return nil, &revertError{data: c.simRevert}
	}
	// Anything else in this suite is getUserOpHash.
	out, err := packUserOpHashOutput(c.userOpHash)
	return out, err
}
func (c *stubClient) EstimateGas(ctx context.Context, msg evmclient.CallMsg) (uint64, error) {
	return 21000, nil
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

// packUserOpHashOutput ABI-encodes a bytes32 return value, mimicking
// getUserOpHash's output so UnpackUserOpHash can decode it back.
func packUserOpHashOutput(h common.Hash) ([]byte, error) {
	bytes32, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		return nil, err
	}
	return abi.Arguments{{Type: bytes32}}.Pack(h)
}

func newTestServices(t *testing.T, senderStake, senderDelay *big.Int) (*Service, *mempool.Service, *stubClient) {
	return newTestServicesWithMinStake(t, senderStake, senderDelay, nil)
}

func newTestServicesWithMinStake(t *testing.T, senderStake, senderDelay *big.Int, minStake *types.StakeInfo) (*Service, *mempool.Service, *stubClient) {
	t.Helper()
	store := kv.NewMemory()
	rep := reputation.New(store, 1, reputation.Params{MinInclusionDenominator: 10, ThrottlingSlack: 2, BanSlack: 5, MinStake: minStake})
	mp := mempool.New(store, 1, rep)
	client := newStubClient(t, senderStake, senderDelay)
	val := validation.New(client, 0)
	entryPoint := common.HexToAddress("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	svc := New(1, []common.Address{entryPoint}, client, mp, rep, val)
	return svc, mp, client
}

func TestSendUserOperationThreadsSenderInfoIntoMempoolEntry(t *testing.T) {
	svc, mp, _ := newTestServices(t, big.NewInt(5_000_000), big.NewInt(300))
	entryPoint := svc.entryPoints[0]

	_, err := svc.SendUserOperation(context.Background(), sampleOp(), entryPoint)
	require.NoError(t, err)

	entries, err := mp.Dump()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].SenderInfo, "SendUserOperation must carry simulateValidation's SenderInfo onto the mempool entry")
	assert.Equal(t, 0, entries[0].SenderInfo.Stake.Cmp(big.NewInt(5_000_000)))
	assert.Equal(t, uint64(300), entries[0].SenderInfo.UnstakeDelaySec)
}

func TestSendUserOperationRejectsUnsupportedEntryPoint(t *testing.T) {
	svc, _, _ := newTestServices(t, big.NewInt(0), big.NewInt(0))
	unsupported := common.HexToAddress("0x9999999999999999999999999999999999999999")

	_, err := svc.SendUserOperation(context.Background(), sampleOp(), unsupported)
	assert.Error(t, err)
}

func TestSendUserOperationStakedSenderSurvivesPastQuota(t *testing.T) {
	minStake := &types.StakeInfo{Stake: big.NewInt(1_000_000), UnstakeDelaySec: 100}
	svc, mp, _ := newTestServicesWithMinStake(t, big.NewInt(10_000_000), big.NewInt(1000), minStake)
	entryPoint := svc.entryPoints[0]
	sender := common.HexToAddress("0x5555555555555555555555555555555555555555")

	for i := int64(0); i < mempool.MaxUserOpsPerSender+1; i++ {
		op := sampleOp()
		op.Sender = sender
		op.Nonce = big.NewInt(i)
		_, err := svc.SendUserOperation(context.Background(), op, entryPoint)
		require.NoError(t, err, "op %d should be admitted: sender is sufficiently staked past the per-sender quota", i)
	}

	count, err := mp.Count()
	require.NoError(t, err)
	assert.Equal(t, int(mempool.MaxUserOpsPerSender+1), count)
}

func TestSendUserOperationUnstakedSenderRejectedPastQuota(t *testing.T) {
	minStake := &types.StakeInfo{Stake: big.NewInt(1_000_000), UnstakeDelaySec: 100}
	svc, mp, _ := newTestServicesWithMinStake(t, big.NewInt(0), big.NewInt(0), minStake)
	entryPoint := svc.entryPoints[0]
	sender := common.HexToAddress("0x6666666666666666666666666666666666666666")

	for i := int64(0); i < mempool.MaxUserOpsPerSender; i++ {
		op := sampleOp()
		op.Sender = sender
		op.Nonce = big.NewInt(i)
		_, err := svc.SendUserOperation(context.Background(), op, entryPoint)
		require.NoError(t, err)
	}

	op := sampleOp()
	op.Sender = sender
	op.Nonce = big.NewInt(int64(mempool.MaxUserOpsPerSender))
	_, err := svc.SendUserOperation(context.Background(), op, entryPoint)
	assert.Error(t, err, "simulateValidation reports zero stake, so the 5th op must be rejected by the quota")

	count, err := mp.Count()
	require.NoError(t, err)
	assert.Equal(t, int(mempool.MaxUserOpsPerSender), count)
}
