package bundling

import (
	"context"
	"math/big"
	"testing"
	"time"

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

// fakeClient is a hand-rolled evmclient.Client: simulateValidation always
// succeeds with a fixed ValidationResult, balanceOf/multicall/relayer calls
// answer just enough to drive sendBundle to completion, and every submitted
// transaction's destination is recorded for assertions.
type fakeClient struct {
	simSelector [4]byte
	simRevert   []byte

	receiptStatus uint64
	sentTo        []common.Address
}

func firstFour(b []byte) [4]byte {
	var out [4]byte
	copy(out[:], b[:4])
	return out
}

func packValidationResultRevert(t *testing.T, prefund *big.Int) []byte {
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
		returnInfo{big.NewInt(1), prefund, false, big.NewInt(0), big.NewInt(9999)},
		stake{big.NewInt(0), big.NewInt(0)},
		stake{big.NewInt(0), big.NewInt(0)},
		stake{big.NewInt(0), big.NewInt(0)},
	)
	require.NoError(t, err)
	selector := crypto.Keccak256([]byte("ValidationResult((uint256,uint256,bool,uint48,uint48),(uint256,uint256),(uint256,uint256),(uint256,uint256))"))[:4]
	return append(selector, packed...)
}

func newFakeClient(t *testing.T) *fakeClient {
	t.Helper()
	simData, err := evmclient.PackSimulateValidation(sampleBundlingOp())
	require.NoError(t, err)
	return &fakeClient{
		simSelector:   firstFour(simData),
		simRevert:     packValidationResultRevert(t, big.NewInt(0)),
		receiptStatus: 1,
	}
}

func (c *fakeClient) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (c *fakeClient) CallContract(ctx context.Context, msg evmclient.CallMsg) ([]byte, error) {
	if len(msg.Data) >= 4 && firstFour(msg.Data) == c.simSelector {
		return nil, &revertError{data: c.simRevert}
	}
	// balanceOf / multicall: answer with a data-less revert. No test here
	// reaches balanceOf (none admits a paymaster op), and multicall failures
	// are tolerated by resolveUserOpHashes.
	return nil, &revertError{data: nil}
}

func (c *fakeClient) EstimateGas(ctx context.Context, msg evmclient.CallMsg) (uint64, error) {
	return 21000, nil
}
func (c *fakeClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (c *fakeClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	c.sentTo = append(c.sentTo, *tx.To())
	return nil
}
func (c *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return &gethtypes.Receipt{Status: c.receiptStatus}, nil
}
func (c *fakeClient) TransactionByHash(ctx context.Context, txHash common.Hash) (*gethtypes.Transaction, bool, error) {
	return nil, false, nil
}
func (c *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return nil, nil
}
func (c *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}
func (c *fakeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (c *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{BaseFee: big.NewInt(1_000_000_000)}, nil
}

type revertError struct{ data []byte }

func (e *revertError) Error() string         { return "execution reverted" }
func (e *revertError) ErrorData() interface{} { return e.data }

func sampleBundlingOp() *types.UserOperation {
	return opFor(common.HexToAddress("0x1111111111111111111111111111111111111111"), 0)
}

func opFor(sender common.Address, nonce int64) *types.UserOperation {
	return &types.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(nonce),
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

func testRelayer(t *testing.T) *Relayer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	r, err := NewRelayer(common.Bytes2Hex(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return r
}

func TestSendNextBundleGroupsByEntryPointAndSendsSeparately(t *testing.T) {
	store := kv.NewMemory()
	rep := reputation.New(store, 1, reputation.Params{MinInclusionDenominator: 10, ThrottlingSlack: 2, BanSlack: 5})
	mp := mempool.New(store, 1, rep)
	client := newFakeClient(t)
	val := validation.New(client, time.Second)

	epA := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	epB := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	senderA := common.HexToAddress("0x1111111111111111111111111111111111111111")
	senderB := common.HexToAddress("0x2222222222222222222222222222222222222222")

	require.NoError(t, mp.AddEntry(&types.MempoolEntry{ChainID: 1, UserOp: opFor(senderA, 0), EntryPoint: epA, Prefund: big.NewInt(0)}))
	require.NoError(t, mp.AddEntry(&types.MempoolEntry{ChainID: 1, UserOp: opFor(senderB, 0), EntryPoint: epB, Prefund: big.NewInt(0)}))

	relayer := testRelayer(t)
	cfg := Config{ChainID: 1, EntryPoints: []common.Address{epA, epB}, SubmitTimeout: time.Second}
	svc := New(cfg, client, mp, rep, val, relayer)

	hashes, err := svc.SendNextBundle(context.Background())
	require.NoError(t, err)
	_ = hashes

	require.Len(t, client.sentTo, 2, "one handleOps transaction per distinct EntryPoint")
	assert.ElementsMatch(t, []common.Address{epA, epB}, client.sentTo)

	count, err := mp.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count, "both ops are removed from the mempool once their bundle lands")
}

func TestAdmitPurgesBannedPaymaster(t *testing.T) {
	store := kv.NewMemory()
	rep := reputation.New(store, 1, reputation.Params{MinInclusionDenominator: 10, ThrottlingSlack: 2, BanSlack: 5})
	mp := mempool.New(store, 1, rep)
	client := newFakeClient(t)
	val := validation.New(client, time.Second)

	paymaster := common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	require.NoError(t, rep.CrashedHandleOps(paymaster))

	sender := common.HexToAddress("0x3333333333333333333333333333333333333333")
	op := opFor(sender, 0)
	op.PaymasterAndData = append(paymaster.Bytes(), 0x01)

	entryPoint := common.HexToAddress("0xdddddddddddddddddddddddddddddddddddddddd")
	entry := &types.MempoolEntry{ChainID: 1, UserOp: op, EntryPoint: entryPoint, Prefund: big.NewInt(0)}
	require.NoError(t, mp.AddEntry(entry))

	relayer := testRelayer(t)
	cfg := Config{ChainID: 1, EntryPoints: []common.Address{entryPoint}, SubmitTimeout: time.Second}
	svc := New(cfg, client, mp, rep, val, relayer)

	bundle, err := svc.admit(context.Background(), []*types.MempoolEntry{entry})
	require.NoError(t, err)
	assert.Empty(t, bundle, "an entry naming a banned paymaster must never be admitted")

	count, err := mp.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count, "the purged entry is also removed from the mempool")
}

func TestTryBundleSkipsWhenBelowMaxMempoolSizeAndNotForced(t *testing.T) {
	store := kv.NewMemory()
	rep := reputation.New(store, 1, reputation.Params{MinInclusionDenominator: 10})
	mp := mempool.New(store, 1, rep)
	client := newFakeClient(t)
	val := validation.New(client, time.Second)

	entryPoint := common.HexToAddress("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	sender := common.HexToAddress("0x4444444444444444444444444444444444444444")
	require.NoError(t, mp.AddEntry(&types.MempoolEntry{ChainID: 1, UserOp: opFor(sender, 0), EntryPoint: entryPoint, Prefund: big.NewInt(0)}))

	relayer := testRelayer(t)
	cfg := Config{ChainID: 1, EntryPoints: []common.Address{entryPoint}, SubmitTimeout: time.Second, MaxMempoolSize: 10}
	svc := New(cfg, client, mp, rep, val, relayer)

	hashes, err := svc.TryBundle(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, hashes)
	assert.Empty(t, client.sentTo, "below maxMempoolSize and not forced, no bundle should be sent")
}

func TestSelectBeneficiaryFallsBackWhenRelayerBalanceLow(t *testing.T) {
	client := newFakeClient(t)
	relayer := testRelayer(t)
	configured := common.HexToAddress("0xffffffffffffffffffffffffffffffffffffffff")

	cfg := Config{ChainID: 1, Beneficiary: &configured, MinSignerBalance: big.NewInt(1_000_000)}
	svc := New(cfg, client, nil, nil, nil, relayer)

	got, err := svc.selectBeneficiary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, relayer.Address, got, "relayer balance of 0 is below minSignerBalance, so it must refuel itself")
}
