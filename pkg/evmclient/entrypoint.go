package evmclient

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/dusk-network/aa-bundler/pkg/types"
)

// entryPointABI is the slice of the EntryPoint interface the bundler
// core actually calls: simulateValidation, handleOps, getUserOpHash and
// balanceOf, plus the FailedOp/ValidationResult errors simulateValidation
// always reverts with (§4.3/§6.4). Hand-written rather than generated,
// the way other_examples/1643af63_blndgs-stackup-bundler keeps its ABI
// fragments inline next to the client code that uses them.
const entryPointABI = `[
  {"type":"function","name":"simulateValidation","stateMutability":"nonpayable","inputs":[{"name":"userOp","type":"tuple","components":[
    {"name":"sender","type":"address"},
    {"name":"nonce","type":"uint256"},
    {"name":"initCode","type":"bytes"},
    {"name":"callData","type":"bytes"},
    {"name":"callGasLimit","type":"uint256"},
    {"name":"verificationGasLimit","type":"uint256"},
    {"name":"preVerificationGas","type":"uint256"},
    {"name":"maxFeePerGas","type":"uint256"},
    {"name":"maxPriorityFeePerGas","type":"uint256"},
    {"name":"paymasterAndData","type":"bytes"},
    {"name":"signature","type":"bytes"}]}],"outputs":[]},
  {"type":"function","name":"handleOps","stateMutability":"nonpayable","inputs":[
    {"name":"ops","type":"tuple[]","components":[
      {"name":"sender","type":"address"},
      {"name":"nonce","type":"uint256"},
      {"name":"initCode","type":"bytes"},
      {"name":"callData","type":"bytes"},
      {"name":"callGasLimit","type":"uint256"},
      {"name":"verificationGasLimit","type":"uint256"},
      {"name":"preVerificationGas","type":"uint256"},
      {"name":"maxFeePerGas","type":"uint256"},
      {"name":"maxPriorityFeePerGas","type":"uint256"},
      {"name":"paymasterAndData","type":"bytes"},
      {"name":"signature","type":"bytes"}]},
    {"name":"beneficiary","type":"address"}],"outputs":[]},
  {"type":"function","name":"getUserOpHash","stateMutability":"view","inputs":[{"name":"userOp","type":"tuple","components":[
    {"name":"sender","type":"address"},
    {"name":"nonce","type":"uint256"},
    {"name":"initCode","type":"bytes"},
    {"name":"callData","type":"bytes"},
    {"name":"callGasLimit","type":"uint256"},
    {"name":"verificationGasLimit","type":"uint256"},
    {"name":"preVerificationGas","type":"uint256"},
    {"name":"maxFeePerGas","type":"uint256"},
    {"name":"maxPriorityFeePerGas","type":"uint256"},
    {"name":"paymasterAndData","type":"bytes"},
    {"name":"signature","type":"bytes"}]}],"outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"error","name":"FailedOp","inputs":[
    {"name":"opIndex","type":"uint256"},
    {"name":"paymaster","type":"address"},
    {"name":"reason","type":"string"}]},
  {"type":"error","name":"ValidationResult","inputs":[
    {"name":"returnInfo","type":"tuple","components":[
      {"name":"preOpGas","type":"uint256"},
      {"name":"prefund","type":"uint256"},
      {"name":"sigFailed","type":"bool"},
      {"name":"validAfter","type":"uint48"},
      {"name":"validUntil","type":"uint48"}]},
    {"name":"senderInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},
    {"name":"factoryInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},
    {"name":"paymasterInfo","type":"tuple","components":[{"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]}]}
]`

var entryPoint abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(entryPointABI))
	if err != nil {
		panic(errors.Wrap(err, "evmclient: parse entrypoint abi"))
	}
	entryPoint = parsed
}

// userOpTuple is the ABI-tuple shadow of types.UserOperation, field order
// and types matching §6.4's packing order exactly.
type userOpTuple struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func toTuple(op *types.UserOperation) userOpTuple {
	return userOpTuple{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

// PackSimulateValidation ABI-encodes a call to simulateValidation(userOp).
func PackSimulateValidation(op *types.UserOperation) ([]byte, error) {
	data, err := entryPoint.Pack("simulateValidation", toTuple(op))
	return data, errors.Wrap(err, "evmclient: pack simulateValidation")
}

// PackHandleOps ABI-encodes a call to handleOps(ops, beneficiary).
func PackHandleOps(ops []*types.UserOperation, beneficiary common.Address) ([]byte, error) {
	tuples := make([]userOpTuple, len(ops))
	for i, op := range ops {
		tuples[i] = toTuple(op)
	}
	data, err := entryPoint.Pack("handleOps", tuples, beneficiary)
	return data, errors.Wrap(err, "evmclient: pack handleOps")
}

// PackGetUserOpHash ABI-encodes a call to getUserOpHash(userOp).
func PackGetUserOpHash(op *types.UserOperation) ([]byte, error) {
	data, err := entryPoint.Pack("getUserOpHash", toTuple(op))
	return data, errors.Wrap(err, "evmclient: pack getUserOpHash")
}

// UnpackUserOpHash decodes the bytes32 returned by getUserOpHash.
func UnpackUserOpHash(out []byte) (common.Hash, error) {
	vals, err := entryPoint.Methods["getUserOpHash"].Outputs.Unpack(out)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "evmclient: unpack getUserOpHash")
	}
	h := vals[0].([32]byte)
	return common.Hash(h), nil
}

// PackBalanceOf ABI-encodes a call to balanceOf(account) (the EntryPoint's
// deposit ledger, used for prefund accounting per §4.5).
func PackBalanceOf(account common.Address) ([]byte, error) {
	data, err := entryPoint.Pack("balanceOf", account)
	return data, errors.Wrap(err, "evmclient: pack balanceOf")
}

// UserOperationEventSignature is the topic0 of the EntryPoint's
// UserOperationEvent(bytes32,address,address,uint256,bool,uint256,uint256),
// used to scan transaction logs for a given userOpHash (§4.6, §6.2).
var UserOperationEventSignature = crypto.Keccak256Hash([]byte("UserOperationEvent(bytes32,address,address,uint256,bool,uint256,uint256)"))

// UnpackHandleOps decodes a handleOps(ops, beneficiary) call's input data
// (the 4-byte selector plus ABI-encoded args), recovering the original
// UserOperations submitted in that transaction (§4.6's receipt/by-hash
// lookup: "parse original userOp out of the handleOps calldata").
func UnpackHandleOps(calldata []byte) ([]*types.UserOperation, common.Address, error) {
	if len(calldata) < 4 {
		return nil, common.Address{}, errors.New("evmclient: calldata too short for handleOps")
	}
	vals, err := entryPoint.Methods["handleOps"].Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, common.Address{}, errors.Wrap(err, "evmclient: unpack handleOps")
	}

	var dest struct {
		Ops         []userOpTuple
		Beneficiary common.Address
	}
	if err := entryPoint.Methods["handleOps"].Inputs.Copy(&dest, vals); err != nil {
		return nil, common.Address{}, errors.Wrap(err, "evmclient: copy handleOps")
	}

	ops := make([]*types.UserOperation, len(dest.Ops))
	for i, t := range dest.Ops {
		ops[i] = &types.UserOperation{
			Sender:               t.Sender,
			Nonce:                t.Nonce,
			InitCode:             t.InitCode,
			CallData:             t.CallData,
			CallGasLimit:         t.CallGasLimit,
			VerificationGasLimit: t.VerificationGasLimit,
			PreVerificationGas:   t.PreVerificationGas,
			MaxFeePerGas:         t.MaxFeePerGas,
			MaxPriorityFeePerGas: t.MaxPriorityFeePerGas,
			PaymasterAndData:     t.PaymasterAndData,
			Signature:            t.Signature,
		}
	}
	return ops, dest.Beneficiary, nil
}

// UnpackBalanceOf decodes the uint256 returned by balanceOf.
func UnpackBalanceOf(out []byte) (*big.Int, error) {
	vals, err := entryPoint.Methods["balanceOf"].Outputs.Unpack(out)
	if err != nil {
		return nil, errors.Wrap(err, "evmclient: unpack balanceOf")
	}
	return vals[0].(*big.Int), nil
}

// FailedOp is the decoded form of the EntryPoint's FailedOp revert (§7),
// raised by handleOps when one UserOperation in the bundle reverts.
type FailedOp struct {
	OpIndex   *big.Int
	Paymaster common.Address
	Reason    string
}

// ValidationResultError is the decoded form of the ValidationResult revert
// simulateValidation always raises on success (§4.3, §6.4).
type ValidationResultError struct {
	ReturnInfo    types.ReturnInfo
	SenderInfo    types.StakeInfo
	FactoryInfo   types.StakeInfo
	PaymasterInfo types.StakeInfo
}

// revertSelector returns the 4-byte selector of a revert's custom error,
// mirroring go-ethereum's abi.UnpackRevert but exposing the selector so
// callers can dispatch on it before attempting a typed unpack.
func revertSelector(out []byte) ([4]byte, []byte) {
	var sel [4]byte
	if len(out) < 4 {
		return sel, nil
	}
	copy(sel[:], out[:4])
	return sel, out[4:]
}

// DecodeSimulateValidationRevert decodes the revert data simulateValidation
// produces: ValidationResult on a successful simulation, FailedOp when the
// UserOperation itself is invalid, or a plain string revert reason for any
// other failure (§4.3).
func DecodeSimulateValidationRevert(out []byte) (*ValidationResultError, *FailedOp, error) {
	sel, body := revertSelector(out)

	if vrErr, ok := entryPoint.Errors["ValidationResult"]; ok && sel == selectorOf(vrErr) {
		vals, err := vrErr.Inputs.Unpack(body)
		if err != nil {
			return nil, nil, errors.Wrap(err, "evmclient: unpack ValidationResult")
		}
		vr, err := decodeValidationResult(vrErr, vals)
		if err != nil {
			return nil, nil, err
		}
		return vr, nil, nil
	}

	if foErr, ok := entryPoint.Errors["FailedOp"]; ok && sel == selectorOf(foErr) {
		vals, err := foErr.Inputs.Unpack(body)
		if err != nil {
			return nil, nil, errors.Wrap(err, "evmclient: unpack FailedOp")
		}
		return nil, &FailedOp{
			OpIndex:   vals[0].(*big.Int),
			Paymaster: vals[1].(common.Address),
			Reason:    vals[2].(string),
		}, nil
	}

	reason, err := abi.UnpackRevert(out)
	if err != nil {
		return nil, nil, errors.New("evmclient: unrecognized revert")
	}
	return nil, nil, errors.New(reason)
}

func selectorOf(e abi.Error) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(e.Sig))[:4])
	return sel
}

type stakeTuple struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

// validationResultFields is the Copy destination for the ValidationResult
// error's four tuple arguments; Arguments.Copy matches fields by name
// recursively, so nested tuples (returnInfo, the three StakeInfo tuples)
// resolve without a brittle type assertion against go-ethereum's
// dynamically constructed tuple types.
type validationResultFields struct {
	ReturnInfo struct {
		PreOpGas   *big.Int
		Prefund    *big.Int
		SigFailed  bool
		ValidAfter *big.Int
		ValidUntil *big.Int
	}
	SenderInfo    stakeTuple
	FactoryInfo   stakeTuple
	PaymasterInfo stakeTuple
}

func decodeValidationResult(vrErr abi.Error, vals []interface{}) (*ValidationResultError, error) {
	var f validationResultFields
	if err := vrErr.Inputs.Copy(&f, vals); err != nil {
		return nil, errors.Wrap(err, "evmclient: copy ValidationResult")
	}

	return &ValidationResultError{
		ReturnInfo: types.ReturnInfo{
			PreOpGas: f.ReturnInfo.PreOpGas,
			Prefund:  f.ReturnInfo.Prefund,
			Deadline: f.ReturnInfo.ValidUntil,
		},
		SenderInfo:    types.StakeInfo{Stake: f.SenderInfo.Stake, UnstakeDelaySec: f.SenderInfo.UnstakeDelaySec.Uint64()},
		FactoryInfo:   types.StakeInfo{Stake: f.FactoryInfo.Stake, UnstakeDelaySec: f.FactoryInfo.UnstakeDelaySec.Uint64()},
		PaymasterInfo: types.StakeInfo{Stake: f.PaymasterInfo.Stake, UnstakeDelaySec: f.PaymasterInfo.UnstakeDelaySec.Uint64()},
	}, nil
}
