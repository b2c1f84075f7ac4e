// Package eth is the Eth facade of spec §4.6 (C8): the thin orchestration
// layer the JSON-RPC server dispatches into, composing the mempool,
// reputation, validation and gas-overhead packages into the seven
// eth_-namespaced operations.
//
// Grounded on the teacher's logging idiom for its few log sites; the
// facade's own operations follow §4.6 directly.
package eth

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"

	"github.com/dusk-network/aa-bundler/pkg/bundlerrors"
	"github.com/dusk-network/aa-bundler/pkg/evmclient"
	"github.com/dusk-network/aa-bundler/pkg/gasoverhead"
	"github.com/dusk-network/aa-bundler/pkg/mempool"
	"github.com/dusk-network/aa-bundler/pkg/reputation"
	bundlertypes "github.com/dusk-network/aa-bundler/pkg/types"
	"github.com/dusk-network/aa-bundler/pkg/validation"
)

var log = logger.WithFields(logger.Fields{"prefix": "eth"})

// GasEstimate is the result shape of eth_estimateUserOperationGas (§6.1).
type GasEstimate struct {
	PreVerificationGas *big.Int
	VerificationGas    *big.Int
	CallGasLimit       *big.Int
	Deadline           *big.Int
}

// UserOperationByHash is the result shape of eth_getUserOperationByHash
// (§6.1).
type UserOperationByHash struct {
	UserOperation   *bundlertypes.UserOperation
	EntryPoint      common.Address
	TransactionHash common.Hash
	BlockHash       common.Hash
	BlockNumber     *big.Int
}

// Receipt is the result shape of eth_getUserOperationReceipt (§6.1).
type Receipt struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Nonce         *big.Int
	Paymaster     common.Address
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	Success       bool
	Logs          []*gethtypes.Log
	Receipt       *gethtypes.Receipt
}

// Service is the Eth facade of §4.6, scoped to a single chain.
type Service struct {
	chainID     int64
	entryPoints []common.Address
	client      evmclient.Client
	mempool     *mempool.Service
	reputation  *reputation.Service
	validation  *validation.Service
}

// New constructs a Service bound to its chain and collaborators.
func New(chainID int64, entryPoints []common.Address, client evmclient.Client, mp *mempool.Service, rep *reputation.Service, val *validation.Service) *Service {
	return &Service{chainID: chainID, entryPoints: entryPoints, client: client, mempool: mp, reputation: rep, validation: val}
}

func (s *Service) requireSupported(entryPoint common.Address) error {
	for _, ep := range s.entryPoints {
		if ep == entryPoint {
			return nil
		}
	}
	return bundlerrors.New(bundlerrors.KindInvalidRequest, "entryPoint %s not supported", entryPoint.Hex())
}

// SendUserOperation implements §4.6's sendUserOperation(userOp, entryPoint).
func (s *Service) SendUserOperation(ctx context.Context, op *bundlertypes.UserOperation, entryPoint common.Address) (common.Hash, error) {
	if err := s.requireSupported(entryPoint); err != nil {
		return common.Hash{}, err
	}

	result, err := s.validation.SimulateCompleteValidation(ctx, op, entryPoint)
	if err != nil {
		return common.Hash{}, err
	}

	entry := &bundlertypes.MempoolEntry{
		ChainID:    s.chainID,
		UserOp:     op,
		EntryPoint: entryPoint,
		Prefund:    result.ReturnInfo.Prefund,
		SenderInfo: &result.SenderInfo,
	}
	if err := s.mempool.AddEntry(entry); err != nil {
		return common.Hash{}, err
	}

	log.Infof("admitted userOp sender=%s nonce=%s", op.Sender.Hex(), op.Nonce.String())

	return s.getUserOpHash(ctx, op, entryPoint)
}

func (s *Service) getUserOpHash(ctx context.Context, op *bundlertypes.UserOperation, entryPoint common.Address) (common.Hash, error) {
	data, err := evmclient.PackGetUserOpHash(op)
	if err != nil {
		return common.Hash{}, err
	}
	out, err := s.client.CallContract(ctx, evmclient.CallMsg{To: &entryPoint, Data: data})
	if err != nil {
		return common.Hash{}, bundlerrors.New(bundlerrors.KindTransportError, "getUserOpHash: %v", err)
	}
	return evmclient.UnpackUserOpHash(out)
}

// ValidateUserOp implements §4.6's validateUserOp(userOp, entryPoint).
func (s *Service) ValidateUserOp(ctx context.Context, op *bundlertypes.UserOperation, entryPoint common.Address) (bool, error) {
	if err := s.requireSupported(entryPoint); err != nil {
		return false, err
	}
	ok, err := s.mempool.IsNewOrReplacing(op)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, bundlerrors.New(bundlerrors.KindInvalidOpcode, "fee too low")
	}
	if _, err := s.validation.SimulateCompleteValidation(ctx, op, entryPoint); err != nil {
		return false, err
	}
	return true, nil
}

// EstimateUserOperationGas implements §4.6's estimateUserOperationGas.
func (s *Service) EstimateUserOperationGas(ctx context.Context, op *bundlertypes.UserOperation, entryPoint common.Address) (*GasEstimate, error) {
	if err := s.requireSupported(entryPoint); err != nil {
		return nil, err
	}

	probe := op.EstimationCopy()

	out, err := s.validation.CallSimulateValidation(ctx, probe, entryPoint)
	if err != nil {
		return nil, err
	}
	vr, failedOp, err := evmclient.DecodeSimulateValidationRevert(out)
	if err != nil {
		return nil, bundlerrors.New(bundlerrors.KindExecutionReverted, "estimateUserOperationGas: %v", err)
	}
	if failedOp != nil {
		return nil, bundlerrors.New(bundlerrors.KindInvalidUserOp, "FailedOp(%s): %s", failedOp.OpIndex.String(), failedOp.Reason)
	}

	callGasLimit, err := s.client.EstimateGas(ctx, evmclient.CallMsg{From: entryPoint, To: &op.Sender, Data: op.CallData})
	if err != nil {
		return nil, bundlerrors.New(bundlerrors.KindTransportError, "estimateGas: %v", err)
	}

	preVerificationGas := gasoverhead.Calculate(op, gasoverhead.StandardDefaults)

	return &GasEstimate{
		PreVerificationGas: big.NewInt(preVerificationGas),
		VerificationGas:    vr.ReturnInfo.PreOpGas,
		CallGasLimit:       new(big.Int).SetUint64(callGasLimit),
		Deadline:           vr.ReturnInfo.Deadline,
	}, nil
}

// GetUserOperationByHash implements §4.6's getUserOperationByHash(hash):
// scan every configured EntryPoint for a matching UserOperationEvent log,
// then recover the original UserOperation from the transaction's calldata
// by matching sender and nonce (§4.6).
func (s *Service) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*UserOperationByHash, error) {
	for _, entryPoint := range s.entryPoints {
		evLog, err := s.findUserOpEvent(ctx, entryPoint, hash)
		if err != nil {
			return nil, err
		}
		if evLog == nil {
			continue
		}

		tx, _, err := s.client.TransactionByHash(ctx, evLog.TxHash)
		if err != nil {
			return nil, bundlerrors.New(bundlerrors.KindTransportError, "transactionByHash: %v", err)
		}
		ops, _, err := evmclient.UnpackHandleOps(tx.Data())
		if err != nil {
			return nil, err
		}

		sender, _, nonce, _, _, _, err := decodeUserOpEvent(evLog)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if op.Sender == sender && op.Nonce.Cmp(nonce) == 0 {
				return &UserOperationByHash{
					UserOperation:   op,
					EntryPoint:      entryPoint,
					TransactionHash: evLog.TxHash,
					BlockHash:       evLog.BlockHash,
					BlockNumber:     new(big.Int).SetUint64(evLog.BlockNumber),
				}, nil
			}
		}
	}
	return nil, nil
}

// GetUserOperationReceipt implements §4.6's getUserOperationReceipt(hash)
// plus the log-filtering algorithm of §4.6's "Receipt log filtering": among
// the transaction's logs, find the UserOperationEvent matching hash as
// endIndex, and the nearest preceding UserOperationEvent for a different
// userOpHash as startIndex; the receipt's logs are (startIndex, endIndex].
func (s *Service) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	for _, entryPoint := range s.entryPoints {
		evLog, err := s.findUserOpEvent(ctx, entryPoint, hash)
		if err != nil {
			return nil, err
		}
		if evLog == nil {
			continue
		}

		receipt, err := s.client.TransactionReceipt(ctx, evLog.TxHash)
		if err != nil {
			return nil, bundlerrors.New(bundlerrors.KindTransportError, "transactionReceipt: %v", err)
		}

		sliced, err := sliceBundleLogs(receipt.Logs, hash)
		if err != nil {
			return nil, err
		}

		sender, paymaster, nonce, success, actualGasCost, actualGasUsed, err := decodeUserOpEvent(evLog)
		if err != nil {
			return nil, err
		}

		return &Receipt{
			UserOpHash:    hash,
			Sender:        sender,
			Nonce:         nonce,
			Paymaster:     paymaster,
			ActualGasCost: actualGasCost,
			ActualGasUsed: actualGasUsed,
			Success:       success,
			Logs:          sliced,
			Receipt:       receipt,
		}, nil
	}
	return nil, nil
}

// GetSupportedEntryPoints implements §4.6's getSupportedEntryPoints().
func (s *Service) GetSupportedEntryPoints() []common.Address {
	return s.entryPoints
}

// GetChainID implements §4.6's getChainId().
func (s *Service) GetChainID() int64 {
	return s.chainID
}

// findUserOpEvent locates the UserOperationEvent for userOpHash emitted by
// entryPoint, returning nil (not an error) when no such event exists.
func (s *Service) findUserOpEvent(ctx context.Context, entryPoint common.Address, userOpHash common.Hash) (*gethtypes.Log, error) {
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{entryPoint},
		Topics:    [][]common.Hash{{evmclient.UserOperationEventSignature}, {userOpHash}},
	})
	if err != nil {
		return nil, bundlerrors.New(bundlerrors.KindTransportError, "filterLogs: %v", err)
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return &logs[len(logs)-1], nil
}

// decodeUserOpEvent decodes a UserOperationEvent's indexed topics
// (userOpHash, sender, paymaster) and its non-indexed data (nonce, success,
// actualGasCost, actualGasUsed), per §6.2's event signature.
func decodeUserOpEvent(l *gethtypes.Log) (sender, paymaster common.Address, nonce *big.Int, success bool, actualGasCost, actualGasUsed *big.Int, err error) {
	if len(l.Topics) < 4 {
		return common.Address{}, common.Address{}, nil, false, nil, nil, errors.New("eth: malformed UserOperationEvent topics")
	}
	if len(l.Data) < 128 {
		return common.Address{}, common.Address{}, nil, false, nil, nil, errors.New("eth: malformed UserOperationEvent data")
	}

	sender = common.BytesToAddress(l.Topics[2].Bytes())
	paymaster = common.BytesToAddress(l.Topics[3].Bytes())
	nonce = new(big.Int).SetBytes(l.Data[0:32])
	success = l.Data[63] != 0
	actualGasCost = new(big.Int).SetBytes(l.Data[64:96])
	actualGasUsed = new(big.Int).SetBytes(l.Data[96:128])
	return sender, paymaster, nonce, success, actualGasCost, actualGasUsed, nil
}

// sliceBundleLogs implements the receipt log-filtering algorithm of §4.6:
// locate the final log matching (topic0, userOpHash) as endIndex, and the
// nearest preceding log sharing topic0 but a different topic1 as
// startIndex, returning logs[startIndex+1 : endIndex+1].
func sliceBundleLogs(logs []*gethtypes.Log, userOpHash common.Hash) ([]*gethtypes.Log, error) {
	endIndex := -1
	for i := len(logs) - 1; i >= 0; i-- {
		if isUserOpEvent(logs[i]) && logs[i].Topics[1] == userOpHash {
			endIndex = i
			break
		}
	}
	if endIndex == -1 {
		return nil, errors.New("eth: UserOperationEvent not found in receipt logs")
	}

	startIndex := -1
	for i := endIndex - 1; i >= 0; i-- {
		if isUserOpEvent(logs[i]) && logs[i].Topics[1] != userOpHash {
			startIndex = i
			break
		}
	}

	return logs[startIndex+1 : endIndex+1], nil
}

func isUserOpEvent(l *gethtypes.Log) bool {
	return len(l.Topics) > 1 && l.Topics[0] == evmclient.UserOperationEventSignature
}
