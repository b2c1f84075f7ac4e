// Package validation wraps the EntryPoint's simulateValidation staticcall,
// the UserOpValidationService of spec §4.3 (C5). It holds no mutable state
// beyond its network's EVM client and timeout; every call is a fresh
// staticcall plus revert decoding, so one Service per network is safe for
// concurrent use.
//
// Grounded on pkg/evmclient's EntryPoint ABI (itself grounded on
// other_examples/1643af63_blndgs-stackup-bundler and
// other_examples/95a9ac72_t402-io-t402-site), and on the teacher's logging
// idiom for the one place this package logs (a simulation that reverted
// with neither ValidationResult nor FailedOp).
package validation

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"

	"github.com/dusk-network/aa-bundler/pkg/bundlerrors"
	"github.com/dusk-network/aa-bundler/pkg/evmclient"
	"github.com/dusk-network/aa-bundler/pkg/types"
)

var log = logger.WithFields(logger.Fields{"prefix": "validation"})

// Service is the UserOpValidationService of §4.3.
type Service struct {
	client  evmclient.Client
	timeout time.Duration
}

// New constructs a Service bound to an EVM client, with the timeout a
// simulateValidation staticcall is allowed to take (§9 open question 5).
func New(client evmclient.Client, timeout time.Duration) *Service {
	return &Service{client: client, timeout: timeout}
}

// SimulateCompleteValidation performs §4.3's single operation: it
// staticcalls simulateValidation, decodes the ValidationResult revert into
// a UserOpValidationResult, and turns any FailedOp or plain-string revert
// into a typed bundlerrors.RpcError.
func (s *Service) SimulateCompleteValidation(ctx context.Context, op *types.UserOperation, entryPoint common.Address) (*types.UserOpValidationResult, error) {
	out, err := s.callSimulateValidation(ctx, op, entryPoint)
	if err != nil {
		return nil, err
	}

	vr, failedOp, err := evmclient.DecodeSimulateValidationRevert(out)
	if err != nil {
		log.Warnf("simulateValidation for %s did not revert with a recognized error: %v", op.Sender.Hex(), err)
		return nil, bundlerrors.New(bundlerrors.KindExecutionReverted, "simulateValidation: %v", err)
	}
	if failedOp != nil {
		return nil, bundlerrors.New(bundlerrors.KindInvalidUserOp, "FailedOp(%s): %s", failedOp.OpIndex.String(), failedOp.Reason).
			WithData(map[string]interface{}{"opIndex": failedOp.OpIndex.String(), "paymaster": failedOp.Paymaster.Hex()})
	}

	return &types.UserOpValidationResult{
		ReturnInfo:    vr.ReturnInfo,
		SenderInfo:    vr.SenderInfo,
		FactoryInfo:   nonZeroStake(vr.FactoryInfo),
		PaymasterInfo: nonZeroStake(vr.PaymasterInfo),
	}, nil
}

// CallSimulateValidation performs the same staticcall with no
// post-processing beyond returning the raw revert data, for use by gas
// estimation (§4.3's second exposed operation).
func (s *Service) CallSimulateValidation(ctx context.Context, op *types.UserOperation, entryPoint common.Address) ([]byte, error) {
	return s.callSimulateValidation(ctx, op, entryPoint)
}

func (s *Service) callSimulateValidation(ctx context.Context, op *types.UserOperation, entryPoint common.Address) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := evmclient.PackSimulateValidation(op)
	if err != nil {
		return nil, bundlerrors.New(bundlerrors.KindInvalidUserOp, "encode simulateValidation: %v", err)
	}

	out, err := s.client.CallContract(cctx, evmclient.CallMsg{To: &entryPoint, Data: data})
	if out == nil && err != nil {
		// go-ethereum surfaces contract reverts as an error carrying the
		// revert data in its ErrorData() method rather than a return value.
		if de, ok := err.(interface{ ErrorData() interface{} }); ok {
			if raw, ok := de.ErrorData().([]byte); ok {
				return raw, nil
			}
		}
		return nil, bundlerrors.New(bundlerrors.KindTransportError, "simulateValidation call: %v", err)
	}
	if err != nil {
		return nil, errors.Wrap(err, "validation: simulateValidation")
	}
	return out, nil
}

// nonZeroStake returns nil when a stake tuple's zero value means "not
// present" (no factory or no paymaster in this UserOperation), mirroring
// the optional *StakeInfo fields of types.UserOpValidationResult.
func nonZeroStake(s types.StakeInfo) *types.StakeInfo {
	if s.Stake == nil || s.Stake.Sign() == 0 {
		return nil
	}
	return &s
}
