package rpcserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dusk-network/aa-bundler/pkg/bundlerrors"
	"github.com/dusk-network/aa-bundler/pkg/bundling"
	"github.com/dusk-network/aa-bundler/pkg/eth"
	"github.com/dusk-network/aa-bundler/pkg/mempool"
	"github.com/dusk-network/aa-bundler/pkg/reputation"
	"github.com/dusk-network/aa-bundler/pkg/types"
)

// Dispatch implements MethodHandler against one chain's Eth facade and
// debug collaborators, the method table of §6.1.
type Dispatch struct {
	Eth        *eth.Service
	Mempool    *mempool.Service
	Reputation *reputation.Service
	Bundling   *bundling.Service
}

// Handle implements MethodHandler.
func (d *Dispatch) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "eth_sendUserOperation":
		var p [2]json.RawMessage
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		op, err := decodeUserOp(p[0])
		if err != nil {
			return nil, err
		}
		entryPoint, err := decodeAddress(p[1])
		if err != nil {
			return nil, err
		}
		return d.Eth.SendUserOperation(ctx, op, entryPoint)

	case "eth_validateUserOperation":
		var p [2]json.RawMessage
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		op, err := decodeUserOp(p[0])
		if err != nil {
			return nil, err
		}
		entryPoint, err := decodeAddress(p[1])
		if err != nil {
			return nil, err
		}
		return d.Eth.ValidateUserOp(ctx, op, entryPoint)

	case "eth_estimateUserOperationGas":
		var p [2]json.RawMessage
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		op, err := decodeUserOp(p[0])
		if err != nil {
			return nil, err
		}
		entryPoint, err := decodeAddress(p[1])
		if err != nil {
			return nil, err
		}
		return d.Eth.EstimateUserOperationGas(ctx, op, entryPoint)

	case "eth_getUserOperationByHash":
		var p [1]json.RawMessage
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		hash, err := decodeHash(p[0])
		if err != nil {
			return nil, err
		}
		return d.Eth.GetUserOperationByHash(ctx, hash)

	case "eth_getUserOperationReceipt":
		var p [1]json.RawMessage
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		hash, err := decodeHash(p[0])
		if err != nil {
			return nil, err
		}
		return d.Eth.GetUserOperationReceipt(ctx, hash)

	case "eth_supportedEntryPoints":
		return ChecksumAddresses(d.Eth.GetSupportedEntryPoints()), nil

	case "eth_chainId":
		return d.Eth.GetChainID(), nil

	case "debug_bundler_clearState":
		if err := d.Mempool.ClearState(); err != nil {
			return nil, err
		}
		if err := d.Reputation.ClearState(); err != nil {
			return nil, err
		}
		return "ok", nil

	case "debug_bundler_dumpMempool":
		entries, err := d.Mempool.Dump()
		if err != nil {
			return nil, err
		}
		ops := make([]*types.UserOperation, len(entries))
		for i, e := range entries {
			ops[i] = e.UserOp
		}
		return ops, nil

	case "debug_bundler_setBundlingMode":
		var p [1]string
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		mode := bundling.Mode(p[0])
		if mode != bundling.ModeAuto && mode != bundling.ModeManual {
			return nil, bundlerrors.New(bundlerrors.KindInvalidRequest, "unknown bundling mode %q", p[0])
		}
		cfg := d.Bundling.Config()
		cfg.Mode = mode
		d.Bundling.Restart(cfg)
		return "ok", nil

	case "debug_bundler_setBundleInterval":
		var p [1]int64
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		cfg := d.Bundling.Config()
		cfg.AutoBundlingInterval = time.Duration(p[0]) * time.Second
		d.Bundling.Restart(cfg)
		return "ok", nil

	case "debug_bundler_sendBundleNow":
		if _, err := d.Bundling.SendNextBundle(ctx); err != nil {
			return nil, err
		}
		return "ok", nil

	case "debug_bundler_setReputation":
		var p [2]json.RawMessage
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		var entries []struct {
			Address     common.Address `json:"address"`
			OpsSeen     uint64         `json:"opsSeen"`
			OpsIncluded uint64         `json:"opsIncluded"`
		}
		if err := json.Unmarshal(p[0], &entries); err != nil {
			return nil, bundlerrors.New(bundlerrors.KindInvalidRequest, "malformed reputations: %v", err)
		}
		for _, e := range entries {
			if err := d.Reputation.SetReputation(e.Address, e.OpsSeen, e.OpsIncluded); err != nil {
				return nil, err
			}
		}
		return "ok", nil

	case "debug_bundler_dumpReputation":
		entries, err := d.Reputation.Dump()
		if err != nil {
			return nil, err
		}
		return entries, nil

	default:
		return nil, bundlerrors.New(bundlerrors.KindMethodNotFound, "method %q not found", method)
	}
}

func unmarshalParams(params json.RawMessage, dest interface{}) error {
	if err := json.Unmarshal(params, dest); err != nil {
		return bundlerrors.New(bundlerrors.KindInvalidRequest, "malformed params: %v", err)
	}
	return nil
}

func decodeUserOp(raw json.RawMessage) (*types.UserOperation, error) {
	var op types.UserOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, bundlerrors.New(bundlerrors.KindInvalidUserOp, "malformed userOp: %v", err)
	}
	return &op, nil
}

func decodeAddress(raw json.RawMessage) (common.Address, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return common.Address{}, bundlerrors.New(bundlerrors.KindInvalidRequest, "malformed address: %v", err)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, bundlerrors.New(bundlerrors.KindInvalidRequest, "invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func decodeHash(raw json.RawMessage) (common.Hash, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return common.Hash{}, bundlerrors.New(bundlerrors.KindInvalidRequest, "malformed hash: %v", err)
	}
	return common.HexToHash(s), nil
}
