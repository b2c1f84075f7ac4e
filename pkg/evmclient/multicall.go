package evmclient

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// multicall3ABI covers the single method the bundler needs from Multicall3:
// aggregate3, used by the bundling service to batch the per-UserOperation
// getUserOpHash staticcalls it issues after a handleOps bundle lands
// (§4.5), one round-trip instead of N.
const multicall3ABI = `[
  {"type":"function","name":"aggregate3","stateMutability":"payable","inputs":[
    {"name":"calls","type":"tuple[]","components":[
      {"name":"target","type":"address"},
      {"name":"allowFailure","type":"bool"},
      {"name":"callData","type":"bytes"}]}],
   "outputs":[{"name":"returnData","type":"tuple[]","components":[
      {"name":"success","type":"bool"},
      {"name":"returnData","type":"bytes"}]}]}
]`

var multicall3 abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(multicall3ABI))
	if err != nil {
		panic(errors.Wrap(err, "evmclient: parse multicall3 abi"))
	}
	multicall3 = parsed
}

// Call3 is one leg of an aggregate3 batch.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result3 is the decoded per-call outcome of an aggregate3 batch.
type Result3 struct {
	Success    bool
	ReturnData []byte
}

// PackAggregate3 ABI-encodes a call to Multicall3's aggregate3(calls).
func PackAggregate3(calls []Call3) ([]byte, error) {
	type tuple struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}
	tuples := make([]tuple, len(calls))
	for i, c := range calls {
		tuples[i] = tuple{Target: c.Target, AllowFailure: c.AllowFailure, CallData: c.CallData}
	}
	data, err := multicall3.Pack("aggregate3", tuples)
	return data, errors.Wrap(err, "evmclient: pack aggregate3")
}

// UnpackAggregate3 decodes the Result3[] returned by aggregate3.
func UnpackAggregate3(out []byte) ([]Result3, error) {
	vals, err := multicall3.Methods["aggregate3"].Outputs.Unpack(out)
	if err != nil {
		return nil, errors.Wrap(err, "evmclient: unpack aggregate3")
	}

	var raw []struct {
		Success    bool
		ReturnData []byte
	}
	if err := multicall3.Methods["aggregate3"].Outputs.Copy(&raw, vals); err != nil {
		return nil, errors.Wrap(err, "evmclient: copy aggregate3")
	}

	results := make([]Result3, len(raw))
	for i, r := range raw {
		results[i] = Result3{Success: r.Success, ReturnData: r.ReturnData}
	}
	return results, nil
}
