// Package types holds the data model shared across the bundler core: the
// externally supplied UserOperation (§3), its packed on-chain encoding
// (§6.4), the mempool entry that wraps it, and stake/reputation records.
//
// 256-bit integers cross the JSON-RPC boundary once, as hex strings, and
// live everywhere else as *big.Int -- the single canonical representation
// §9 asks for ("pick a single canonical big-unsigned integer type at the
// boundary and convert exactly once per ingress/egress").
package types

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// UserOperation is the immutable, externally supplied pseudo-transaction
// described in §3.
type UserOperation struct {
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

// userOpJSON mirrors the wire shape of a UserOperation: every integer and
// byte field travels as a 0x-prefixed hex string (§6.1's "deep hexlify").
type userOpJSON struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// MarshalJSON implements the deep-hexlify wire format for a UserOperation.
func (u UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(userOpJSON{
		Sender:               u.Sender,
		Nonce:                (*hexutil.Big)(u.Nonce),
		InitCode:             u.InitCode,
		CallData:             u.CallData,
		CallGasLimit:         (*hexutil.Big)(u.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(u.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(u.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(u.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(u.MaxPriorityFeePerGas),
		PaymasterAndData:     u.PaymasterAndData,
		Signature:            u.Signature,
	})
}

// UnmarshalJSON parses a UserOperation from its deep-hexlify wire format,
// the shape an eth_sendUserOperation RPC param arrives in.
func (u *UserOperation) UnmarshalJSON(data []byte) error {
	var j userOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return errors.Wrap(err, "userOp: unmarshal")
	}
	if j.Nonce == nil || j.CallGasLimit == nil || j.VerificationGasLimit == nil ||
		j.PreVerificationGas == nil || j.MaxFeePerGas == nil || j.MaxPriorityFeePerGas == nil {
		return errors.New("userOp: missing required integer field")
	}

	u.Sender = j.Sender
	u.Nonce = (*big.Int)(j.Nonce)
	u.InitCode = []byte(j.InitCode)
	u.CallData = []byte(j.CallData)
	u.CallGasLimit = (*big.Int)(j.CallGasLimit)
	u.VerificationGasLimit = (*big.Int)(j.VerificationGasLimit)
	u.PreVerificationGas = (*big.Int)(j.PreVerificationGas)
	u.MaxFeePerGas = (*big.Int)(j.MaxFeePerGas)
	u.MaxPriorityFeePerGas = (*big.Int)(j.MaxPriorityFeePerGas)
	u.PaymasterAndData = []byte(j.PaymasterAndData)
	u.Signature = []byte(j.Signature)
	return nil
}

// Paymaster returns the first 20 bytes of PaymasterAndData, or the zero
// address when none is set.
func (u *UserOperation) Paymaster() common.Address {
	if len(u.PaymasterAndData) < 20 {
		return common.Address{}
	}
	return common.BytesToAddress(u.PaymasterAndData[:20])
}

// HasPaymaster reports whether PaymasterAndData names a paymaster.
func (u *UserOperation) HasPaymaster() bool {
	return len(u.PaymasterAndData) >= 20
}

// Factory returns the first 20 bytes of InitCode, or the zero address when
// the sender account is already deployed.
func (u *UserOperation) Factory() common.Address {
	if len(u.InitCode) < 20 {
		return common.Address{}
	}
	return common.BytesToAddress(u.InitCode[:20])
}

// HasFactory reports whether InitCode names a deployer factory.
func (u *UserOperation) HasFactory() bool {
	return len(u.InitCode) >= 20
}

// Clone returns a deep copy, so callers (e.g. gas estimation's fee-less
// probe) can mutate the copy without racing the original.
func (u *UserOperation) Clone() *UserOperation {
	c := *u
	c.Nonce = new(big.Int).Set(u.Nonce)
	c.CallGasLimit = new(big.Int).Set(u.CallGasLimit)
	c.VerificationGasLimit = new(big.Int).Set(u.VerificationGasLimit)
	c.PreVerificationGas = new(big.Int).Set(u.PreVerificationGas)
	c.MaxFeePerGas = new(big.Int).Set(u.MaxFeePerGas)
	c.MaxPriorityFeePerGas = new(big.Int).Set(u.MaxPriorityFeePerGas)
	c.InitCode = append([]byte(nil), u.InitCode...)
	c.CallData = append([]byte(nil), u.CallData...)
	c.PaymasterAndData = append([]byte(nil), u.PaymasterAndData...)
	c.Signature = append([]byte(nil), u.Signature...)
	return &c
}

// Pack encodes the UserOperation per the EntryPoint packing rules of §6.4:
// each scalar field left-padded to 32 bytes, each dynamic-bytes field
// replaced by its keccak256 hash. When forSignature is false the hash of
// the signature is appended, matching the on-chain userOpHash pre-image
// minus the (entryPoint, chainId) suffix.
func (u *UserOperation) Pack(forSignature bool) []byte {
	buf := make([]byte, 0, 32*11)
	buf = append(buf, common.LeftPadBytes(u.Sender.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(u.Nonce.Bytes(), 32)...)
	buf = append(buf, crypto.Keccak256(u.InitCode)...)
	buf = append(buf, crypto.Keccak256(u.CallData)...)
	buf = append(buf, common.LeftPadBytes(u.CallGasLimit.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(u.VerificationGasLimit.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(u.PreVerificationGas.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(u.MaxFeePerGas.Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(u.MaxPriorityFeePerGas.Bytes(), 32)...)
	buf = append(buf, crypto.Keccak256(u.PaymasterAndData)...)
	if !forSignature {
		buf = append(buf, crypto.Keccak256(u.Signature)...)
	}
	return buf
}

// EstimationCopy returns the fee-less, high-verification-gas clone used by
// eth_estimateUserOperationGas (§4.6): fees zeroed, verification gas set
// to a large ceiling, paymasterAndData cleared.
func (u *UserOperation) EstimationCopy() *UserOperation {
	c := u.Clone()
	c.MaxFeePerGas = big.NewInt(0)
	c.MaxPriorityFeePerGas = big.NewInt(0)
	c.PreVerificationGas = big.NewInt(0)
	c.VerificationGasLimit = big.NewInt(10_000_000)
	c.PaymasterAndData = nil
	return c
}
