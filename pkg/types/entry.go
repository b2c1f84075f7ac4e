package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MempoolEntry binds a UserOperation to the EntryPoint it targets, its
// computed prefund and (once known) its on-chain hash (§3).
type MempoolEntry struct {
	ChainID      int64
	UserOp       *UserOperation
	EntryPoint   common.Address
	Prefund      *big.Int
	SenderInfo   *StakeInfo
	Aggregator   *common.Address
	Hash         *common.Hash
	LastUpdated  time.Time
}

// Key returns the mempool key "{chainId}:{sender}:{nonce}" that uniquely
// identifies this entry's slot (§3).
func (e *MempoolEntry) Key() string {
	return EntryKey(e.ChainID, e.UserOp.Sender, e.UserOp.Nonce)
}

// EntryKey builds the "{chainId}:{sender}:{nonce}" mempool key without
// requiring a constructed MempoolEntry.
func EntryKey(chainID int64, sender common.Address, nonce *big.Int) string {
	return fmt.Sprintf("%d:%s:%s", chainID, sender.Hex(), nonce.String())
}

// minReplaceBumpNum/Den express the 10% replacement bump of §3 as an exact
// rational so canReplace never rounds in the submitter's favor.
const (
	minReplaceBumpNum = 11
	minReplaceBumpDen = 10
)

// CanReplace implements the replacement rule of §3: the incoming entry's
// maxPriorityFeePerGas AND maxFeePerGas must each be at least 10% above the
// stored entry's.
func CanReplace(incoming, stored *UserOperation) bool {
	return bumpsBy10Percent(incoming.MaxFeePerGas, stored.MaxFeePerGas) &&
		bumpsBy10Percent(incoming.MaxPriorityFeePerGas, stored.MaxPriorityFeePerGas)
}

func bumpsBy10Percent(incoming, stored *big.Int) bool {
	// incoming*10 >= stored*11
	lhs := new(big.Int).Mul(incoming, big.NewInt(minReplaceBumpDen))
	rhs := new(big.Int).Mul(stored, big.NewInt(minReplaceBumpNum))
	return lhs.Cmp(rhs) >= 0
}

// CompareByCost orders two entries by descending maxPriorityFeePerGas, the
// cost ordering of §3.
func CompareByCost(a, b *MempoolEntry) int {
	return b.UserOp.MaxPriorityFeePerGas.Cmp(a.UserOp.MaxPriorityFeePerGas)
}

// StakeInfo is the stake/unstake-delay pair EntryPoint simulation returns
// for a sender, factory, paymaster, or aggregator (§3).
type StakeInfo struct {
	Addr             common.Address
	Stake            *big.Int
	UnstakeDelaySec  uint64
}

// ReturnInfo is the gas/prefund/deadline triple from simulateValidation's
// ValidationResult (§4.3).
type ReturnInfo struct {
	PreOpGas *big.Int
	Prefund  *big.Int
	Deadline *big.Int
}

// ReferencedContracts carries the optional tracing-based verification hash
// §4.3 reserves a place for but does not mandate.
type ReferencedContracts struct {
	Hash common.Hash
}

// UserOpValidationResult is the decoded outcome of simulateCompleteValidation
// (§4.3).
type UserOpValidationResult struct {
	ReturnInfo          ReturnInfo
	SenderInfo          StakeInfo
	FactoryInfo         *StakeInfo
	PaymasterInfo       *StakeInfo
	AggregatorInfo      *StakeInfo
	ReferencedContracts *ReferencedContracts
}
