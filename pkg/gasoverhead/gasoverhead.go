// Package gasoverhead computes preVerificationGas, the portion of a
// UserOperation's gas budget that compensates the bundler for calldata and
// fixed per-bundle costs rather than execution (spec §4.6).
//
// Grounded on pkg/types' packing order (itself grounded on §6.4 and the
// ERC-4337 reference bundler's overhead formula, as reproduced by
// other_examples/95a9ac72_t402-io-t402-site). The arithmetic is done in
// int64, not 256-bit integers.
package gasoverhead

import "github.com/dusk-network/aa-bundler/pkg/types"

// Defaults are the gas-overhead constants of §4.6.
type Defaults struct {
	Fixed         int64
	PerUserOp     int64
	PerUserOpWord int64
	ZeroByte      int64
	NonZeroByte   int64
	BundleSize    int64
	SigSize       int
}

// StandardDefaults are the values named in §4.6: fixed=21000,
// perUserOp=18300, perUserOpWord=4, zeroByte=4, nonZeroByte=16,
// bundleSize=1, sigSize=65.
var StandardDefaults = Defaults{
	Fixed:         21000,
	PerUserOp:     18300,
	PerUserOpWord: 4,
	ZeroByte:      4,
	NonZeroByte:   16,
	BundleSize:    1,
	SigSize:       65,
}

// Calculate implements the preVerificationGas formula of §4.6: substitute a
// dummy signature, pack the op per §6.4, cost the packed bytes at calldata
// zero/non-zero byte rates, and add the fixed and per-word overheads.
func Calculate(op *types.UserOperation, d Defaults) int64 {
	dummy := op.Clone()
	dummy.Signature = dummySignature(d.SigSize)

	packed := dummy.Pack(false)

	var callDataCost int64
	for _, b := range packed {
		if b == 0 {
			callDataCost += d.ZeroByte
		} else {
			callDataCost += d.NonZeroByte
		}
	}

	fixedPerOp := d.Fixed / d.BundleSize
	return callDataCost + fixedPerOp + d.PerUserOp + d.PerUserOpWord*int64(len(packed))
}

func dummySignature(size int) []byte {
	sig := make([]byte, size)
	for i := range sig {
		sig[i] = 0x01
	}
	return sig
}
