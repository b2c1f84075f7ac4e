package bundling

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/dusk-network/aa-bundler/pkg/evmclient"
)

// Relayer is the single-writer wallet a BundlingService submits handleOps
// transactions from (§5: "the relayer wallet is single-writer by
// construction -- one BundlingService per chain per process").
type Relayer struct {
	key     *ecdsa.PrivateKey
	Address common.Address
}

// NewRelayer parses a hex-encoded ECDSA private key (§6.5's
// "relayer (private key)" config field).
func NewRelayer(hexKey string) (*Relayer, error) {
	key, err := crypto.HexToECDSA(trim0x(hexKey))
	if err != nil {
		return nil, errors.Wrap(err, "bundling: parse relayer key")
	}
	return &Relayer{key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// SendDynamicFeeTx builds, signs and submits an EIP-1559 transaction
// calling `to` with `data`, returning the resulting transaction hash.
func (r *Relayer) SendDynamicFeeTx(ctx context.Context, client evmclient.Client, chainID *big.Int, to common.Address, data []byte, gasLimit uint64) (common.Hash, error) {
	nonce, err := client.PendingNonceAt(ctx, r.Address)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "bundling: nonce")
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "bundling: gasTipCap")
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "bundling: header")
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      data,
	})

	signer := types.NewLondonSigner(chainID)
	signed, err := types.SignTx(tx, signer, r.key)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "bundling: sign")
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, errors.Wrap(err, "bundling: submit")
	}
	return signed.Hash(), nil
}
