// Package bundling implements the BundlingService of spec §4.5 (C7): bundle
// construction under a single mutex, beneficiary selection, handleOps
// submission, post-mortem reputation updates, and user-op hash resolution
// via Multicall3.
//
// Grounded on the teacher's pkg/core/mempool Run/quitChan pattern for the
// auto-bundling cron (a ticker loop selecting on a quit channel) and on its
// package-level logrus idiom; the admission algorithm itself follows §4.5
// directly since nothing in the retrieval pack implements ERC-4337 bundle
// assembly.
package bundling

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"

	"github.com/dusk-network/aa-bundler/pkg/evmclient"
	"github.com/dusk-network/aa-bundler/pkg/mempool"
	"github.com/dusk-network/aa-bundler/pkg/reputation"
	"github.com/dusk-network/aa-bundler/pkg/types"
	"github.com/dusk-network/aa-bundler/pkg/validation"
)

var log = logger.WithFields(logger.Fields{"prefix": "bundling"})

// Mode is the bundlingMode of §4.5.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Config is the per-network wiring a BundlingService needs beyond its
// collaborator services.
type Config struct {
	ChainID          int64
	EntryPoints      []common.Address
	Multicall        common.Address
	Beneficiary      *common.Address
	MinSignerBalance *big.Int
	SubmitTimeout    time.Duration

	Mode                 Mode
	AutoBundlingInterval time.Duration
	MaxMempoolSize       int
}

// Service is the BundlingService of §4.5, scoped to a single chain. It
// holds the single mutex of §5 that serializes bundle-building and
// bundle-sending.
type Service struct {
	mu sync.Mutex

	cfg        Config
	client     evmclient.Client
	mempool    *mempool.Service
	reputation *reputation.Service
	validation *validation.Service
	relayer    *Relayer

	timerMu sync.Mutex
	quit    chan struct{}
}

// New constructs a Service bound to its collaborators and per-network config.
func New(cfg Config, client evmclient.Client, mp *mempool.Service, rep *reputation.Service, val *validation.Service, relayer *Relayer) *Service {
	return &Service{cfg: cfg, client: client, mempool: mp, reputation: rep, validation: val, relayer: relayer}
}

// Config returns a copy of the service's current bundling configuration,
// for the debug_bundler_setBundlingMode/setBundleInterval RPCs to read
// before calling Restart with a modified copy.
func (s *Service) Config() Config {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	return s.cfg
}

// SendNextBundle implements §4.5's sendNextBundle(): acquired under the
// single mutex, builds one bundle per distinct EntryPoint present in the
// mempool snapshot and sends each non-empty one -- handleOps is scoped to a
// single EntryPoint, so ops targeting different EntryPoints can never share
// a bundle (§9 open question 6).
func (s *Service) SendNextBundle(ctx context.Context) ([]common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundles, err := s.createBundles(ctx)
	if err != nil {
		return nil, err
	}

	var hashes []common.Hash
	for _, bundle := range bundles {
		if len(bundle) == 0 {
			continue
		}
		sent, err := s.sendBundle(ctx, bundle)
		if err != nil {
			return hashes, err
		}
		hashes = append(hashes, sent...)
	}
	return hashes, nil
}

// createBundles implements §4.5's admission pass over a cost-sorted
// snapshot of the mempool, grouped by EntryPoint (§9 open question 6).
func (s *Service) createBundles(ctx context.Context) (map[common.Address][]*types.MempoolEntry, error) {
	sorted, err := s.mempool.GetSortedOps()
	if err != nil {
		return nil, err
	}

	byEntryPoint := make(map[common.Address][]*types.MempoolEntry)
	for _, entry := range sorted {
		byEntryPoint[entry.EntryPoint] = append(byEntryPoint[entry.EntryPoint], entry)
	}

	bundles := make(map[common.Address][]*types.MempoolEntry, len(byEntryPoint))
	for entryPoint, group := range byEntryPoint {
		bundle, err := s.admit(ctx, group)
		if err != nil {
			return nil, err
		}
		bundles[entryPoint] = bundle
	}
	return bundles, nil
}

// admit runs §4.5's per-entry admission checks over one EntryPoint's
// cost-sorted entries.
func (s *Service) admit(ctx context.Context, sorted []*types.MempoolEntry) ([]*types.MempoolEntry, error) {
	paymasterDeposit := make(map[common.Address]*big.Int)
	stakedEntityCount := make(map[common.Address]int)
	senders := make(map[common.Address]bool)

	var bundle []*types.MempoolEntry

	for _, entry := range sorted {
		op := entry.UserOp
		paymaster, hasPaymaster := addrOrNone(op.HasPaymaster(), op.Paymaster())
		factory, hasFactory := addrOrNone(op.HasFactory(), op.Factory())

		if hasPaymaster {
			status, err := s.reputation.GetStatus(paymaster)
			if err != nil {
				return nil, err
			}
			if status == types.StatusBanned {
				log.Warnf("purging %s: paymaster %s banned", entry.Key(), paymaster.Hex())
				if err := s.mempool.Remove(entry); err != nil {
					return nil, err
				}
				continue
			}
			if status == types.StatusThrottled || stakedEntityCount[paymaster] >= 1 {
				continue
			}
		}

		if hasFactory {
			status, err := s.reputation.GetStatus(factory)
			if err != nil {
				return nil, err
			}
			if status == types.StatusBanned {
				log.Warnf("purging %s: factory %s banned", entry.Key(), factory.Hex())
				if err := s.mempool.Remove(entry); err != nil {
					return nil, err
				}
				continue
			}
			if status == types.StatusThrottled || stakedEntityCount[factory] >= 1 {
				continue
			}
		}

		if senders[op.Sender] {
			continue
		}

		result, err := s.validation.SimulateCompleteValidation(ctx, op, entry.EntryPoint)
		if err != nil {
			log.Warnf("purging %s: re-validation failed: %v", entry.Key(), err)
			if err := s.mempool.Remove(entry); err != nil {
				return nil, err
			}
			continue
		}

		if hasPaymaster {
			deposit, ok := paymasterDeposit[paymaster]
			if !ok {
				deposit, err = s.balanceOf(ctx, entry.EntryPoint, paymaster)
				if err != nil {
					return nil, err
				}
				paymasterDeposit[paymaster] = deposit
			}
			if deposit.Cmp(result.ReturnInfo.Prefund) < 0 {
				continue
			}
			paymasterDeposit[paymaster] = new(big.Int).Sub(deposit, result.ReturnInfo.Prefund)
			stakedEntityCount[paymaster]++
		}

		if hasFactory {
			stakedEntityCount[factory]++
		}

		senders[op.Sender] = true
		bundle = append(bundle, entry)
	}

	return bundle, nil
}

func addrOrNone(has bool, addr common.Address) (common.Address, bool) {
	if !has {
		return common.Address{}, false
	}
	return addr, true
}

func (s *Service) balanceOf(ctx context.Context, entryPoint, account common.Address) (*big.Int, error) {
	data, err := evmclient.PackBalanceOf(account)
	if err != nil {
		return nil, err
	}
	out, err := s.client.CallContract(ctx, evmclient.CallMsg{To: &entryPoint, Data: data})
	if err != nil {
		return nil, errors.Wrap(err, "bundling: balanceOf")
	}
	return evmclient.UnpackBalanceOf(out)
}

// sendBundle implements §4.5's sendBundle(bundle): handleOps submission,
// success/failure reputation fallout, and multicall-based hash resolution.
func (s *Service) sendBundle(ctx context.Context, bundle []*types.MempoolEntry) ([]common.Hash, error) {
	if len(bundle) == 0 {
		return nil, nil
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()

	entryPoint := bundle[0].EntryPoint
	beneficiary, err := s.selectBeneficiary(cctx)
	if err != nil {
		return nil, err
	}

	ops := make([]*types.UserOperation, len(bundle))
	for i, e := range bundle {
		ops[i] = e.UserOp
	}

	data, err := evmclient.PackHandleOps(ops, beneficiary)
	if err != nil {
		return nil, errors.Wrap(err, "bundling: pack handleOps")
	}

	txHash, err := s.relayer.SendDynamicFeeTx(cctx, s.client, big.NewInt(s.cfg.ChainID), entryPoint, data, handleOpsGasLimit(len(ops)))
	if err != nil {
		return s.handleSendFailure(cctx, bundle, err)
	}

	receipt, err := s.client.TransactionReceipt(cctx, txHash)
	if err != nil || receipt == nil || receipt.Status == 0 {
		return s.handleSendFailure(cctx, bundle, errors.Errorf("handleOps tx %s failed on-chain", txHash.Hex()))
	}

	for _, e := range bundle {
		if err := s.mempool.Remove(e); err != nil {
			return nil, err
		}
		if err := s.reputation.UpdateIncludedStatus(e.UserOp.Sender); err != nil {
			return nil, err
		}
	}

	return s.resolveUserOpHashes(cctx, bundle)
}

func handleOpsGasLimit(n int) uint64 {
	return uint64(n)*1_500_000 + 500_000
}

// handleSendFailure implements §4.5's failure branch: decode the revert,
// quarantine the culprit via crashedHandleOps when it is the factory or
// paymaster, otherwise drop the offending entry from the mempool; any
// non-FailedOp error is logged and the bundle is dropped unchanged.
func (s *Service) handleSendFailure(ctx context.Context, bundle []*types.MempoolEntry, sendErr error) ([]common.Hash, error) {
	revertData, hasRevert := extractRevertData(sendErr)
	if !hasRevert {
		log.Errorf("handleOps submission failed: %v", sendErr)
		return nil, nil
	}

	_, failedOp, err := evmclient.DecodeSimulateValidationRevert(revertData)
	if err != nil || failedOp == nil {
		log.Errorf("handleOps reverted with an undecodable reason: %v", sendErr)
		return nil, nil
	}

	idx := int(failedOp.OpIndex.Int64())
	if idx < 0 || idx >= len(bundle) {
		log.Errorf("FailedOp opIndex %d out of range for bundle of %d", idx, len(bundle))
		return nil, nil
	}
	entry := bundle[idx]

	if failedOp.Paymaster != (common.Address{}) {
		log.Warnf("crashedHandleOps: paymaster %s at opIndex %d", failedOp.Paymaster.Hex(), idx)
		return nil, s.reputation.CrashedHandleOps(failedOp.Paymaster)
	}
	if strings.HasPrefix(failedOp.Reason, "AA1") {
		factory := entry.UserOp.Factory()
		log.Warnf("crashedHandleOps: factory %s at opIndex %d (%s)", factory.Hex(), idx, failedOp.Reason)
		return nil, s.reputation.CrashedHandleOps(factory)
	}

	log.Warnf("removing %s: FailedOp %q", entry.Key(), failedOp.Reason)
	return nil, s.mempool.Remove(entry)
}

func extractRevertData(err error) ([]byte, bool) {
	if de, ok := err.(interface{ ErrorData() interface{} }); ok {
		if raw, ok := de.ErrorData().([]byte); ok {
			return raw, true
		}
	}
	return nil, false
}

// resolveUserOpHashes batches per-entry getUserOpHash staticcalls through
// Multicall3's aggregate3, returning an empty slice (not an error) on
// multicall failure, since hashes are observability rather than
// correctness (§4.5).
func (s *Service) resolveUserOpHashes(ctx context.Context, bundle []*types.MempoolEntry) ([]common.Hash, error) {
	calls := make([]evmclient.Call3, len(bundle))
	for i, e := range bundle {
		data, err := evmclient.PackGetUserOpHash(e.UserOp)
		if err != nil {
			return nil, err
		}
		calls[i] = evmclient.Call3{Target: e.EntryPoint, AllowFailure: true, CallData: data}
	}

	data, err := evmclient.PackAggregate3(calls)
	if err != nil {
		return nil, err
	}
	out, err := s.client.CallContract(ctx, evmclient.CallMsg{To: &s.cfg.Multicall, Data: data})
	if err != nil {
		log.Warnf("multicall hash resolution failed: %v", err)
		return nil, nil
	}
	results, err := evmclient.UnpackAggregate3(out)
	if err != nil {
		log.Warnf("multicall hash resolution decode failed: %v", err)
		return nil, nil
	}

	hashes := make([]common.Hash, 0, len(results))
	for _, r := range results {
		if !r.Success {
			continue
		}
		h, err := evmclient.UnpackUserOpHash(r.ReturnData)
		if err != nil {
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// selectBeneficiary implements §4.5's selectBeneficiary(): the configured
// beneficiary, unless it is unset or the relayer's balance has fallen to
// or below minSignerBalance, in which case the relayer refuels itself.
func (s *Service) selectBeneficiary(ctx context.Context) (common.Address, error) {
	if s.cfg.Beneficiary == nil {
		return s.relayer.Address, nil
	}
	balance, err := s.client.BalanceAt(ctx, s.relayer.Address)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "bundling: relayer balance")
	}
	if s.cfg.MinSignerBalance != nil && balance.Cmp(s.cfg.MinSignerBalance) <= 0 {
		return s.relayer.Address, nil
	}
	return *s.cfg.Beneficiary, nil
}

// TryBundle implements §4.5's tryBundle(force): force always bundles;
// force=false only bundles once the mempool has reached maxMempoolSize
// (§9 open question 1: the size-triggered path is implemented as a real
// gate here, not a no-op).
func (s *Service) TryBundle(ctx context.Context, force bool) ([]common.Hash, error) {
	if !force {
		count, err := s.mempool.Count()
		if err != nil {
			return nil, err
		}
		if count < s.cfg.MaxMempoolSize {
			return nil, nil
		}
	}
	return s.SendNextBundle(ctx)
}

// Start begins the auto-bundling cron of §4.5 when in ModeAuto, a ticker
// loop selecting on a quit channel, grounded on the teacher's
// pkg/core/mempool Run/quitChan pattern.
func (s *Service) Start() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.quit != nil {
		return
	}
	if s.cfg.Mode != ModeAuto {
		return
	}
	s.quit = make(chan struct{})
	go s.runAutoBundling(s.quit, s.cfg.AutoBundlingInterval)
}

// Stop halts the auto-bundling cron.
func (s *Service) Stop() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.quit == nil {
		return
	}
	close(s.quit)
	s.quit = nil
}

// Restart implements the timer restart setBundlingMode/setBundlingInterval/
// setMempoolMaxSize imply (§4.5): stop the current cron, apply cfg, and
// start it again if the new mode is auto.
func (s *Service) Restart(cfg Config) {
	s.Stop()
	s.cfg = cfg
	s.Start()
}

func (s *Service) runAutoBundling(quit chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.TryBundle(context.Background(), true); err != nil {
				log.Errorf("auto-bundling tick failed: %v", err)
			}
		case <-quit:
			return
		}
	}
}
