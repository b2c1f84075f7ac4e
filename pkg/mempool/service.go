// Package mempool is the MempoolService of spec §4.4 (C6): the store of
// UserOperations waiting to be bundled, keyed "{chainId}:{sender}:{nonce}"
// per §3, replacement-gated and per-sender quota-gated via the
// ReputationService.
//
// Grounded on the teacher's pkg/core/mempool package: the package-level
// logrus entry tagged with a "prefix" field, and the "a missing DB value is
// a zero-initialized/empty result" failure semantics its checkTx/verified
// pool reads assume. The teacher's pool is an event-bus-fed verification
// queue for block-bound transactions; this service keeps its logging idiom
// and its flat "one entry per sender+nonce" mental model but is otherwise
// a synchronous store built directly against pkg/kv, since §4.4 names no
// channel or event-loop architecture.
package mempool

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"

	"github.com/dusk-network/aa-bundler/pkg/bundlerrors"
	"github.com/dusk-network/aa-bundler/pkg/kv"
	"github.com/dusk-network/aa-bundler/pkg/reputation"
	"github.com/dusk-network/aa-bundler/pkg/types"
)

var log = logger.WithFields(logger.Fields{"prefix": "mempool"})

// MaxUserOpsPerSender is MAX_MEMPOOL_USEROPS_PER_SENDER of §4.4: once a
// sender has this many entries in the pool, further admissions require the
// sender to be sufficiently staked (ReputationService.CheckStake).
const MaxUserOpsPerSender = 4

// Service is the MempoolService of §4.4, scoped to a single chain.
type Service struct {
	store      kv.Store
	chainID    int64
	reputation *reputation.Service
}

// New constructs a Service bound to a chain's store and reputation engine.
func New(store kv.Store, chainID int64, rep *reputation.Service) *Service {
	return &Service{store: store, chainID: chainID, reputation: rep}
}

func (s *Service) keysListKey() []byte {
	return []byte(strconv.FormatInt(s.chainID, 10) + ":USEROPKEYS")
}

// AddEntry implements §4.4's addUserOp(userOp, entryPoint, prefund,
// senderInfo, hash?, aggregator?): if the slot is occupied, the incoming
// UserOperation must satisfy canReplace or the call fails with
// INVALID_OPCODE "fee too low" (error kind preserved for client
// compatibility per §7); otherwise, once the sender's quota is exhausted,
// admission requires ReputationService.CheckStake -- consulting entry's
// own SenderInfo, not a fabricated zero stake -- to return no reason.
func (s *Service) AddEntry(entry *types.MempoolEntry) error {
	key := []byte(entry.Key())

	existing, err := s.load(key)
	if err != nil && err != kv.ErrNotFound {
		return err
	}

	if existing != nil {
		if !types.CanReplace(entry.UserOp, existing.UserOp) {
			return bundlerrors.New(bundlerrors.KindInvalidOpcode, "fee too low")
		}
	} else {
		count, err := s.countBySender(entry.UserOp.Sender)
		if err != nil {
			return err
		}
		if count >= MaxUserOpsPerSender {
			senderInfo := types.StakeInfo{Addr: entry.UserOp.Sender}
			if entry.SenderInfo != nil {
				senderInfo = *entry.SenderInfo
				senderInfo.Addr = entry.UserOp.Sender
			}
			reason, err := s.reputation.CheckStake(senderInfo)
			if err != nil {
				return err
			}
			if reason != "" {
				return bundlerrors.New(bundlerrors.KindInvalidRequest, "%s", reason)
			}
		}
	}

	if existing == nil {
		if err := s.appendKey(key); err != nil {
			return err
		}
	}

	if err := kv.PutJSON(s.store, key, entry); err != nil {
		return errors.Wrap(err, "mempool: put entry")
	}

	log.Tracef("admitted %s (sender=%s nonce=%s)", entry.Key(), entry.UserOp.Sender.Hex(), entry.UserOp.Nonce.String())

	if err := s.reputation.UpdateSeenStatus(entry.UserOp.Sender); err != nil {
		return err
	}
	if entry.UserOp.HasPaymaster() {
		if err := s.reputation.UpdateSeenStatus(entry.UserOp.Paymaster()); err != nil {
			return err
		}
	}
	if entry.Aggregator != nil {
		if err := s.reputation.UpdateSeenStatus(*entry.Aggregator); err != nil {
			return err
		}
	}
	return nil
}

// Remove implements §4.4's remove(entry): drop the key from the key list
// and delete the stored entry.
func (s *Service) Remove(entry *types.MempoolEntry) error {
	key := []byte(entry.Key())
	if err := s.removeKey(key); err != nil {
		return err
	}
	return errors.Wrap(s.store.Del(key), "mempool: delete entry")
}

// RemoveUserOp implements §4.4's removeUserOp(userOp): the convenience form
// of Remove that only needs the chain ID, sender and nonce.
func (s *Service) RemoveUserOp(op *types.UserOperation) error {
	key := []byte(types.EntryKey(s.chainID, op.Sender, op.Nonce))
	if err := s.removeKey(key); err != nil {
		return err
	}
	return errors.Wrap(s.store.Del(key), "mempool: delete entry")
}

// GetSortedOps implements §4.4's getSortedOps(): every stored entry,
// ordered by compareByCost (descending maxPriorityFeePerGas).
func (s *Service) GetSortedOps() ([]*types.MempoolEntry, error) {
	entries, err := s.all()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return types.CompareByCost(entries[i], entries[j]) < 0
	})
	return entries, nil
}

// Count implements §4.4's count().
func (s *Service) Count() (int, error) {
	keys, err := s.loadKeys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Dump implements §4.4's dump(), used by debug_bundler_dumpMempool.
func (s *Service) Dump() ([]*types.MempoolEntry, error) {
	return s.all()
}

// ClearState implements §4.4's clearState(), used by debug_bundler_clearState.
func (s *Service) ClearState() error {
	keys, err := s.loadKeys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.store.Del([]byte(k)); err != nil {
			return err
		}
	}
	return errors.Wrap(s.store.Del(s.keysListKey()), "mempool: clear key list")
}

// IsNewOrReplacing implements §4.4's isNewOrReplacing(userOp, entryPoint):
// the predicate eth_validateUserOperation uses to decide whether
// simulateCompleteValidation should even run.
func (s *Service) IsNewOrReplacing(op *types.UserOperation) (bool, error) {
	key := []byte(types.EntryKey(s.chainID, op.Sender, op.Nonce))
	existing, err := s.load(key)
	if err != nil && err != kv.ErrNotFound {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	return types.CanReplace(op, existing.UserOp), nil
}

func (s *Service) load(key []byte) (*types.MempoolEntry, error) {
	e, err := kv.GetJSON[types.MempoolEntry](s.store, key)
	if err == kv.ErrNotFound {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "mempool: load entry")
	}
	return &e, nil
}

func (s *Service) all() ([]*types.MempoolEntry, error) {
	keys, err := s.loadKeys()
	if err != nil {
		return nil, err
	}
	rawKeys := make([][]byte, len(keys))
	for i, k := range keys {
		rawKeys[i] = []byte(k)
	}
	raws, err := s.store.GetMany(rawKeys)
	if err != nil {
		return nil, errors.Wrap(err, "mempool: load entries")
	}
	out := make([]*types.MempoolEntry, 0, len(raws))
	for _, raw := range raws {
		if raw == nil {
			continue
		}
		var e types.MempoolEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, errors.Wrap(err, "mempool: decode entry")
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *Service) countBySender(sender common.Address) (int, error) {
	entries, err := s.all()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.UserOp.Sender == sender {
			n++
		}
	}
	return n, nil
}

func (s *Service) loadKeys() ([]string, error) {
	keys, err := kv.GetJSON[[]string](s.store, s.keysListKey())
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "mempool: load key list")
	}
	return keys, nil
}

func (s *Service) appendKey(key []byte) error {
	keys, err := s.loadKeys()
	if err != nil {
		return err
	}
	keys = append(keys, string(key))
	return kv.PutJSON(s.store, s.keysListKey(), keys)
}

func (s *Service) removeKey(key []byte) error {
	keys, err := s.loadKeys()
	if err != nil {
		return err
	}
	target := string(key)
	filtered := keys[:0]
	for _, k := range keys {
		if k != target {
			filtered = append(filtered, k)
		}
	}
	return kv.PutJSON(s.store, s.keysListKey(), filtered)
}
