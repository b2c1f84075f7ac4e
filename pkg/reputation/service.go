// Package reputation implements the ReputationService (C4): per-entity
// opsSeen/opsIncluded counters that drive OK/THROTTLED/BANNED
// classification, plus stake checks and a white/blacklist, all persisted
// through the pkg/kv contract.
//
// Grounded on the teacher's pkg/core/mempool package for its logging idiom
// (a package-level logrus entry tagged with a "prefix" field) and its
// "missing value is a zero-initialized entry" failure semantics for reads.
package reputation

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	logger "github.com/sirupsen/logrus"

	"github.com/dusk-network/aa-bundler/pkg/kv"
	"github.com/dusk-network/aa-bundler/pkg/types"
)

var log = logger.WithFields(logger.Fields{"prefix": "reputation"})

// crashedHandleOpsOpsSeen is the magic opsSeen value crashedHandleOps writes
// to force an immediate BANNED classification (§4.2).
const crashedHandleOpsOpsSeen = 100

// Params are the per-network thresholds the status formula and stake check
// of §3/§4.2 are evaluated against.
type Params struct {
	MinInclusionDenominator uint64
	ThrottlingSlack         uint64
	BanSlack                uint64
	MinStake                *types.StakeInfo // Addr unused; Stake/UnstakeDelaySec are the thresholds
}

// Service is the ReputationService of §4.2.
type Service struct {
	store   kv.Store
	chainID int64
	params  Params
}

// New constructs a Service bound to a chain and its reputation parameters.
func New(store kv.Store, chainID int64, params Params) *Service {
	return &Service{store: store, chainID: chainID, params: params}
}

func (s *Service) entryKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%d:REPUTATION:%s", s.chainID, normalize(addr)))
}

func (s *Service) listKey() []byte {
	return []byte(fmt.Sprintf("%d:REPUTATION", s.chainID))
}

func (s *Service) whitelistKey() []byte {
	return []byte(fmt.Sprintf("%d:REPUTATION:WL", s.chainID))
}

func (s *Service) blacklistKey() []byte {
	return []byte(fmt.Sprintf("%d:REPUTATION:BL", s.chainID))
}

func normalize(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// get loads the entry for addr, treating a missing value as a
// zero-initialized entry per §4.2's failure semantics.
func (s *Service) get(addr common.Address) (*types.ReputationEntry, error) {
	e, err := kv.GetJSON[types.ReputationEntry](s.store, s.entryKey(addr))
	if err == kv.ErrNotFound {
		return &types.ReputationEntry{ChainID: s.chainID, Address: addr}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reputation: get")
	}
	e.ApplyHourlyDecay(time.Now())
	return &e, nil
}

func (s *Service) put(e *types.ReputationEntry) error {
	if err := s.addToAddressList(s.listKey(), e.Address); err != nil {
		return err
	}
	return kv.PutJSON(s.store, s.entryKey(e.Address), e)
}

func (s *Service) addToAddressList(listKey []byte, addr common.Address) error {
	addrs, err := s.loadAddressList(listKey)
	if err != nil {
		return err
	}
	n := normalize(addr)
	for _, a := range addrs {
		if a == n {
			return nil
		}
	}
	addrs = append(addrs, n)
	return kv.PutJSON(s.store, listKey, addrs)
}

func (s *Service) loadAddressList(listKey []byte) ([]string, error) {
	addrs, err := kv.GetJSON[[]string](s.store, listKey)
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reputation: load list")
	}
	return addrs, nil
}

// UpdateSeenStatus increments opsSeen for addr (§4.2).
func (s *Service) UpdateSeenStatus(addr common.Address) error {
	e, err := s.get(addr)
	if err != nil {
		return err
	}
	e.OpsSeen++
	log.Tracef("opsSeen++ for %s (now %d)", addr.Hex(), e.OpsSeen)
	return s.put(e)
}

// UpdateIncludedStatus increments opsIncluded for addr (§4.2).
func (s *Service) UpdateIncludedStatus(addr common.Address) error {
	e, err := s.get(addr)
	if err != nil {
		return err
	}
	e.OpsIncluded++
	log.Tracef("opsIncluded++ for %s (now %d)", addr.Hex(), e.OpsIncluded)
	return s.put(e)
}

// GetStatus computes the OK/THROTTLED/BANNED classification of §3/§4.2.
func (s *Service) GetStatus(addr common.Address) (types.Status, error) {
	e, err := s.get(addr)
	if err != nil {
		return types.StatusOK, err
	}
	return e.ComputeStatus(s.params.MinInclusionDenominator, s.params.ThrottlingSlack, s.params.BanSlack), nil
}

// SetReputation overwrites an entity's counters (§4.2); used by the debug
// RPC and by CrashedHandleOps.
func (s *Service) SetReputation(addr common.Address, seen, included uint64) error {
	e := &types.ReputationEntry{ChainID: s.chainID, Address: addr, OpsSeen: seen, OpsIncluded: included, LastUpdateTime: time.Now()}
	log.Infof("setReputation %s seen=%d included=%d", addr.Hex(), seen, included)
	return s.put(e)
}

// CrashedHandleOps quarantines an entity whose on-chain handleOps
// simulation disagreed with its off-chain simulation, by forcing a BANNED
// classification (§4.2, §7).
func (s *Service) CrashedHandleOps(addr common.Address) error {
	log.Warnf("crashedHandleOps: banning %s", addr.Hex())
	return s.SetReputation(addr, crashedHandleOpsOpsSeen, 0)
}

// CheckStake implements §4.2: returns a non-empty reason when addr is not
// whitelisted AND (BANNED, OR under-staked, OR under the unstake delay
// floor); returns an empty reason for OK.
func (s *Service) CheckStake(info types.StakeInfo) (string, error) {
	whitelisted, err := s.IsWhitelisted(info.Addr)
	if err != nil {
		return "", err
	}
	if whitelisted {
		return "", nil
	}

	status, err := s.GetStatus(info.Addr)
	if err != nil {
		return "", err
	}
	if status == types.StatusBanned {
		return fmt.Sprintf("%s is banned", info.Addr.Hex()), nil
	}

	if s.params.MinStake != nil {
		if info.UnstakeDelaySec < s.params.MinStake.UnstakeDelaySec {
			return fmt.Sprintf("%s unstake delay %d below minimum %d", info.Addr.Hex(), info.UnstakeDelaySec, s.params.MinStake.UnstakeDelaySec), nil
		}
		if s.params.MinStake.Stake != nil && info.Stake.Cmp(s.params.MinStake.Stake) < 0 {
			return fmt.Sprintf("%s stake below minimum", info.Addr.Hex()), nil
		}
	}

	return "", nil
}

// IsWhitelisted reports whether addr (case-insensitively) appears on the
// whitelist (§3).
func (s *Service) IsWhitelisted(addr common.Address) (bool, error) {
	return s.onList(s.whitelistKey(), addr)
}

// IsBlacklisted reports whether addr (case-insensitively) appears on the
// blacklist (§3).
func (s *Service) IsBlacklisted(addr common.Address) (bool, error) {
	return s.onList(s.blacklistKey(), addr)
}

func (s *Service) onList(listKey []byte, addr common.Address) (bool, error) {
	addrs, err := s.loadAddressList(listKey)
	if err != nil {
		return false, err
	}
	n := normalize(addr)
	for _, a := range addrs {
		if a == n {
			return true, nil
		}
	}
	return false, nil
}

// AddWhitelist adds addr to the whitelist.
func (s *Service) AddWhitelist(addr common.Address) error {
	return s.addToAddressList(s.whitelistKey(), addr)
}

// AddBlacklist adds addr to the blacklist.
func (s *Service) AddBlacklist(addr common.Address) error {
	return s.addToAddressList(s.blacklistKey(), addr)
}

// RemoveWhitelist removes addr from the whitelist, writing the filtered
// list back -- the source discards the filtered value instead (§9 open
// question 3); this implementation persists it.
func (s *Service) RemoveWhitelist(addr common.Address) error {
	return s.removeFromList(s.whitelistKey(), addr)
}

// RemoveBlacklist removes addr from the blacklist, writing the filtered
// list back (§9 open question 3).
func (s *Service) RemoveBlacklist(addr common.Address) error {
	return s.removeFromList(s.blacklistKey(), addr)
}

func (s *Service) removeFromList(listKey []byte, addr common.Address) error {
	addrs, err := s.loadAddressList(listKey)
	if err != nil {
		return err
	}
	n := normalize(addr)
	filtered := addrs[:0]
	for _, a := range addrs {
		if a != n {
			filtered = append(filtered, a)
		}
	}
	return kv.PutJSON(s.store, listKey, filtered)
}

// Dump returns the full set of reputation entries for debug_bundler_dumpReputation.
func (s *Service) Dump() ([]*types.ReputationEntry, error) {
	addrs, err := s.loadAddressList(s.listKey())
	if err != nil {
		return nil, err
	}
	out := make([]*types.ReputationEntry, 0, len(addrs))
	for _, a := range addrs {
		e, err := s.get(common.HexToAddress(a))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ClearState removes every reputation entry and list for this chain.
func (s *Service) ClearState() error {
	addrs, err := s.loadAddressList(s.listKey())
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if err := s.store.Del(s.entryKey(common.HexToAddress(a))); err != nil {
			return err
		}
	}
	if err := s.store.Del(s.listKey()); err != nil {
		return err
	}
	if err := s.store.Del(s.whitelistKey()); err != nil {
		return err
	}
	return s.store.Del(s.blacklistKey())
}
