package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the three-way reputation classification of §3.
type Status int

const (
	StatusOK Status = iota
	StatusThrottled
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusThrottled:
		return "THROTTLED"
	case StatusBanned:
		return "BANNED"
	default:
		return "UNKNOWN"
	}
}

// ReputationEntry tracks opsSeen/opsIncluded counters per entity address
// (§3). LastUpdateTime drives the hourly decay of §3/§9.
type ReputationEntry struct {
	ChainID        int64
	Address        common.Address
	OpsSeen        uint64
	OpsIncluded    uint64
	LastUpdateTime time.Time
}

// ComputeStatus implements the status formula of §3:
//
//	minExpectedIncluded = floor(opsSeen / minInclusionDenominator)
//	OK         if minExpectedIncluded <= opsIncluded + throttlingSlack
//	THROTTLED  else if minExpectedIncluded <= opsIncluded + banSlack
//	BANNED     otherwise
func (e *ReputationEntry) ComputeStatus(minInclusionDenominator, throttlingSlack, banSlack uint64) Status {
	if minInclusionDenominator == 0 {
		minInclusionDenominator = 1
	}
	minExpectedIncluded := e.OpsSeen / minInclusionDenominator

	if minExpectedIncluded <= e.OpsIncluded+throttlingSlack {
		return StatusOK
	}
	if minExpectedIncluded <= e.OpsIncluded+banSlack {
		return StatusThrottled
	}
	return StatusBanned
}

// ApplyHourlyDecay implements the decay rule of §3/§9: for every hour
// elapsed since LastUpdateTime, each counter is reduced by floor(x/24).
// Absent from the source system; required here for long-running
// correctness so a historically busy entity is not permanently banned.
func (e *ReputationEntry) ApplyHourlyDecay(now time.Time) {
	if e.LastUpdateTime.IsZero() {
		e.LastUpdateTime = now
		return
	}
	hours := int(now.Sub(e.LastUpdateTime) / time.Hour)
	for i := 0; i < hours; i++ {
		e.OpsSeen -= e.OpsSeen / 24
		e.OpsIncluded -= e.OpsIncluded / 24
	}
	if hours > 0 {
		e.LastUpdateTime = e.LastUpdateTime.Add(time.Duration(hours) * time.Hour)
	}
}
