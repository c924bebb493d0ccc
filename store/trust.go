// SPDX-License-Identifier: MIT
// Attestation Gateway - Per-device trust scores
//
// A trust score is a rollup over a device's validation history:
//
//	first sighting          score = 50
//	valid                   streak++, +2 once the streak reaches 3
//	invalid                 -10, streak reset
//	rate-limited            -5, streak reset
//	error                   unchanged (vendor outage is not the device's fault)
//
// Scores are clamped to [0, 100]. Rows are never deleted.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/szymonwilczek/attestgw/types"
)

// rollup of one device's validation history
type TrustScore struct {
	DeviceID             string    `json:"device_id"`
	Score                int       `json:"score"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalValidations     int64     `json:"total_validations"`
	TotalFailures        int64     `json:"total_failures"`
	FirstSeen            time.Time `json:"first_seen"`
	LastSeen             time.Time `json:"last_seen"`
}

// score adjustments per outcome
type TrustPolicy struct {
	Initial          int
	Min              int
	Max              int
	StreakThreshold  int
	StreakBonus      int
	InvalidPenalty   int
	RateLimitPenalty int
}

func DefaultTrustPolicy() TrustPolicy {
	return TrustPolicy{
		Initial:          50,
		Min:              0,
		Max:              100,
		StreakThreshold:  3,
		StreakBonus:      2,
		InvalidPenalty:   10,
		RateLimitPenalty: 5,
	}
}

// folds one outcome into s
// a zero FirstSeen marks a device seen for the first time
func (p TrustPolicy) Apply(s TrustScore, status types.Status, at time.Time) TrustScore {
	at = at.UTC()
	if s.FirstSeen.IsZero() {
		s.FirstSeen = at
		s.Score = p.Initial
	}
	if at.After(s.LastSeen) {
		s.LastSeen = at
	}
	s.TotalValidations++

	switch status {
	case types.StatusValid:
		s.ConsecutiveSuccesses++
		if s.ConsecutiveSuccesses >= p.StreakThreshold {
			s.Score += p.StreakBonus
		}
	case types.StatusInvalid:
		s.Score -= p.InvalidPenalty
		s.ConsecutiveSuccesses = 0
		s.TotalFailures++
	case types.StatusRateLimited:
		s.Score -= p.RateLimitPenalty
		s.ConsecutiveSuccesses = 0
		s.TotalFailures++
	}

	s.Score = max(p.Min, min(p.Max, s.Score))
	return s
}

// maintains per-device trust scores
type TrustScorer interface {
	// folds one outcome into the device's score and returns the new value
	Update(ctx context.Context, deviceID string, status types.Status, at time.Time) (TrustScore, error)

	// returns the device's score; false when the device was never seen
	Get(ctx context.Context, deviceID string) (TrustScore, bool, error)

	// returns up to limit scores, most recently seen first
	List(ctx context.Context, limit int) ([]TrustScore, error)
}

// implements TrustScorer in memory
type MemoryTrustScorer struct {
	mu     sync.RWMutex
	scores map[string]TrustScore
	policy TrustPolicy
}

func NewMemoryTrustScorer(policy TrustPolicy) *MemoryTrustScorer {
	return &MemoryTrustScorer{
		scores: make(map[string]TrustScore),
		policy: policy,
	}
}

func (s *MemoryTrustScorer) Update(ctx context.Context, deviceID string, status types.Status, at time.Time) (TrustScore, error) {
	if err := ctx.Err(); err != nil {
		return TrustScore{}, err
	}
	if deviceID == "" {
		return TrustScore{}, ErrMissingDeviceID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	score := s.policy.Apply(s.scores[deviceID], status, at)
	score.DeviceID = deviceID
	s.scores[deviceID] = score
	return score, nil
}

func (s *MemoryTrustScorer) Get(ctx context.Context, deviceID string) (TrustScore, bool, error) {
	if err := ctx.Err(); err != nil {
		return TrustScore{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	score, ok := s.scores[deviceID]
	return score, ok, nil
}

func (s *MemoryTrustScorer) List(ctx context.Context, limit int) ([]TrustScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = AuditFilter{Limit: limit}.limit()

	s.mu.RLock()
	scores := make([]TrustScore, 0, len(s.scores))
	for _, score := range s.scores {
		scores = append(scores, score)
	}
	s.mu.RUnlock()

	sort.Slice(scores, func(i, j int) bool {
		if !scores[i].LastSeen.Equal(scores[j].LastSeen) {
			return scores[i].LastSeen.After(scores[j].LastSeen)
		}
		return scores[i].DeviceID < scores[j].DeviceID
	})
	if len(scores) > limit {
		scores = scores[:limit]
	}
	return scores, nil
}
