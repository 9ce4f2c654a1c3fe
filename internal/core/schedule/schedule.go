// Package schedule derives auction rounds from a fixed round clock.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/vietddude/roundwatcher/internal/core/domain"
)

// ErrNoRounds is returned before the first round has started and for
// rounds numbered below the first one.
var ErrNoRounds = errors.New("no round has started yet")

// Config describes the round clock.
type Config struct {
	OffsetUnix        int64         `yaml:"offset_unix"`        // Start of FirstRound
	RoundDuration     time.Duration `yaml:"round_duration"`     // Length of a round (default: 60s)
	FirstRound        uint64        `yaml:"first_round"`        // Number of the round starting at OffsetUnix
	ControllerAddress string        `yaml:"controller_address"` // Express lane controller, copied to every round
}

// FixedSchedule produces back-to-back rounds of equal length.
type FixedSchedule struct {
	cfg      Config
	duration int64
	clock    clock.PassiveClock
}

// NewFixedSchedule creates a schedule. A nil clock uses the wall clock.
func NewFixedSchedule(cfg Config, clk clock.PassiveClock) (*FixedSchedule, error) {
	if cfg.RoundDuration == 0 {
		cfg.RoundDuration = time.Minute
	}
	if cfg.RoundDuration < time.Second || cfg.RoundDuration%time.Second != 0 {
		return nil, fmt.Errorf("round duration must be a whole number of seconds, got %s", cfg.RoundDuration)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &FixedSchedule{
		cfg:      cfg,
		duration: int64(cfg.RoundDuration / time.Second),
		clock:    clk,
	}, nil
}

// LatestRound returns the round whose window contains the current time.
func (s *FixedSchedule) LatestRound(ctx context.Context) (uint64, error) {
	now := s.clock.Now().Unix()
	if now < s.cfg.OffsetUnix {
		return 0, ErrNoRounds
	}
	return s.cfg.FirstRound + uint64((now-s.cfg.OffsetUnix)/s.duration), nil
}

// Round returns round n. Both window bounds are inclusive.
func (s *FixedSchedule) Round(ctx context.Context, n uint64) (domain.RoundInfo, error) {
	if n < s.cfg.FirstRound {
		return domain.RoundInfo{}, fmt.Errorf("round %d precedes first round %d: %w", n, s.cfg.FirstRound, ErrNoRounds)
	}
	start := s.cfg.OffsetUnix + int64(n-s.cfg.FirstRound)*s.duration
	return domain.RoundInfo{
		Round:             n,
		StartTimestamp:    start,
		EndTimestamp:      start + s.duration - 1,
		ControllerAddress: s.cfg.ControllerAddress,
		AuctionKind:       domain.AuctionKindUnknown,
	}, nil
}

// Rounds returns rounds from..to inclusive.
func (s *FixedSchedule) Rounds(ctx context.Context, from, to uint64) ([]domain.RoundInfo, error) {
	if to < from {
		return nil, nil
	}
	out := make([]domain.RoundInfo, 0, to-from+1)
	for n := from; n <= to; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := s.Round(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}
