// Package session runs the round timer and tournament scoring. It owns no
// goroutines; the orchestrator drives it from the core loop.
package session

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexusarena/arena/pkg/ledger"
	"github.com/nexusarena/arena/pkg/num"
	"github.com/nexusarena/arena/pkg/schema"
)

// Controller tracks the current round window and cumulative standings.
type Controller struct {
	duration    time.Duration
	totalRounds int

	round   int
	active  bool
	endsAt  time.Time
	startAt time.Time

	completedRounds int
	recorded        map[int]bool
	cumulative      map[string]decimal.Decimal
}

func New(duration time.Duration, totalRounds int) *Controller {
	return &Controller{
		duration:    duration,
		totalRounds: totalRounds,
		recorded:    make(map[int]bool),
		cumulative:  make(map[string]decimal.Decimal),
	}
}

func (c *Controller) Round() int              { return c.round }
func (c *Controller) Active() bool            { return c.active }
func (c *Controller) TotalRounds() int        { return c.totalRounds }
func (c *Controller) CompletedRounds() int    { return c.completedRounds }
func (c *Controller) Duration() time.Duration { return c.duration }

// Start opens the next round at now and returns the announcement.
func (c *Controller) Start(now time.Time) schema.SessionStart {
	c.round++
	c.active = true
	c.startAt = now
	c.endsAt = now.Add(c.duration)
	return schema.SessionStart{
		Type:            "session_start",
		Round:           c.round,
		DurationSeconds: int(c.duration / time.Second),
	}
}

// OrderWindowOpen reports whether orders are accepted at now. The window
// closes at the deadline even before the timer callback lands.
func (c *Controller) OrderWindowOpen(now time.Time) bool {
	return c.active && now.Before(c.endsAt)
}

// RemainingSeconds is the time left in the round, floored at zero.
func (c *Controller) RemainingSeconds(now time.Time) decimal.Decimal {
	if !c.active {
		return decimal.Zero
	}
	left := c.endsAt.Sub(now)
	if left <= 0 {
		return decimal.Zero
	}
	return num.Round4(decimal.NewFromFloat(left.Seconds()))
}

// Close marks the current round inactive. The caller performs the flatten
// and reset; recording the result happens via RecordRound.
func (c *Controller) Close() {
	c.active = false
}

// RecordRound folds a round's per-trader PnL into the cumulative standings.
// Recording the same round twice is a no-op, so replayed round results leave
// history and scores unchanged. Reports whether the round was newly recorded.
func (c *Controller) RecordRound(round int, pnl map[string]decimal.Decimal) bool {
	if c.recorded[round] {
		return false
	}
	c.recorded[round] = true
	c.completedRounds++
	for id, v := range pnl {
		c.cumulative[id] = num.Round4(c.cumulative[id].Add(v))
	}
	return true
}

// Complete reports whether every round has been recorded.
func (c *Controller) Complete() bool {
	return c.completedRounds >= c.totalRounds
}

// CumulativeRankings returns the tournament standings so far.
func (c *Controller) CumulativeRankings() []schema.RankingRow {
	return ledger.Rankings(c.cumulative)
}

// TournamentCompleteEvent builds the terminal announcement.
func (c *Controller) TournamentCompleteEvent() schema.TournamentComplete {
	return schema.TournamentComplete{
		Type:            "tournament_complete",
		RoundsCompleted: c.completedRounds,
		TotalRounds:     c.totalRounds,
		Rankings:        c.CumulativeRankings(),
	}
}
