package risk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fusion-trader/internal/model"
	"fusion-trader/internal/service"
)

// Gate is the ACTIVE/HALTED safety interlock in front of every order. It owns the RiskState;
// the mutex exists because the status server and tracker read it from other goroutines.
type Gate struct {
	mu        sync.Mutex
	instance  string
	cfg       service.GateConfig
	loc       *time.Location
	state     RiskState
	observers []StatusObserver
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewGate(instance string, cfg service.GateConfig, logger *zap.SugaredLogger) (*Gate, error) {
	loc := time.UTC
	if cfg.DayLocation != "" {
		l, err := time.LoadLocation(cfg.DayLocation)
		if err != nil {
			return nil, fmt.Errorf("gate day location: %w", err)
		}
		loc = l
	}
	if logger == nil {
		logger = service.Logger.Sugar()
	}
	g := &Gate{
		instance: instance,
		cfg:      cfg,
		loc:      loc,
		state:    RiskState{State: StateActive},
		logger:   logger,
		now:      time.Now,
	}
	gateHalted.WithLabelValues(instance).Set(0)
	return g, nil
}

// SetClock replaces the wall clock used by status reads and manual halts.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// AddObserver registers o for status pushes. Observers are called outside the gate lock.
func (g *Gate) AddObserver(o StatusObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, o)
}

// Check runs every safety rule against c and returns a *model.RiskRejectedError for the first
// one that fails.
func (g *Gate) Check(c Candidate) error {
	g.mu.Lock()
	at := c.At
	if at.IsZero() {
		at = g.now()
	}
	changed, err := g.check(c, at)
	st := g.statusLocked(at)
	g.mu.Unlock()

	if changed {
		g.notify(st)
	}
	if err != nil {
		gateRejections.WithLabelValues(g.instance, string(model.RejectReasonOf(err))).Inc()
		g.logger.Infow("candidate rejected", "symbol", c.Risk.Symbol, "error", err)
		return err
	}
	gateApprovals.WithLabelValues(g.instance).Inc()
	return nil
}

func (g *Gate) check(c Candidate, at time.Time) (changed bool, err error) {
	g.rollDay(at)

	// 1. interlock
	if g.state.State == StateHalted {
		return false, model.Rejected(g.state.HaltCause, "gate halted: %s", g.state.HaltReason)
	}
	if cause, reason := g.limitBreached(); cause != "" {
		g.halt(cause, reason, at)
		return true, model.Rejected(cause, "%s", reason)
	}

	// 2. frequency and cooldown
	g.pruneTrades(at)
	if len(g.state.RecentTrades) >= g.cfg.MaxTradesPerWindow {
		return false, model.Rejected(model.ReasonFrequencyLimit, "%d trades in the last %s",
			len(g.state.RecentTrades), g.cfg.TradeWindow)
	}
	if n := len(g.state.RecentTrades); n > 0 {
		if since := at.Sub(g.state.RecentTrades[n-1]); since < g.cfg.Cooldown {
			return false, model.Rejected(model.ReasonCooldown, "last trade %s ago, cooldown %s",
				since.Round(time.Second), g.cfg.Cooldown)
		}
	}

	// 3. reward:risk
	r := c.Risk
	if r.RiskRewardRatio < g.cfg.MinRiskReward {
		return false, model.Rejected(model.ReasonRiskRewardTooLow, "%.2f < %.2f", r.RiskRewardRatio, g.cfg.MinRiskReward)
	}

	// 4. loss as a share of the account
	maxLossPct := g.cfg.MaxLossPctLarge
	if c.Balance < g.cfg.SmallAccountBalance {
		maxLossPct = g.cfg.MaxLossPctSmall
	}
	if r.MaxLossPct > maxLossPct {
		return false, model.Rejected(model.ReasonMaxLossExceeded, "%.2f%% > %.2f%%", r.MaxLossPct, maxLossPct)
	}

	// 5. one position per symbol, bounded in total
	if c.HasPosition {
		return false, model.Rejected(model.ReasonPositionExists, "%s", r.Symbol)
	}
	if c.HasPendingOrder {
		return false, model.Rejected(model.ReasonPendingOrderExists, "%s", r.Symbol)
	}
	if c.OpenPositions >= g.cfg.MaxOpenPositions {
		return false, model.Rejected(model.ReasonMaxPositions, "%d open, limit %d", c.OpenPositions, g.cfg.MaxOpenPositions)
	}

	// 6. capital with buffer
	if available := c.BuyingPower * (1 - g.cfg.CapitalBuffer); r.Notional() > available {
		return false, model.Rejected(model.ReasonInsufficientCapital, "need %.2f, have %.2f", r.Notional(), available)
	}
	return false, nil
}

// RecordExecution notes a confirmed entry for the frequency and cooldown rules.
func (g *Gate) RecordExecution(at time.Time) {
	g.mu.Lock()
	g.pruneTrades(at)
	g.state.RecentTrades = append(g.state.RecentTrades, at)
	st := g.statusLocked(at)
	g.mu.Unlock()

	executionsTotal.WithLabelValues(g.instance).Inc()
	g.notify(st)
}

// RecordClose folds a realized P&L into the streak and daily accumulator, halting on a limit.
// A loss is pnl < 0; breakeven resets the streak like a win.
func (g *Gate) RecordClose(pnl float64, at time.Time) {
	g.mu.Lock()
	g.rollDay(at)
	if pnl < 0 {
		g.state.ConsecutiveLosses++
		g.state.DailyLoss += -pnl
	} else {
		g.state.ConsecutiveLosses = 0
	}
	if g.state.State == StateActive {
		if cause, reason := g.limitBreached(); cause != "" {
			g.halt(cause, reason, at)
		}
	}
	consecutiveLossesGauge.WithLabelValues(g.instance).Set(float64(g.state.ConsecutiveLosses))
	dailyLossGauge.WithLabelValues(g.instance).Set(g.state.DailyLoss)
	st := g.statusLocked(at)
	g.mu.Unlock()

	g.logger.Infow("trade close recorded",
		"pnl", pnl,
		"consecutive_losses", st.ConsecutiveLosses,
		"daily_loss", st.DailyLoss,
		"state", st.State,
	)
	g.notify(st)
}

// Halt stops all new entries until Resume.
func (g *Gate) Halt(reason string) {
	g.HaltWithCause(model.ReasonHalted, reason)
}

// HaltWithCause halts with a specific rejection reason, e.g. position_tracking_failure.
func (g *Gate) HaltWithCause(cause model.RejectReason, reason string) {
	g.mu.Lock()
	at := g.now()
	if g.state.State == StateHalted {
		g.mu.Unlock()
		return
	}
	g.halt(cause, reason, at)
	st := g.statusLocked(at)
	g.mu.Unlock()
	g.notify(st)
}

// Resume re-arms a halted gate and clears the loss streak. The daily loss accumulator is kept,
// so resuming on a day that already breached the daily limit halts again on the next check.
func (g *Gate) Resume(reason string) {
	g.mu.Lock()
	at := g.now()
	if g.state.State == StateActive {
		g.mu.Unlock()
		return
	}
	g.transition(StateActive, "", reason)
	g.state.ConsecutiveLosses = 0
	g.state.HaltReason = ""
	g.state.HaltCause = ""
	g.state.HaltedAt = time.Time{}
	consecutiveLossesGauge.WithLabelValues(g.instance).Set(0)
	st := g.statusLocked(at)
	g.mu.Unlock()
	g.notify(st)
}

func (g *Gate) IsHalted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.State == StateHalted
}

// ConsecutiveLosses implements LossCounter.
func (g *Gate) ConsecutiveLosses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.ConsecutiveLosses
}

func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusLocked(g.now())
}

// Snapshot returns a copy of the raw state.
func (g *Gate) Snapshot() RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.clone()
}

// limitBreached reports the first hard limit the state has reached.
func (g *Gate) limitBreached() (model.RejectReason, string) {
	if g.cfg.MaxDailyLoss > 0 && g.state.DailyLoss >= g.cfg.MaxDailyLoss {
		return model.ReasonDailyLossLimit, fmt.Sprintf("daily loss %.2f reached limit %.2f", g.state.DailyLoss, g.cfg.MaxDailyLoss)
	}
	if g.state.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		return model.ReasonConsecutiveLossLimit, fmt.Sprintf("%d consecutive losses", g.state.ConsecutiveLosses)
	}
	return "", ""
}

func (g *Gate) halt(cause model.RejectReason, reason string, at time.Time) {
	g.transition(StateHalted, cause, reason)
	g.state.HaltCause = cause
	g.state.HaltReason = reason
	g.state.HaltedAt = at
}

func (g *Gate) transition(to GateState, cause model.RejectReason, reason string) {
	from := g.state.State
	if from == to {
		return
	}
	g.logger.Warnw("!!! State Transition !!!",
		"From", string(from),
		"To", string(to),
		"Cause", string(cause),
		"Reason", reason,
	)
	g.state.State = to
	gateTransitions.WithLabelValues(g.instance, string(from), string(to), string(cause)).Inc()
	if to == StateHalted {
		gateHalted.WithLabelValues(g.instance).Set(1)
	} else {
		gateHalted.WithLabelValues(g.instance).Set(0)
	}
}

// rollDay resets the daily accumulator when at falls on a later trading day.
func (g *Gate) rollDay(at time.Time) {
	local := at.In(g.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.loc)
	if day.After(g.state.Day) {
		if !g.state.Day.IsZero() && g.state.DailyLoss > 0 {
			g.logger.Infow("daily loss reset", "previous_day", g.state.Day.Format("2006-01-02"), "loss", g.state.DailyLoss)
		}
		g.state.Day = day
		g.state.DailyLoss = 0
		dailyLossGauge.WithLabelValues(g.instance).Set(0)
	}
}

func (g *Gate) pruneTrades(at time.Time) {
	cutoff := at.Add(-g.cfg.TradeWindow)
	kept := g.state.RecentTrades[:0]
	for _, t := range g.state.RecentTrades {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.state.RecentTrades = kept
}

func (g *Gate) statusLocked(at time.Time) Status {
	st := Status{
		Instance:          g.instance,
		State:             g.state.State,
		HaltReason:        g.state.HaltReason,
		HaltCause:         g.state.HaltCause,
		DailyLoss:         g.state.DailyLoss,
		ConsecutiveLosses: g.state.ConsecutiveLosses,
		UpdatedAt:         at,
	}
	if !g.state.Day.IsZero() {
		st.Day = g.state.Day.Format("2006-01-02")
	}
	if !g.state.HaltedAt.IsZero() {
		h := g.state.HaltedAt
		st.HaltedAt = &h
	}
	cutoff := at.Add(-g.cfg.TradeWindow)
	for _, t := range g.state.RecentTrades {
		if t.After(cutoff) {
			st.TradesInWindow++
		}
	}
	if n := len(g.state.RecentTrades); n > 0 {
		last := g.state.RecentTrades[n-1]
		st.LastTradeAt = &last
	}
	return st
}

func (g *Gate) notify(st Status) {
	g.mu.Lock()
	observers := append([]StatusObserver(nil), g.observers...)
	g.mu.Unlock()
	for _, o := range observers {
		o.PublishStatus(st)
	}
}
